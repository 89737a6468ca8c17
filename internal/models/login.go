package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// PasswordFormat tags how a submitted password is encoded on the wire.
type PasswordFormat string

const (
	PasswordFormatPlaintext PasswordFormat = "plaintext"
	PasswordFormatRSAOAEP   PasswordFormat = "rsa-oaep-256"
)

// PasswordInput is a submitted password together with its declared encoding.
type PasswordInput struct {
	Format PasswordFormat
	Value  string
}

// PlaintextPassword wraps a password sent without transport encryption.
func PlaintextPassword(value string) PasswordInput {
	return PasswordInput{Format: PasswordFormatPlaintext, Value: value}
}

// EncryptedPassword wraps a base64 RSA-OAEP ciphertext.
func EncryptedPassword(ciphertext string) PasswordInput {
	return PasswordInput{Format: PasswordFormatRSAOAEP, Value: ciphertext}
}

// LoginAttempt carries one login submission through the orchestrator. It is
// never persisted.
type LoginAttempt struct {
	Email            string
	Password         PasswordInput
	SecondFactorCode string
	TrustDevice      bool
	DeviceToken      string
	ChallengeToken   string
	CaptchaToken     string
	IPAddress        string
	UserAgent        string
}

// Token types
const (
	TokenTypeAccess    = "access"
	TokenTypeChallenge = "2fa_challenge"
)

// TokenClaims are the claims carried by session and challenge tokens.
// IssuedAtMs keeps millisecond precision for credential change comparisons.
type TokenClaims struct {
	Type       string `json:"type"`
	UserID     string `json:"user_id"`
	Email      string `json:"email,omitempty"`
	IssuedAtMs int64  `json:"iat_ms"`
	jwt.RegisteredClaims
}
