package handlers

import (
	"time"

	"github.com/BradenHooton/sentinel/internal/services"
)

// Login DTOs

// LoginRequest is the body of POST /auth/login. Exactly one of Password and
// PasswordEnvelope carries the password; the envelope is a base64 RSA-OAEP
// ciphertext under the key served by GET /auth/transport-key.
type LoginRequest struct {
	Email            string `json:"email" validate:"required,email,max=254"`
	Password         string `json:"password,omitempty" validate:"required_without=PasswordEnvelope,max=1024"`
	PasswordEnvelope string `json:"password_envelope,omitempty" validate:"required_without=Password,max=4096"`
	Code             string `json:"code,omitempty" validate:"max=32"`
	ChallengeToken   string `json:"challenge_token,omitempty" validate:"max=2048"`
	CaptchaToken     string `json:"captcha_token,omitempty" validate:"max=4096"`
	TrustDevice      bool   `json:"trust_device,omitempty"`
}

// LoginResponse is returned for both Authorized and TwoFactorRequired.
type LoginResponse struct {
	AccessToken    string `json:"access_token,omitempty"`
	TokenType      string `json:"token_type,omitempty"`
	ExpiresIn      int    `json:"expires_in,omitempty"`
	BackupCodeUsed bool   `json:"backup_code_used,omitempty"`
	TrustedDevice  bool   `json:"trusted_device,omitempty"`

	TwoFactorRequired bool   `json:"two_factor_required,omitempty"`
	TwoFactorKind     string `json:"two_factor_kind,omitempty"`
	ChallengeToken    string `json:"challenge_token,omitempty"`
}

// TransportKeyResponse carries the public half of the transport key.
type TransportKeyResponse struct {
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"public_key"`
}

// Account DTOs

// AccountResponse describes the signed-in admin.
type AccountResponse struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	Role             string    `json:"role"`
	TwoFactorEnabled bool      `json:"two_factor_enabled"`
	BackupCodesLeft  int       `json:"backup_codes_left"`
	CreatedAt        time.Time `json:"created_at"`
}

// ChangePasswordRequest is the body of POST /auth/password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=1024"`
	NewPassword     string `json:"new_password" validate:"required,min=12,max=1024"`
}

// DeviceResponse is one trusted device. The fingerprint is never returned.
type DeviceResponse struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Two-factor DTOs

// TwoFactorCodeRequest carries a TOTP or backup code.
type TwoFactorCodeRequest struct {
	Code string `json:"code" validate:"required,max=32"`
}

// EnrollmentResponse is shown once when enrollment begins.
type EnrollmentResponse struct {
	Secret      string   `json:"secret"`
	QRCode      string   `json:"qr_code"`
	BackupCodes []string `json:"backup_codes"`
}

// BackupCodesResponse carries freshly generated backup codes.
type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// Admin DTOs

// ActivityResponse lists recent audit entries for an account.
type ActivityResponse struct {
	AccountID string                   `json:"account_id"`
	Entries   []services.ActivityEntry `json:"entries"`
}
