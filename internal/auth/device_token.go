package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// DeviceClaims bind a trusted device token to an email and a user agent
// fingerprint.
type DeviceClaims struct {
	DeviceID        string `json:"did"`
	FingerprintHash string `json:"fph"`
	jwt.RegisteredClaims
}

// DeviceTokenManager signs device claims with HS256 and seals the JWT with
// AES-256-GCM so the client cannot read the fingerprint or device id.
type DeviceTokenManager struct {
	signingKey []byte
	aead       cipher.AEAD
	now        func() time.Time
}

// NewDeviceTokenManager derives separate signing and sealing keys from key.
func NewDeviceTokenManager(key []byte) (*DeviceTokenManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("device token key must be exactly 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(deriveKey(key, "device-token-seal"))
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &DeviceTokenManager{
		signingKey: deriveKey(key, "device-token-sign"),
		aead:       aead,
		now:        time.Now,
	}, nil
}

func deriveKey(key []byte, label string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(label))
	return mac.Sum(nil)
}

// DeviceFingerprint hashes the normalized user agent. The client IP is never
// part of the fingerprint.
func DeviceFingerprint(userAgent string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(userAgent))))
	return hex.EncodeToString(sum[:])
}

// Issue creates a sealed token for the device.
func (m *DeviceTokenManager) Issue(email, deviceID, fingerprintHash string, expiresAt time.Time) (string, error) {
	claims := &DeviceClaims{
		DeviceID:        deviceID,
		FingerprintHash: fingerprintHash,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.ToLower(email),
			IssuedAt:  jwt.NewNumericDate(m.now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign device token: %w", err)
	}

	nonce := make([]byte, m.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := m.aead.Seal(nonce, nonce, []byte(signed), nil)

	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Parse opens and verifies a token. Expired, tampered or foreign tokens
// return ErrInvalidDeviceToken.
func (m *DeviceTokenManager) Parse(token string) (*DeviceClaims, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(sealed) < m.aead.NonceSize() {
		return nil, models.ErrInvalidDeviceToken
	}

	nonce, ciphertext := sealed[:m.aead.NonceSize()], sealed[m.aead.NonceSize():]
	signed, err := m.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, models.ErrInvalidDeviceToken
	}

	claims := &DeviceClaims{}
	_, err = jwt.ParseWithClaims(string(signed), claims, func(*jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, models.ErrInvalidDeviceToken
	}
	if claims.DeviceID == "" || claims.FingerprintHash == "" || claims.Subject == "" {
		return nil, models.ErrInvalidDeviceToken
	}

	return claims, nil
}
