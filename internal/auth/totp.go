package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	totpPeriod = 30
	totpSkew   = 1
	totpDigits = otp.DigitsSix

	backupCodeCharset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
	backupCodeLength  = 8
)

// TOTPManager handles TOTP secrets, code matching and backup codes.
type TOTPManager struct {
	encryptionKey []byte // 32-byte AES-256 key
	issuer        string
}

// TOTPSecret is a freshly generated secret together with its sealed form.
type TOTPSecret struct {
	Secret        string
	Encrypted     []byte
	Nonce         []byte
	QRCodeDataURL string
}

// NewTOTPManager creates a new TOTP manager
// encryptionKey must be exactly 32 bytes for AES-256
func NewTOTPManager(encryptionKey []byte, issuer string) (*TOTPManager, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(encryptionKey))
	}

	return &TOTPManager{
		encryptionKey: encryptionKey,
		issuer:        issuer,
	}, nil
}

// GenerateSecretWithQR creates a base32 secret for email, seals it for
// storage and renders the provisioning URL as a PNG data URL.
func (tm *TOTPManager) GenerateSecretWithQR(email string) (*TOTPSecret, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tm.issuer,
		AccountName: email,
		SecretSize:  20,
		Period:      totpPeriod,
		Digits:      totpDigits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	encrypted, nonce, err := tm.EncryptSecret([]byte(key.Secret()))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret: %w", err)
	}

	qr, err := qrcode.New(key.URL(), qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to create QR code: %w", err)
	}
	png, err := qr.PNG(256)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	return &TOTPSecret{
		Secret:        key.Secret(),
		Encrypted:     encrypted,
		Nonce:         nonce,
		QRCodeDataURL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}

// EncryptSecret encrypts a TOTP secret using AES-256-GCM
// Returns: (encryptedBytes, nonce, error)
func (tm *TOTPManager) EncryptSecret(secretBytes []byte) ([]byte, []byte, error) {
	gcm, err := tm.gcm()
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, secretBytes, nil), nonce, nil
}

// DecryptSecret decrypts an encrypted TOTP secret
func (tm *TOTPManager) DecryptSecret(encryptedBytes, nonce []byte) ([]byte, error) {
	gcm, err := tm.gcm()
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, encryptedBytes, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}
	return plaintext, nil
}

func (tm *TOTPManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(tm.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateCode returns the code for secret at t.
func (tm *TOTPManager) GenerateCode(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, validateOpts())
}

// MatchStep checks code against the steps within ±1 of at and returns the
// matched time step. Every candidate is compared so timing does not reveal
// which step matched.
func (tm *TOTPManager) MatchStep(secret, code string, at time.Time) (int64, bool, error) {
	code = strings.TrimSpace(code)
	if len(code) != totpDigits.Length() {
		return 0, false, nil
	}

	current := at.Unix() / totpPeriod
	var matched int64
	found := false

	for offset := int64(-totpSkew); offset <= totpSkew; offset++ {
		step := current + offset
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*totpPeriod, 0).UTC(), validateOpts())
		if err != nil {
			return 0, false, fmt.Errorf("failed to generate TOTP code: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 && !found {
			matched = step
			found = true
		}
	}

	return matched, found, nil
}

// StepAt returns the TOTP time step containing t.
func StepAt(t time.Time) int64 {
	return t.Unix() / totpPeriod
}

func validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    totpDigits,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// GenerateBackupCodes generates count codes formatted as XXXX-XXXX from an
// alphabet without ambiguous characters.
func (tm *TOTPManager) GenerateBackupCodes(count int) ([]string, error) {
	codes := make([]string, count)

	for i := 0; i < count; i++ {
		code := make([]byte, backupCodeLength)
		if err := fillFromCharset(rand.Reader, code, backupCodeCharset); err != nil {
			return nil, fmt.Errorf("failed to generate random bytes: %w", err)
		}
		codes[i] = string(code[:4]) + "-" + string(code[4:])
	}

	return codes, nil
}

// fillFromCharset fills dst with characters drawn uniformly from charset.
// Bytes at or above the largest multiple of len(charset) are discarded.
func fillFromCharset(r io.Reader, dst []byte, charset string) error {
	limit := 256 - 256%len(charset)
	chunk := make([]byte, len(dst))

	for i := 0; i < len(dst); {
		if _, err := io.ReadFull(r, chunk); err != nil {
			return err
		}
		for _, b := range chunk {
			if int(b) >= limit {
				continue
			}
			dst[i] = charset[int(b)%len(charset)]
			i++
			if i == len(dst) {
				break
			}
		}
	}
	return nil
}

// NormalizeBackupCode upper-cases the code and strips separators.
func NormalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

// HashBackupCode returns the hex SHA-256 of the normalized code.
func (tm *TOTPManager) HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(NormalizeBackupCode(code)))
	return hex.EncodeToString(sum[:])
}

// LooksLikeBackupCode reports whether code has the backup code shape rather
// than a six-digit TOTP.
func LooksLikeBackupCode(code string) bool {
	n := NormalizeBackupCode(code)
	if len(n) != backupCodeLength {
		return false
	}
	for _, r := range n {
		if !strings.ContainsRune(backupCodeCharset, r) {
			return false
		}
	}
	return true
}
