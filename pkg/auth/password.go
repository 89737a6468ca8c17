package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	MinPasswordLen = 12
	MaxPasswordLen = 128

	argon2Algorithm = "argon2id"
)

var (
	ErrInvalidHash         = errors.New("invalid password hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
)

// Argon2Params are the Argon2id cost parameters used for new hashes.
type Argon2Params struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Params returns the OWASP recommended Argon2id settings.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher produces and checks Argon2id PHC strings. Legacy bcrypt hashes are
// still accepted by Verify.
type Hasher struct {
	params Argon2Params
}

// NewHasher creates a Hasher with the given parameters
func NewHasher(params Argon2Params) *Hasher {
	return &Hasher{params: params}
}

type phcHash struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

// Hash derives a PHC encoded Argon2id hash of password with a fresh salt.
func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}

	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Algorithm,
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify checks password against an Argon2id or bcrypt hash.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	if isBcryptHash(encoded) {
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidHash, err)
		}
		return true, nil
	}

	parsed, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(password), parsed.salt, parsed.time, parsed.memory, parsed.parallelism, uint32(len(parsed.key)))
	return subtle.ConstantTimeCompare(computed, parsed.key) == 1, nil
}

// NeedsRehash reports whether encoded should be replaced by a hash made with
// the current parameters.
func (h *Hasher) NeedsRehash(encoded string) bool {
	if isBcryptHash(encoded) {
		return true
	}
	parsed, err := parsePHC(encoded)
	if err != nil {
		return true
	}
	return parsed.memory < h.params.Memory ||
		parsed.time < h.params.Time ||
		parsed.parallelism < h.params.Parallelism ||
		uint32(len(parsed.key)) != h.params.KeyLength
}

func isBcryptHash(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") || strings.HasPrefix(encoded, "$2b$") || strings.HasPrefix(encoded, "$2y$")
}

// parsePHC decodes "$argon2id$v=19$m=65536,t=3,p=2$<salt>$<key>".
func parsePHC(encoded string) (*phcHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != argon2Algorithm {
		return nil, ErrInvalidHash
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil {
		return nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return nil, ErrIncompatibleVersion
	}

	var p phcHash
	for _, kv := range strings.Split(parts[3], ",") {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, ErrInvalidHash
		}
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return nil, ErrInvalidHash
		}
		switch name {
		case "m":
			p.memory = uint32(n)
		case "t":
			p.time = uint32(n)
		case "p":
			if n > 255 {
				return nil, ErrInvalidHash
			}
			p.parallelism = uint8(n)
		default:
			return nil, ErrInvalidHash
		}
	}
	if p.memory == 0 || p.time == 0 || p.parallelism == 0 {
		return nil, ErrInvalidHash
	}

	if p.salt, err = decodeB64(parts[4]); err != nil {
		return nil, ErrInvalidHash
	}
	if p.key, err = decodeB64(parts[5]); err != nil || len(p.key) == 0 {
		return nil, ErrInvalidHash
	}

	return &p, nil
}

// decodeB64 accepts both padded and unpadded standard base64.
func decodeB64(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// CredentialVerifier compares submitted passwords with stored hashes. A
// missing or unreadable hash is checked against a decoy so the cost of the
// call does not reveal whether the account exists.
type CredentialVerifier struct {
	hasher *Hasher
	decoy  string
}

// NewCredentialVerifier builds the decoy hash once at start-up.
func NewCredentialVerifier(hasher *Hasher) (*CredentialVerifier, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate decoy seed: %w", err)
	}
	decoy, err := hasher.Hash(base64.RawStdEncoding.EncodeToString(seed))
	if err != nil {
		return nil, fmt.Errorf("failed to build decoy hash: %w", err)
	}
	return &CredentialVerifier{hasher: hasher, decoy: decoy}, nil
}

// Verify returns true only when storedHash is present and matches password.
func (v *CredentialVerifier) Verify(password string, storedHash *string) bool {
	if storedHash == nil || *storedHash == "" {
		_, _ = v.hasher.Verify(password, v.decoy)
		return false
	}

	ok, err := v.hasher.Verify(password, *storedHash)
	if err != nil {
		_, _ = v.hasher.Verify(password, v.decoy)
		return false
	}
	return ok
}

// NeedsRehash delegates to the underlying Hasher.
func (v *CredentialVerifier) NeedsRehash(storedHash string) bool {
	return v.hasher.NeedsRehash(storedHash)
}

// Hash delegates to the underlying Hasher.
func (v *CredentialVerifier) Hash(password string) (string, error) {
	return v.hasher.Hash(password)
}

// PasswordValidationError holds validation error details (internal use only)
type PasswordValidationError struct {
	Errors []string
}

func (e *PasswordValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "password validation failed"
	}
	return "invalid password"
}

var commonPasswords = map[string]bool{
	"password1234":   true,
	"administrator1": true,
	"qwertyuiop12":   true,
	"letmein123456":  true,
	"welcome12345":   true,
	"changeme1234":   true,
	"password123!":   true,
	"p@ssw0rd1234":   true,
	"admin@123456":   true,
	"iloveyou1234":   true,
}

// ValidatePassword enforces the password policy for admin credentials.
func ValidatePassword(password string) error {
	problems := make([]string, 0)

	if len(password) < MinPasswordLen {
		problems = append(problems, fmt.Sprintf("must be at least %d characters", MinPasswordLen))
	}
	if len(password) > MaxPasswordLen {
		problems = append(problems, fmt.Sprintf("must be at most %d characters", MaxPasswordLen))
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}

	if !hasUpper {
		problems = append(problems, "must contain at least one uppercase letter")
	}
	if !hasLower {
		problems = append(problems, "must contain at least one lowercase letter")
	}
	if !hasDigit {
		problems = append(problems, "must contain at least one digit")
	}
	if !hasSpecial {
		problems = append(problems, "must contain at least one special character")
	}
	if commonPasswords[strings.ToLower(password)] {
		problems = append(problems, "is too common")
	}

	if len(problems) > 0 {
		return &PasswordValidationError{Errors: problems}
	}
	return nil
}
