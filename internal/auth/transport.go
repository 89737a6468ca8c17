package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/sentinel/internal/models"
)

const ephemeralKeyBits = 2048

// TransportDecryptor recovers passwords that the client encrypted with the
// server's RSA public key (OAEP, SHA-256).
type TransportDecryptor struct {
	key       *rsa.PrivateKey
	publicPEM string
	logger    *slog.Logger
}

// NewTransportDecryptor loads a PEM private key. An empty PEM generates an
// ephemeral key, which is only acceptable in development.
func NewTransportDecryptor(privateKeyPEM string, logger *slog.Logger) (*TransportDecryptor, error) {
	var key *rsa.PrivateKey
	var err error

	if privateKeyPEM == "" {
		key, err = rsa.GenerateKey(rand.Reader, ephemeralKeyBits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate transport key: %w", err)
		}
		logger.Warn("no transport key configured, using an ephemeral key")
	} else {
		key, err = ParseRSAPrivateKey(privateKeyPEM)
		if err != nil {
			return nil, err
		}
	}

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transport public key: %w", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	return &TransportDecryptor{key: key, publicPEM: string(publicPEM), logger: logger}, nil
}

// ParseRSAPrivateKey accepts PKCS#1 and PKCS#8 PEM blocks.
func ParseRSAPrivateKey(data string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("transport key is not PEM encoded")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transport key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("transport key is not an RSA key")
	}
	return key, nil
}

// PublicKeyPEM returns the PKIX public key clients encrypt with.
func (d *TransportDecryptor) PublicKeyPEM() string {
	return d.publicPEM
}

// PublicKey returns the RSA public key.
func (d *TransportDecryptor) PublicKey() *rsa.PublicKey {
	return &d.key.PublicKey
}

// Decrypt returns the plaintext password. It never fails: an envelope that
// cannot be decrypted is passed through unchanged and will simply not match
// any stored hash.
func (d *TransportDecryptor) Decrypt(in models.PasswordInput) string {
	if in.Format != models.PasswordFormatRSAOAEP {
		return in.Value
	}

	ciphertext, err := base64.StdEncoding.DecodeString(in.Value)
	if err != nil {
		d.logger.Warn("password envelope is not valid base64", slog.Any("error", err))
		return in.Value
	}

	plaintext, err := rsa.DecryptOAEP(sha256.New(), nil, d.key, ciphertext, nil)
	if err != nil {
		d.logger.Warn("password envelope could not be decrypted", slog.Any("error", err))
		return in.Value
	}

	return string(plaintext)
}
