package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "sentinel"

// TokenManager issues and validates session and two-factor challenge JWTs.
type TokenManager struct {
	secret            []byte
	accessTokenExpiry time.Duration
	challengeExpiry   time.Duration
	now               func() time.Time
}

// NewTokenManager creates a new TokenManager
func NewTokenManager(secret string, accessExpiry, challengeExpiry time.Duration) *TokenManager {
	return &TokenManager{
		secret:            []byte(secret),
		accessTokenExpiry: accessExpiry,
		challengeExpiry:   challengeExpiry,
		now:               time.Now,
	}
}

// AccessTokenExpiry is the lifetime of session tokens.
func (tm *TokenManager) AccessTokenExpiry() time.Duration {
	return tm.accessTokenExpiry
}

// GenerateAccessToken creates a session token for the account.
func (tm *TokenManager) GenerateAccessToken(accountID, email string) (string, error) {
	return tm.sign(models.TokenTypeAccess, accountID, email, tm.accessTokenExpiry)
}

// GenerateChallengeToken creates the short-lived token that lets a second
// factor submission skip the captcha.
func (tm *TokenManager) GenerateChallengeToken(accountID, email string) (string, error) {
	return tm.sign(models.TokenTypeChallenge, accountID, email, tm.challengeExpiry)
}

func (tm *TokenManager) sign(tokenType, accountID, email string, ttl time.Duration) (string, error) {
	now := tm.now()
	claims := &models.TokenClaims{
		Type:       tokenType,
		UserID:     accountID,
		Email:      email,
		IssuedAtMs: now.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    tokenIssuer,
			Subject:   accountID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}
	return token, nil
}

// ValidateToken verifies a token and returns its claims
func (tm *TokenManager) ValidateToken(tokenString string) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return tm.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(tm.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, models.ErrUnauthorized
	}
	if claims.Type == "" || claims.UserID == "" {
		return nil, errors.New("invalid token: missing type or subject")
	}

	return claims, nil
}

// ValidateChallengeToken checks that token is a live challenge token issued
// for email.
func (tm *TokenManager) ValidateChallengeToken(tokenString, email string) (*models.TokenClaims, error) {
	claims, err := tm.ValidateToken(tokenString)
	if err != nil {
		return nil, models.ErrInvalidChallengeToken
	}
	if claims.Type != models.TokenTypeChallenge || !strings.EqualFold(claims.Email, email) {
		return nil, models.ErrInvalidChallengeToken
	}
	return claims, nil
}

// IssuedAt returns the millisecond issue instant, falling back to the
// second-precision iat claim.
func IssuedAt(claims *models.TokenClaims) time.Time {
	if claims.IssuedAtMs > 0 {
		return time.UnixMilli(claims.IssuedAtMs)
	}
	if claims.IssuedAt != nil {
		return claims.IssuedAt.Time
	}
	return time.Time{}
}
