package services

import (
	"time"

	"github.com/BradenHooton/sentinel/internal/models"
)

// SessionGuard rejects sessions issued before the account's last credential
// change. Skew absorbs clock drift between the issuing and checking nodes.
type SessionGuard struct {
	skew time.Duration
}

func NewSessionGuard(skew time.Duration) *SessionGuard {
	return &SessionGuard{skew: skew}
}

// IsValid reports tokenIssuedAt >= LastCredentialChangeAt - skew.
func (g *SessionGuard) IsValid(tokenIssuedAt time.Time, account *models.Account) bool {
	if account == nil || tokenIssuedAt.IsZero() {
		return false
	}
	return !tokenIssuedAt.Before(account.LastCredentialChangeAt.Add(-g.skew))
}
