package services

import "time"

// Outcome is the result of a login attempt: Authorized, TwoFactorRequired or
// Rejected.
type Outcome interface {
	isOutcome()
}

// Authorized means a session may be issued for Subject.
type Authorized struct {
	Subject              string
	Email                string
	DeviceToken          string    // set when a trusted device was registered
	DeviceTokenExpiresAt time.Time // zero when DeviceToken is empty
	BackupCodeUsed       bool
	TrustedDevice        bool // second factor skipped by a trusted device
}

// TwoFactorKindTOTP is the only second factor.
const TwoFactorKindTOTP = "TOTP"

// TwoFactorRequired means the password was accepted and the caller must
// resubmit with a second-factor code and the challenge token.
type TwoFactorRequired struct {
	Kind           string
	ChallengeToken string
}

// Rejected ends the attempt. RetryAfter is set for AccountLocked and
// RateLimited; RemainingAttempts for InvalidCredentials.
type Rejected struct {
	Reason            RejectReason
	RetryAfter        time.Duration
	RemainingAttempts int
}

func (Authorized) isOutcome()        {}
func (TwoFactorRequired) isOutcome() {}
func (Rejected) isOutcome()          {}

// RejectReason is the closed set of terminal rejection reasons.
type RejectReason string

const (
	RejectInvalidCredentials   RejectReason = "invalid_credentials"
	RejectAccountLocked        RejectReason = "account_locked"
	RejectRateLimited          RejectReason = "rate_limited"
	RejectInactiveAccount      RejectReason = "inactive_account"
	RejectForbidden            RejectReason = "forbidden"
	RejectInvalidTwoFactorCode RejectReason = "invalid_two_factor_code"
	RejectCaptchaFailed        RejectReason = "captcha_failed"
	RejectConfigurationError   RejectReason = "configuration_error"
)

// PublicMessage is the caller-facing text for a reason. Reasons that would
// reveal whether the password matched share one message.
func (r RejectReason) PublicMessage() string {
	switch r {
	case RejectInvalidCredentials, RejectInactiveAccount, RejectForbidden:
		return "Invalid email or password"
	case RejectAccountLocked:
		return "Account temporarily locked, try again later"
	case RejectRateLimited:
		return "Too many login attempts, try again later"
	case RejectInvalidTwoFactorCode:
		return "Invalid verification code"
	case RejectCaptchaFailed:
		return "Human verification failed"
	default:
		return "Login is unavailable"
	}
}

// outcomeLabel names an outcome for metrics and audit rows.
func outcomeLabel(o Outcome) (string, string) {
	switch v := o.(type) {
	case Authorized:
		return "authorized", ""
	case TwoFactorRequired:
		return "two_factor_required", ""
	case Rejected:
		return "rejected", string(v.Reason)
	default:
		return "unknown", ""
	}
}
