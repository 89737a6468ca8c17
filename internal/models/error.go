package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Account state errors
	ErrAccountInactive = errors.New("account is inactive")
	ErrInvalidPassword = errors.New("current password is incorrect")

	// Second factor errors
	ErrTwoFactorNotEnabled     = errors.New("two-factor authentication is not enabled")
	ErrTwoFactorAlreadyEnabled = errors.New("two-factor authentication is already enabled")
	ErrTwoFactorNotPending     = errors.New("no pending two-factor enrollment")
	ErrInvalidTwoFactorCode    = errors.New("invalid two-factor code")
	ErrTwoFactorRateLimited    = errors.New("too many two-factor attempts")

	// Token errors
	ErrInvalidDeviceToken    = errors.New("invalid trusted device token")
	ErrInvalidChallengeToken = errors.New("invalid two-factor challenge token")

	// Infrastructure errors
	ErrStoreUnavailable = errors.New("backing store unavailable")
)
