package model

import "errors"

var (
	// ErrUnknownUser means the caller used an account that was never created.
	ErrUnknownUser = errors.New("keybot: unknown user")
	// ErrStoreUnavailable wraps every storage I/O failure. It is the only retryable error.
	ErrStoreUnavailable = errors.New("keybot: store unavailable")

	ErrKeyPoolEmpty        = errors.New("keybot: key pool is empty")
	ErrTrialAlreadyUsed    = errors.New("keybot: trial already used")
	ErrAlreadyActive       = errors.New("keybot: subscription already active")
	ErrInsufficientBalance = errors.New("keybot: insufficient balance")
	ErrNotActive           = errors.New("keybot: no active subscription")
	ErrUnknownPlan         = errors.New("keybot: unknown plan")
	ErrInvalidAmount       = errors.New("keybot: invalid amount")

	// ErrLedgerMismatch is reported when a cached balance differs from its history sum.
	ErrLedgerMismatch = errors.New("keybot: balance does not match ledger history")
)

// IsBusinessRule reports whether err is an expected outcome that should be shown to the user.
func IsBusinessRule(err error) bool {
	return errors.Is(err, ErrKeyPoolEmpty) ||
		errors.Is(err, ErrTrialAlreadyUsed) ||
		errors.Is(err, ErrAlreadyActive) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrNotActive) ||
		errors.Is(err, ErrUnknownPlan) ||
		errors.Is(err, ErrInvalidAmount)
}

// IsRetryable reports whether the operation may be retried with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
