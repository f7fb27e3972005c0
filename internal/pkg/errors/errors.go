package errors

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyInProgress = errors.New("population already in progress")
	ErrParse             = errors.New("parse error")
	ErrRateLimited       = errors.New("rate limited")
	ErrTransient         = errors.New("transient provider failure")
	ErrProvider          = errors.New("provider error")
	ErrConfigMismatch    = errors.New("config mismatch")
	ErrStorage           = errors.New("storage error")
	ErrInvalid           = errors.New("invalid")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrUnavailable       = errors.New("service unavailable")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsAlreadyInProgress(err error) bool {
	return errors.Is(err, ErrAlreadyInProgress)
}

// IsRetryable reports whether an embedding call may be attempted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}
