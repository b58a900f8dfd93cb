package apperrors

import "errors"

// Standardized exchange errors
var (
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrNetwork              = errors.New("network error")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidResponse      = errors.New("invalid exchange response")
	ErrRetriesExhausted     = errors.New("all retries exhausted")
	ErrQueueClosed          = errors.New("master call queue closed")
)
