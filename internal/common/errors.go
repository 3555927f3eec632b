// Package common provides shared utilities and types used across the application.
package common

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common application errors.
var (
	// Storage errors.
	ErrNotFound = errors.New("not found")

	// External dependency errors.
	ErrRateLimit = errors.New("rate limit exceeded")
	ErrFatal     = errors.New("fatal account condition")

	// Pricing errors.
	ErrNoPrice          = errors.New("no price produced")
	ErrPriceWriteFailed = errors.New("price write failed")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// UserError represents an error that should be shown to the user.
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-friendly error.
func NewUserError(userMessage string, err error) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         err,
	}
}

// StatusError carries the HTTP status of a failed provider call.
type StatusError struct {
	Provider   string
	Body       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// transientSignatures are provider messages that indicate overload or
// short-term quota pressure. They clear on their own.
var transientSignatures = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"overloaded",
	"overloaded_error",
	"resource exhausted",
	"resource_exhausted",
	"server is busy",
	"please slow down",
	"requests per minute",
	"tokens per minute",
	"status 429",
	"status 503",
	"status 529",
}

// fatalSignatures are account-level failures. Retrying or continuing the batch
// cannot succeed until an operator intervenes.
var fatalSignatures = []string{
	"insufficient_quota",
	"insufficient quota",
	"exceeded your current quota",
	"quota exhausted",
	"billing",
	"payment required",
	"credit balance is too low",
	"invalid api key",
	"invalid_api_key",
	"incorrect api key",
	"invalid x-api-key",
	"authentication_error",
	"unauthorized",
	"status 401",
	"status 402",
	"account deactivated",
	"account suspended",
	"permission_denied",
}

// IsFatal reports whether an error message matches an account-level failure.
func IsFatal(msg string) bool {
	if msg == "" {
		return false
	}
	lower := strings.ToLower(msg)
	for _, sig := range fatalSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// IsTransient determines if an error is a rate-limit or overload signal that
// should be retried after backing off. Fatal conditions are never transient,
// even when a provider reports them with a 429.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRateLimit) {
		return true
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	msg := err.Error()
	if IsFatal(msg) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case 429, 503, 529:
			return true
		}
	}

	lower := strings.ToLower(msg)
	for _, sig := range transientSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
