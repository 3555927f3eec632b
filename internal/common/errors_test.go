package common

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "sentinel rate limit", err: fmt.Errorf("call: %w", ErrRateLimit), want: true},
		{name: "http 429 status", err: &StatusError{Provider: "OpenAI", StatusCode: 429, Body: "slow down"}, want: true},
		{name: "http 503 status", err: &StatusError{Provider: "OpenAI", StatusCode: 503}, want: true},
		{name: "http 400 status", err: &StatusError{Provider: "OpenAI", StatusCode: 400, Body: "bad request"}, want: false},
		{name: "anthropic overloaded", err: errors.New(`{"type":"overloaded_error","message":"Overloaded"}`), want: true},
		{name: "gemini resource exhausted", err: errors.New("RESOURCE_EXHAUSTED: try later"), want: true},
		{name: "quota exhausted is fatal not transient", err: &StatusError{Provider: "OpenAI", StatusCode: 429, Body: "insufficient_quota"}, want: false},
		{name: "explicit retryable", err: &RetryableError{Err: errors.New("x"), Retryable: true}, want: true},
		{name: "explicit non retryable", err: &RetryableError{Err: errors.New("rate limit"), Retryable: false}, want: false},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "parse failure", err: errors.New("unexpected end of JSON input"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal("OpenAI API error (status 429): You exceeded your current quota"))
	assert.True(t, IsFatal("Incorrect API key provided"))
	assert.True(t, IsFatal("Your credit balance is too low to access the API"))
	assert.True(t, IsFatal("shopify API error (status 401): [API] Invalid API key or access token"))
	assert.False(t, IsFatal("rate limit exceeded"))
	assert.False(t, IsFatal(""))
	assert.False(t, IsFatal("failed to parse JSON response"))
}

func TestUserError(t *testing.T) {
	base := errors.New("boom")
	err := NewUserError("could not load catalog", base)
	assert.Equal(t, "could not load catalog: boom", err.Error())
	assert.ErrorIs(t, err, base)
}
