package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(time.Second, 30*time.Second, 2, 0))
	assert.Equal(t, 2*time.Second, Backoff(time.Second, 30*time.Second, 2, 1))
	assert.Equal(t, 8*time.Second, Backoff(time.Second, 30*time.Second, 2, 3))
	assert.Equal(t, 30*time.Second, Backoff(time.Second, 30*time.Second, 2, 10))
}
