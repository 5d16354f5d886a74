package utils

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryWithBackoffEventualSuccess(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(func() error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	}, 3, time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryWithBackoffExhausted(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(func() error {
		attempts++
		return errors.New("permanent")
	}, 3, time.Millisecond)
	assert.ErrorContains(t, err, "failed after 3 retries")
	assert.Equal(t, 3, attempts)
}
