package status

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsIntegrity(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"Invalid topology", ErrInvalidTopology, true},
		{"Wrapped cycle", fmt.Errorf("route user-1: %w", ErrCycleDetected), true},
		{"Uninitialized", ErrUninitializedCategory, true},
		{"No capacity", ErrNoCapacity, false},
		{"Timeout", ErrStorageTimeout, false},
		{"Nil", nil, false},
		{"Unrelated", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsIntegrity(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("get category c1: %w", ErrStorageTimeout)))
	assert.True(t, IsRetryable(ErrStorageUnavailable))
	assert.False(t, IsRetryable(ErrNotFound))
	assert.False(t, IsRetryable(ErrCycleDetected))
}
