package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpError(t *testing.T) {
	err := NewOpError("lease", "network 7", ErrNoAddressAvailable)
	assert.Equal(t, "lease network 7: no address available", err.Error())
	assert.True(t, errors.Is(err, ErrNoAddressAvailable))

	wrapped := fmt.Errorf("create instance: %w", err)
	var opErr *OpError
	assert.True(t, errors.As(wrapped, &opErr))
	assert.Equal(t, "lease", opErr.Op)
	assert.False(t, errors.Is(wrapped, ErrUnreachable))
}

func TestOpError_NoTarget(t *testing.T) {
	err := NewOpError("probe", "", ErrUnreachable)
	assert.Equal(t, "probe: router unreachable", err.Error())
}
