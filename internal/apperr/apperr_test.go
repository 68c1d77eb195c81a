package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	errBalance := New(KindResource, "INSUFFICIENT_BALANCE", "insufficient balance")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), KindInternal},
		{"sentinel", errBalance, KindResource},
		{"wrapped", fmt.Errorf("%w: have 10", errBalance), KindResource},
		{"double wrapped", fmt.Errorf("open: %w", fmt.Errorf("%w: x", errBalance)), KindResource},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrappedSentinelKeepsIdentity(t *testing.T) {
	errConflict := New(KindConflict, "ALREADY_RUNNING", "agent already running")
	wrapped := fmt.Errorf("%w: user 7", errConflict)

	assert.ErrorIs(t, wrapped, errConflict)
	assert.Equal(t, "ALREADY_RUNNING", CodeOf(wrapped))
	assert.Equal(t, "agent already running: user 7", wrapped.Error())
	assert.True(t, Is(wrapped, KindConflict))
	assert.Equal(t, "INTERNAL", CodeOf(errors.New("x")))
}
