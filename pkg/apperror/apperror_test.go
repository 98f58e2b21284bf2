package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := &Error{Kind: KindServerRejected, Status: 410, Message: "gone"}
	wrapped := Wrap(KindUnknown, "validate", fmt.Errorf("call: %w", inner))

	assert.Equal(t, KindServerRejected, wrapped.Kind)
	assert.Equal(t, 410, StatusOf(wrapped))
	assert.Equal(t, "validate: gone", wrapped.Error())
	assert.True(t, errors.Is(wrapped, inner))
}

func TestWrapPlainError(t *testing.T) {
	err := Wrap(KindNetwork, "start", errors.New("connection refused"))

	assert.Equal(t, KindNetwork, KindOf(err))
	assert.Equal(t, "connection refused", Message(err))
	assert.Nil(t, Wrap(KindNetwork, "start", nil))
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.False(t, Is(nil, KindUnknown))
	assert.Equal(t, 0, StatusOf(errors.New("boom")))
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "Already attempted", Message(New(KindConcurrent, "complete", "Already attempted")))
	assert.Equal(t, "precondition_failed", Message(&Error{Kind: KindPrecondition}))
	assert.Equal(t, "", Message(nil))
}
