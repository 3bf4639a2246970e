package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncError_Message(t *testing.T) {
	err := newRejectedError("A", "day out of range")
	assert.Equal(t, "REJECTED: day out of range (card=A)", err.Error())

	cause := errors.New("dial tcp: refused")
	err = newExhaustedError(3, cause)
	assert.Equal(t, "RETRIES_EXHAUSTED: save failed after 3 attempts: dial tcp: refused", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestSyncError_Predicates(t *testing.T) {
	wrapped := fmt.Errorf("flush: %w", newExhaustedError(2, nil))

	assert.True(t, IsRetriesExhausted(wrapped))
	assert.False(t, IsRejected(wrapped))
	assert.True(t, IsRejected(newRejectedError("A", "bad")))
	assert.True(t, IsEngineStopped(ErrEngineStopped))
	assert.True(t, IsInvalidPatch(newInvalidPatchError("A", "empty", nil)))
	assert.True(t, IsNetworkError(&SyncError{Code: ErrCodeNetwork}))
	assert.False(t, IsNetworkError(errors.New("plain")))
}

func TestSyncError_NetworkCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := newNetworkError(cause)
	assert.Equal(t, "NETWORK: connection reset", err.Error())
	assert.True(t, IsNetworkError(err))
	assert.ErrorIs(t, err, cause)

	rejected := newRejectedError("A", "bad")
	assert.Same(t, rejected, newNetworkError(rejected), "a classified error keeps its code")

	exhausted := newExhaustedError(3, err)
	assert.True(t, IsRetriesExhausted(exhausted))
	assert.True(t, IsNetworkError(exhausted), "the cause of an exhausted batch stays visible")
	assert.False(t, IsRejected(exhausted))
}
