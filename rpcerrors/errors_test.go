package rpcerrors

import (
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestSentinelsSurviveWrapping(t *testing.T) {
	err := pkgerrors.Wrap(ErrPoolTimeout, "capacity 5")
	require.ErrorIs(t, err, ErrPoolTimeout)

	err = pkgerrors.Wrap(ErrCircuitOpen, "method state_getStorage")
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestOperationErrorUnwraps(t *testing.T) {
	cause := pkgerrors.New("websocket closed")
	err := NewOperationError("state_getStorage", 3, cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "state_getStorage")
	require.Contains(t, err.Error(), "3 attempts")
}

func TestConnectionErrorUnwraps(t *testing.T) {
	cause := pkgerrors.New("connection refused")
	err := NewConnectionError("ws://localhost:9944", cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "ws://localhost:9944")
}

func TestIsRetryable(t *testing.T) {
	require.False(t, IsRetryable(NewValidationError("method", "cannot be empty")))
	require.False(t, IsRetryable(ErrCircuitOpen))
	require.False(t, IsRetryable(pkgerrors.Wrap(ErrPoolTimeout, "pool")))
	require.True(t, IsRetryable(NewConnectionError("ws://x", pkgerrors.New("refused"))))
	require.True(t, IsRetryable(pkgerrors.New("transient")))
}
