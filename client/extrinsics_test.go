package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comai-net/comai-go/rpcerrors"
	"github.com/comai-net/comai-go/wire"
)

func TestClient_SubmitExtrinsic(t *testing.T) {
	c, factory := newTestClient(t)

	seed := wire.NewFakeClient().RespondWith(submitExtrinsicMethod, "0xdeadbeef")
	factory.Enqueue(seed)

	hash, err := c.SubmitExtrinsic(context.Background(), "0xsigned")
	require.NoError(t, err)
	require.Equal(t, "0xdeadbeef", hash)
	require.Equal(t, 1, seed.CallCount(submitExtrinsicMethod))
}

func TestClient_SubmitExtrinsicValidation(t *testing.T) {
	c, factory := newTestClient(t)

	_, err := c.SubmitExtrinsic(context.Background(), "")
	var validationErr *rpcerrors.ValidationError
	require.ErrorAs(t, err, &validationErr)
	require.Empty(t, factory.Created)
}

func TestClient_ExtrinsicStatus(t *testing.T) {
	c, factory := newTestClient(t)

	seed := wire.NewFakeClient().RespondWith(extrinsicStatusMethod, map[string]interface{}{
		"status":    "inBlock",
		"blockHash": "0xblock",
	})
	factory.Enqueue(seed)

	status, err := c.ExtrinsicStatus(context.Background(), "0xdeadbeef")
	require.NoError(t, err)
	require.Equal(t, "0xdeadbeef", status.Hash)
	require.Equal(t, "0xblock", status.BlockHash)
	require.True(t, status.Included())
}

func TestClient_WaitForExtrinsic(t *testing.T) {
	c, factory := newTestClient(t)

	seed := wire.NewFakeClient().RespondWith(extrinsicStatusMethod, map[string]interface{}{
		"status": "pending",
	})
	factory.Enqueue(seed)

	go func() {
		time.Sleep(30 * time.Millisecond)
		seed.RespondWith(extrinsicStatusMethod, map[string]interface{}{
			"status":    "finalized",
			"blockHash": "0xblock",
		})
	}()

	status, err := c.WaitForExtrinsic(context.Background(), "0xdeadbeef", time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "finalized", status.Status)
}

func TestClient_WaitForExtrinsicTimesOut(t *testing.T) {
	c, factory := newTestClient(t)

	seed := wire.NewFakeClient().RespondWith(extrinsicStatusMethod, map[string]interface{}{
		"status": "pending",
	})
	factory.Enqueue(seed)

	_, err := c.WaitForExtrinsic(context.Background(), "0xdeadbeef", 50*time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
