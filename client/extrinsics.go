package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/comai-net/comai-go/rpcerrors"
)

// Extrinsic submission RPC methods. Signing happens upstream; this layer
// only ever sees the already-signed payload.
const (
	submitExtrinsicMethod = "author_submitExtrinsic"
	extrinsicStatusMethod = "author_extrinsicStatus"
)

// ExtrinsicStatus is the lifecycle snapshot of a submitted extrinsic.
type ExtrinsicStatus struct {
	Hash      string `json:"hash"`
	Status    string `json:"status"`
	BlockHash string `json:"blockHash,omitempty"`
}

// Included reports whether the extrinsic made it into a block.
func (s *ExtrinsicStatus) Included() bool {
	return s.Status == "inBlock" || s.Status == "finalized"
}

// SubmitExtrinsic sends a signed extrinsic and returns its hash. The call
// goes through the resilient executor like any other operation.
func (c *Client) SubmitExtrinsic(ctx context.Context, signedExtrinsic string) (string, error) {
	if signedExtrinsic == "" {
		return "", rpcerrors.NewValidationError("extrinsic", "cannot be empty")
	}

	raw, err := c.Call(ctx, submitExtrinsicMethod, signedExtrinsic)
	if err != nil {
		return "", err
	}

	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return "", errors.Wrap(err, "decode extrinsic hash")
	}
	return hash, nil
}

// ExtrinsicStatus fetches the current status of a submitted extrinsic.
func (c *Client) ExtrinsicStatus(ctx context.Context, hash string) (*ExtrinsicStatus, error) {
	if hash == "" {
		return nil, rpcerrors.NewValidationError("extrinsic hash", "cannot be empty")
	}

	raw, err := c.Call(ctx, extrinsicStatusMethod, hash)
	if err != nil {
		return nil, err
	}

	status := &ExtrinsicStatus{Hash: hash}
	if err := json.Unmarshal(raw, status); err != nil {
		return nil, errors.Wrap(err, "decode extrinsic status")
	}
	status.Hash = hash
	return status, nil
}

// WaitForExtrinsic polls until the extrinsic is included in a block or the
// timeout elapses. Poll errors are logged and retried on the next tick; the
// executor already absorbed transient failures.
func (c *Client) WaitForExtrinsic(ctx context.Context, hash string, timeout, pollInterval time.Duration) (*ExtrinsicStatus, error) {
	if hash == "" {
		return nil, rpcerrors.NewValidationError("extrinsic hash", "cannot be empty")
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.ExtrinsicStatus(waitCtx, hash)
		if err != nil {
			c.logger.Warn("extrinsic status poll failed",
				zap.String("hash", hash), zap.Error(err))
		} else if status.Included() {
			return status, nil
		}

		select {
		case <-waitCtx.Done():
			return nil, errors.Wrapf(waitCtx.Err(), "extrinsic %s not included within %s", hash, timeout)
		case <-ticker.C:
		}
	}
}
