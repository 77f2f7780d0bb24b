package storagecache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

// querySignature is the canonical form hashed into a cache key. Field order
// is fixed, so identical logical queries always serialize identically.
type querySignature struct {
	Module    string        `json:"module"`
	Method    string        `json:"method"`
	Params    []interface{} `json:"params"`
	BlockHash string        `json:"block_hash,omitempty"`
}

// Key derives the deterministic cache key for a storage query. Distinct
// parameter sets get distinct keys via sha256 over the canonical JSON.
func Key(module, method string, params []interface{}, blockHash string) (string, error) {
	if params == nil {
		params = []interface{}{}
	}
	data, err := json.Marshal(querySignature{
		Module:    module,
		Method:    method,
		Params:    params,
		BlockHash: blockHash,
	})
	if err != nil {
		return "", errors.Wrap(err, "serialize query signature")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
