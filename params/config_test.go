package params

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewClientConfigDefaults(t *testing.T) {
	c := NewClientConfig("wss://commune-api.example.org")

	require.NoError(t, c.Validate())
	require.Equal(t, DefaultPoolCapacity, c.PoolCapacity)
	require.Equal(t, DefaultIdleTimeout, c.IdleTimeout)
	require.Equal(t, DefaultRetryAttempts, c.RetryAttempts)
	require.Equal(t, DefaultBreakerThreshold, c.BreakerThreshold)
	require.Equal(t, DefaultCacheTTL, c.CacheTTL)
}

func TestClientConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ClientConfig)
		wantErr bool
	}{
		{"valid", func(c *ClientConfig) {}, false},
		{"empty URL", func(c *ClientConfig) { c.URL = "" }, true},
		{"http URL", func(c *ClientConfig) { c.URL = "http://localhost:9944" }, true},
		{"zero capacity", func(c *ClientConfig) { c.PoolCapacity = 0 }, true},
		{"zero retry attempts", func(c *ClientConfig) { c.RetryAttempts = 0 }, true},
		{"negative base delay", func(c *ClientConfig) { c.RetryBaseDelay = -time.Second }, true},
		{"zero breaker threshold", func(c *ClientConfig) { c.BreakerThreshold = 0 }, true},
		{"zero cache ttl", func(c *ClientConfig) { c.CacheTTL = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClientConfig("ws://localhost:9944")
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestClientConfigString(t *testing.T) {
	c := NewClientConfig("ws://localhost:9944")
	require.Contains(t, c.String(), "ws://localhost:9944")
}
