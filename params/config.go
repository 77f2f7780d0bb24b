package params

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	validator "gopkg.in/go-playground/validator.v9"
)

// Defaults applied by NewClientConfig. They match the behaviour of a node
// client left entirely unconfigured.
const (
	DefaultPoolCapacity     = 5
	DefaultCheckoutTimeout  = 10 * time.Second
	DefaultIdleTimeout      = 300 * time.Second
	DefaultHealthInterval   = 30 * time.Second
	DefaultRetryAttempts    = 3
	DefaultRetryBaseDelay   = time.Second
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 60 * time.Second
	DefaultCacheTTL         = 60 * time.Second
)

// ClientConfig holds the resolved scalar configuration for the blockchain
// access layer. Values are expected to be resolved by the caller (flags,
// environment, files); this package only validates them.
type ClientConfig struct {
	// URL is the websocket endpoint of the blockchain node.
	URL string `validate:"required"`

	// PoolCapacity bounds the number of concurrently open wire connections.
	PoolCapacity int `validate:"gte=1"`

	// CheckoutTimeout is how long an Acquire may wait for a pool permit
	// before failing with a pool timeout.
	CheckoutTimeout time.Duration `validate:"gt=0"`

	// IdleTimeout is the age after which an unused connection is reclaimed
	// by the health sweep.
	IdleTimeout time.Duration `validate:"gt=0"`

	// HealthInterval is the period of the background health sweep.
	HealthInterval time.Duration `validate:"gt=0"`

	// RetryAttempts is the total number of tries for one operation.
	RetryAttempts int `validate:"gte=1"`

	// RetryBaseDelay is the backoff delay before the second attempt; each
	// further attempt doubles it, with ±20% jitter.
	RetryBaseDelay time.Duration `validate:"gt=0"`

	// BreakerThreshold is the number of consecutive exhausted operations
	// after which the circuit breaker opens.
	BreakerThreshold int `validate:"gte=1"`

	// BreakerCooldown is how long the breaker stays open before a trial
	// call is allowed through again.
	BreakerCooldown time.Duration `validate:"gt=0"`

	// CacheTTL is the default time-to-live for cached storage queries.
	CacheTTL time.Duration `validate:"gt=0"`

	// CacheRefreshInterval is the period of the background cache refresh
	// loop. Zero disables the loop.
	CacheRefreshInterval time.Duration `validate:"gte=0"`

	// CachePath is the directory of the persisted cache tier. Empty means
	// the persisted tier lives in memory and does not survive restarts.
	CachePath string
}

// NewClientConfig returns a config for the given node URL with defaults for
// everything else.
func NewClientConfig(nodeURL string) *ClientConfig {
	return &ClientConfig{
		URL:              nodeURL,
		PoolCapacity:     DefaultPoolCapacity,
		CheckoutTimeout:  DefaultCheckoutTimeout,
		IdleTimeout:      DefaultIdleTimeout,
		HealthInterval:   DefaultHealthInterval,
		RetryAttempts:    DefaultRetryAttempts,
		RetryBaseDelay:   DefaultRetryBaseDelay,
		BreakerThreshold: DefaultBreakerThreshold,
		BreakerCooldown:  DefaultBreakerCooldown,
		CacheTTL:         DefaultCacheTTL,
	}
}

// Validate checks the struct tags and the URL scheme. The node endpoint must
// be a websocket URL, the transport is a persistent connection.
func (c *ClientConfig) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}

	parsed, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("ClientConfig.URL '%s' is invalid: %v", c.URL, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("ClientConfig.URL scheme '%s' is invalid, expected 'ws' or 'wss'", parsed.Scheme)
	}

	return nil
}

// String dumps config object as nicely indented JSON
func (c *ClientConfig) String() string {
	data, _ := json.MarshalIndent(c, "", "    ") // nolint: gas
	return string(data)
}
