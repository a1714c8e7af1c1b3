package session

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy bounds a retry loop: how many attempts and how long to wait
// between them.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      bool
}

// TLSConfig enables TLS on the feed connection.
type TLSConfig struct {
	Enabled            bool
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Dialer is satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config defines transport/session reliability settings.
type Config struct {
	Address        string
	Connect        RetryPolicy
	Retry          RetryPolicy
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// MaxGaps bounds the missing sequences one attempt will repair.
	MaxGaps int
	// ResendRate paces resend requests, in requests per second. Zero disables pacing.
	ResendRate float64
	TLS        TLSConfig

	// Optional collaborators. Nil values fall back to defaults.
	Dialer   Dialer
	Logger   *zerolog.Logger
	Observer Observer
}

const (
	DefaultConnectAttempts = 5
	DefaultSessionAttempts = 3
	DefaultRetryDelay      = 2 * time.Second
	DefaultMaxGaps         = 1 << 16
)

// DefaultConfig returns the reference client behavior: five dial attempts and
// three session attempts, two seconds apart.
func DefaultConfig() Config {
	return Config{
		Address: "localhost:3000",
		Connect: RetryPolicy{
			MaxAttempts: DefaultConnectAttempts,
			Delay:       DefaultRetryDelay,
			Multiplier:  1.0,
		},
		Retry: RetryPolicy{
			MaxAttempts: DefaultSessionAttempts,
			Delay:       DefaultRetryDelay,
			Multiplier:  1.0,
		},
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxGaps:        DefaultMaxGaps,
	}
}

// WithDefaults fills unset fields. Zero delays are kept so tests can run
// retry loops without sleeping.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Address == "" {
		c.Address = def.Address
	}
	c.Connect = c.Connect.withDefaults(def.Connect)
	c.Retry = c.Retry.withDefaults(def.Retry)
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxGaps <= 0 {
		c.MaxGaps = def.MaxGaps
	}
	if c.ResendRate < 0 {
		c.ResendRate = 0
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
	return c
}

func (p RetryPolicy) withDefaults(def RetryPolicy) RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 1.0
	}
	return p
}
