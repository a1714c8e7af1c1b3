// Package config loads the abxclient TOML configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/abxfeed/internal/logging"
	"github.com/danmuck/abxfeed/internal/output"
	"github.com/danmuck/abxfeed/internal/protocol/session"
)

var ErrInvalidConfig = errors.New("config: invalid")

type Config struct {
	Feed    FeedConfig
	Connect RetryConfig
	Session RetryConfig
	Output  OutputConfig
	Log     LogConfig
	Metrics MetricsConfig
}

type FeedConfig struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// MaxGaps bounds the missing sequences one attempt will repair.
	MaxGaps int
	// ResendRate caps resend requests per second; zero means no cap.
	ResendRate float64
	TLS        session.TLSConfig
}

type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
}

type OutputConfig struct {
	Path   string
	Format string
}

type LogConfig struct {
	Level    string
	ErrorLog string
}

type MetricsConfig struct {
	// Addr enables the ops HTTP server when non-empty.
	Addr        string
	CORSOrigins []string
}

func Default() Config {
	s := session.DefaultConfig()
	return Config{
		Feed: FeedConfig{
			Host:           "localhost",
			Port:           3000,
			ConnectTimeout: s.ConnectTimeout,
			ReadTimeout:    s.ReadTimeout,
			WriteTimeout:   s.WriteTimeout,
			MaxGaps:        s.MaxGaps,
		},
		Connect: RetryConfig{MaxAttempts: s.Connect.MaxAttempts, Delay: s.Connect.Delay},
		Session: RetryConfig{MaxAttempts: s.Retry.MaxAttempts, Delay: s.Retry.Delay},
		Output:  OutputConfig{Path: "output.json", Format: string(output.FormatJSON)},
		Log:     LogConfig{Level: "info", ErrorLog: "error.log"},
	}
}

// Address joins host and port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Feed.Host, strconv.Itoa(c.Feed.Port))
}

// SessionConfig maps the file settings onto the session package.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		Address:        c.Address(),
		Connect:        session.RetryPolicy{MaxAttempts: c.Connect.MaxAttempts, Delay: c.Connect.Delay, Multiplier: 1.0},
		Retry:          session.RetryPolicy{MaxAttempts: c.Session.MaxAttempts, Delay: c.Session.Delay, Multiplier: 1.0},
		ConnectTimeout: c.Feed.ConnectTimeout,
		ReadTimeout:    c.Feed.ReadTimeout,
		WriteTimeout:   c.Feed.WriteTimeout,
		MaxGaps:        c.Feed.MaxGaps,
		ResendRate:     c.Feed.ResendRate,
		TLS:            c.Feed.TLS,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Feed.Host) == "" {
		return fmt.Errorf("%w: feed.host is required", ErrInvalidConfig)
	}
	if c.Feed.Port <= 0 || c.Feed.Port > 65535 {
		return fmt.Errorf("%w: feed.port %d out of range", ErrInvalidConfig, c.Feed.Port)
	}
	if c.Connect.MaxAttempts < 1 {
		return fmt.Errorf("%w: connect.max_attempts must be at least 1", ErrInvalidConfig)
	}
	if c.Session.MaxAttempts < 1 {
		return fmt.Errorf("%w: session.max_attempts must be at least 1", ErrInvalidConfig)
	}
	if c.Feed.MaxGaps < 1 {
		return fmt.Errorf("%w: feed.max_gaps must be at least 1", ErrInvalidConfig)
	}
	if c.Feed.ResendRate < 0 {
		return fmt.Errorf("%w: feed.resend_rate must not be negative", ErrInvalidConfig)
	}
	if c.Connect.Delay < 0 || c.Session.Delay < 0 {
		return fmt.Errorf("%w: retry delays must not be negative", ErrInvalidConfig)
	}
	if _, err := output.ParseFormat(c.Output.Format); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if strings.TrimSpace(c.Output.Path) == "" {
		return fmt.Errorf("%w: output.path is required", ErrInvalidConfig)
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("%w: log.level %q", ErrInvalidConfig, c.Log.Level)
	}
	if err := c.SessionConfig().ValidateClientTransport(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type fileFeed struct {
	Host           string  `toml:"host"`
	Port           int     `toml:"port"`
	ConnectTimeout string  `toml:"connect_timeout"`
	ReadTimeout    string  `toml:"read_timeout"`
	WriteTimeout   string  `toml:"write_timeout"`
	MaxGaps        int     `toml:"max_gaps"`
	ResendRate     float64 `toml:"resend_rate"`
	TLS            fileTLS `toml:"tls"`
}

type fileRetry struct {
	MaxAttempts int    `toml:"max_attempts"`
	Delay       string `toml:"delay"`
}

type fileOutput struct {
	Path   string `toml:"path"`
	Format string `toml:"format"`
}

type fileLog struct {
	Level    string `toml:"level"`
	ErrorLog string `toml:"error_log"`
}

type fileMetrics struct {
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins,omitempty"`
}

type fileConfig struct {
	Feed    fileFeed    `toml:"feed"`
	Connect fileRetry   `toml:"connect"`
	Session fileRetry   `toml:"session"`
	Output  fileOutput  `toml:"output"`
	Log     fileLog     `toml:"log"`
	Metrics fileMetrics `toml:"metrics"`
}

// Load reads path over Default(). Keys absent from the file keep defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalidConfig, undecoded[0].String(), path)
	}

	if meta.IsDefined("feed", "host") {
		cfg.Feed.Host = strings.TrimSpace(raw.Feed.Host)
	}
	if meta.IsDefined("feed", "port") {
		cfg.Feed.Port = raw.Feed.Port
	}
	if meta.IsDefined("feed", "max_gaps") {
		cfg.Feed.MaxGaps = raw.Feed.MaxGaps
	}
	if meta.IsDefined("feed", "resend_rate") {
		cfg.Feed.ResendRate = raw.Feed.ResendRate
	}
	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"feed", "connect_timeout"}, raw.Feed.ConnectTimeout, &cfg.Feed.ConnectTimeout},
		{[]string{"feed", "read_timeout"}, raw.Feed.ReadTimeout, &cfg.Feed.ReadTimeout},
		{[]string{"feed", "write_timeout"}, raw.Feed.WriteTimeout, &cfg.Feed.WriteTimeout},
		{[]string{"connect", "delay"}, raw.Connect.Delay, &cfg.Connect.Delay},
		{[]string{"session", "delay"}, raw.Session.Delay, &cfg.Session.Delay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	if meta.IsDefined("feed", "tls", "enabled") {
		cfg.Feed.TLS.Enabled = raw.Feed.TLS.Enabled
	}
	if meta.IsDefined("feed", "tls", "ca_file") {
		cfg.Feed.TLS.CAFile = strings.TrimSpace(raw.Feed.TLS.CAFile)
	}
	if meta.IsDefined("feed", "tls", "server_name") {
		cfg.Feed.TLS.ServerName = strings.TrimSpace(raw.Feed.TLS.ServerName)
	}
	if meta.IsDefined("feed", "tls", "insecure_skip_verify") {
		cfg.Feed.TLS.InsecureSkipVerify = raw.Feed.TLS.InsecureSkipVerify
	}
	if meta.IsDefined("connect", "max_attempts") {
		cfg.Connect.MaxAttempts = raw.Connect.MaxAttempts
	}
	if meta.IsDefined("session", "max_attempts") {
		cfg.Session.MaxAttempts = raw.Session.MaxAttempts
	}
	if meta.IsDefined("output", "path") {
		cfg.Output.Path = strings.TrimSpace(raw.Output.Path)
	}
	if meta.IsDefined("output", "format") {
		cfg.Output.Format = strings.TrimSpace(raw.Output.Format)
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "error_log") {
		cfg.Log.ErrorLog = strings.TrimSpace(raw.Log.ErrorLog)
	}
	if meta.IsDefined("metrics", "addr") {
		cfg.Metrics.Addr = strings.TrimSpace(raw.Metrics.Addr)
	}
	if meta.IsDefined("metrics", "cors_origins") {
		cfg.Metrics.CORSOrigins = raw.Metrics.CORSOrigins
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func toFile(c Config) fileConfig {
	return fileConfig{
		Feed: fileFeed{
			Host:           c.Feed.Host,
			Port:           c.Feed.Port,
			ConnectTimeout: c.Feed.ConnectTimeout.String(),
			ReadTimeout:    c.Feed.ReadTimeout.String(),
			WriteTimeout:   c.Feed.WriteTimeout.String(),
			MaxGaps:        c.Feed.MaxGaps,
			ResendRate:     c.Feed.ResendRate,
			TLS: fileTLS{
				Enabled:            c.Feed.TLS.Enabled,
				CAFile:             c.Feed.TLS.CAFile,
				ServerName:         c.Feed.TLS.ServerName,
				InsecureSkipVerify: c.Feed.TLS.InsecureSkipVerify,
			},
		},
		Connect: fileRetry{MaxAttempts: c.Connect.MaxAttempts, Delay: c.Connect.Delay.String()},
		Session: fileRetry{MaxAttempts: c.Session.MaxAttempts, Delay: c.Session.Delay.String()},
		Output:  fileOutput{Path: c.Output.Path, Format: c.Output.Format},
		Log:     fileLog{Level: c.Log.Level, ErrorLog: c.Log.ErrorLog},
		Metrics: fileMetrics{Addr: c.Metrics.Addr, CORSOrigins: c.Metrics.CORSOrigins},
	}
}
