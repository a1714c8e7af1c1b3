package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel     = "ABX_LOG_LEVEL"
	EnvLogTimestamp = "ABX_LOG_TIMESTAMP"
	EnvLogNoColor   = "ABX_LOG_NOCOLOR"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config is the process logging setup applied by Configure.
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	Out       io.Writer
	// ErrorLog receives warn+ events as JSON lines when non-nil.
	ErrorLog io.Writer
}

var ErrInvalidLevel = errors.New("logging: invalid level")

var configureOnce sync.Once

// ConfigureRuntime installs the runtime profile for a command. level
// overrides the profile default when non-empty; the ABX_LOG_* environment
// wins over both. errorLog, when non-nil, receives warn and above.
func ConfigureRuntime(level string, errorLog io.Writer) (zerolog.Logger, error) {
	cfg := DefaultConfig(ProfileRuntime)
	if level != "" {
		lvl, ok := ParseLevel(level)
		if !ok {
			return zerolog.Logger{}, fmt.Errorf("%w: %q", ErrInvalidLevel, level)
		}
		cfg.Level = lvl
	}
	ApplyEnvOverrides(&cfg)
	cfg.ErrorLog = errorLog
	return Install(cfg), nil
}

func ConfigureTests() {
	Configure(ProfileTest)
}

func Configure(profile Profile) {
	configureOnce.Do(func() {
		cfg := DefaultConfig(profile)
		ApplyEnvOverrides(&cfg)
		log.Logger = New(cfg)
		zerolog.SetGlobalLevel(cfg.Level)
	})
}

func DefaultConfig(profile Profile) Config {
	switch profile {
	case ProfileTest:
		return Config{Level: zerolog.DebugLevel, Timestamp: false, Out: os.Stderr}
	default:
		return Config{Level: zerolog.InfoLevel, Timestamp: true, Out: os.Stderr}
	}
}

// New builds a console logger, tee'd into cfg.ErrorLog for warn and above.
func New(cfg Config) zerolog.Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	console := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    cfg.NoColor,
		TimeFormat: time.RFC3339,
	}
	if !cfg.Timestamp {
		console.PartsExclude = []string{zerolog.TimestampFieldName}
	}

	var w io.Writer = console
	if cfg.ErrorLog != nil {
		w = zerolog.MultiLevelWriter(console, &levelFilter{w: cfg.ErrorLog, min: zerolog.WarnLevel})
	}
	return zerolog.New(w).Level(cfg.Level).With().Timestamp().Logger()
}

func ApplyEnvOverrides(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// Install builds a logger from cfg and makes it the process default.
func Install(cfg Config) zerolog.Logger {
	logger := New(cfg)
	log.Logger = logger
	zerolog.SetGlobalLevel(cfg.Level)
	return logger
}
