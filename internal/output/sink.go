package output

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/abxfeed/internal/protocol/wire"
)

type Format string

const (
	FormatJSON   Format = "json"
	FormatYAML   Format = "yaml"
	FormatSQLite Format = "sqlite"
)

var (
	ErrUnknownFormat = errors.New("output: unknown format")
	ErrPathRequired  = errors.New("output: path required")
)

// Sink writes one complete packet collection.
type Sink interface {
	Write(ctx context.Context, packets []wire.Packet) error
}

func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatYAML, FormatSQLite:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, raw)
	}
}

// New returns the sink for format writing to path.
func New(format Format, path string) (Sink, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrPathRequired
	}
	switch format {
	case FormatJSON, "":
		return &JSONFile{Path: path}, nil
	case FormatYAML:
		return &YAMLFile{Path: path}, nil
	case FormatSQLite:
		return &SQLiteFile{Path: path}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// nonNil keeps empty collections serialized as [] rather than null.
func nonNil(packets []wire.Packet) []wire.Packet {
	if packets == nil {
		return []wire.Packet{}
	}
	return packets
}
