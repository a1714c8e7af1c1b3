package output

import (
	"context"
	"fmt"
	"io"

	"github.com/danmuck/abxfeed/internal/protocol/wire"
	"gopkg.in/yaml.v3"
)

// YAMLFile writes one YAML sequence of packet mappings.
type YAMLFile struct {
	Path string
}

func (s *YAMLFile) Write(_ context.Context, packets []wire.Packet) error {
	return writeFileAtomic(s.Path, func(w io.Writer) error {
		return EncodeYAML(w, packets)
	})
}

func EncodeYAML(w io.Writer, packets []wire.Packet) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(nonNil(packets)); err != nil {
		return fmt.Errorf("output: encode yaml: %w", err)
	}
	return enc.Close()
}
