package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/danmuck/abxfeed/internal/protocol/wire"
)

// JSONFile writes one JSON array of packet objects.
type JSONFile struct {
	Path string
}

func (s *JSONFile) Write(_ context.Context, packets []wire.Packet) error {
	return writeFileAtomic(s.Path, func(w io.Writer) error {
		return EncodeJSON(w, packets)
	})
}

func EncodeJSON(w io.Writer, packets []wire.Packet) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(nonNil(packets)); err != nil {
		return fmt.Errorf("output: encode json: %w", err)
	}
	return nil
}

// writeFileAtomic writes to a temp file next to path and renames it in place.
func writeFileAtomic(path string, fill func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".abx-*")
	if err != nil {
		return fmt.Errorf("output: create temp for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("output: close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("output: write %s: %w", path, err)
	}
	return nil
}
