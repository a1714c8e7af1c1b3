package wire

import (
	"errors"
	"io"

	"github.com/danmuck/abxfeed/internal/protocol"
)

// ReadRecord reads exactly RecordLen bytes from r, across as many reads as
// the transport needs. A clean EOF before any byte maps to ErrEndOfStream; EOF
// inside a record maps to ErrShortRecord and returns the partial bytes.
func ReadRecord(r io.Reader) ([]byte, error) {
	buf := make([]byte, RecordLen)
	n, err := io.ReadFull(r, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.EOF) && n == 0:
		return nil, protocol.ErrEndOfStream
	case errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:n], protocol.ErrShortRecord
	default:
		return buf[:n], err
	}
}
