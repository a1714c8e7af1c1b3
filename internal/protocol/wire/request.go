package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/abxfeed/internal/protocol"
)

// RequestLen is the fixed size of every client request.
const RequestLen = 5

// RequestType selects the server action.
type RequestType uint8

const (
	StreamAll RequestType = 1
	Resend    RequestType = 2
)

func (t RequestType) String() string {
	switch t {
	case StreamAll:
		return "stream_all"
	case Resend:
		return "resend"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Request is one client->server message. Sequence is only meaningful for Resend.
type Request struct {
	Type     RequestType
	Sequence int32
}

func StreamAllRequest() Request {
	return Request{Type: StreamAll}
}

func ResendRequest(seq int32) Request {
	return Request{Type: Resend, Sequence: seq}
}

// EncodeRequest lays out type at offset 0 and the big-endian sequence at 1..5.
// The sequence is written at full width; stream-all leaves it zero.
func EncodeRequest(req Request) ([]byte, error) {
	buf := make([]byte, RequestLen)
	switch req.Type {
	case StreamAll:
	case Resend:
		binary.BigEndian.PutUint32(buf[1:5], uint32(req.Sequence))
	default:
		return nil, fmt.Errorf("%w: %d", protocol.ErrUnknownRequestType, uint8(req.Type))
	}
	buf[0] = byte(req.Type)
	return buf, nil
}

func DecodeRequest(b []byte) (Request, error) {
	if len(b) != RequestLen {
		return Request{}, fmt.Errorf("%w: %d", protocol.ErrInvalidRequestLen, len(b))
	}
	req := Request{Type: RequestType(b[0])}
	switch req.Type {
	case StreamAll:
	case Resend:
		req.Sequence = int32(binary.BigEndian.Uint32(b[1:5]))
	default:
		return Request{}, fmt.Errorf("%w: %d", protocol.ErrUnknownRequestType, b[0])
	}
	return req, nil
}
