package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/abxfeed/internal/protocol"
	"golang.org/x/text/encoding/charmap"
)

const (
	RecordLen = 17
	SymbolLen = 4
)

// Side is the raw buy/sell indicator byte.
type Side byte

const (
	SideBuy  Side = 'B'
	SideSell Side = 'S'
)

func (s Side) Known() bool {
	return s == SideBuy || s == SideSell
}

func (s Side) String() string {
	return string(charmap.ISO8859_1.DecodeByte(byte(s)))
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(text []byte) error {
	r := []rune(string(text))
	if len(r) != 1 {
		return fmt.Errorf("wire: side must be one character, got %q", text)
	}
	b, ok := charmap.ISO8859_1.EncodeRune(r[0])
	if !ok {
		return fmt.Errorf("wire: side %q is not latin-1", text)
	}
	*s = Side(b)
	return nil
}

// Packet is one decoded market-data record.
type Packet struct {
	Symbol   string `json:"symbol" yaml:"symbol"`
	Side     Side   `json:"side" yaml:"side"`
	Quantity int32  `json:"quantity" yaml:"quantity"`
	Price    int32  `json:"price" yaml:"price"`
	Sequence int32  `json:"sequence" yaml:"sequence"`
}

// DecodeError reports a record whose length does not match RecordLen.
type DecodeError struct {
	Len int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: decode record: %v: got %d want %d", protocol.ErrInvalidRecordLength, e.Len, RecordLen)
}

func (e *DecodeError) Unwrap() error {
	return protocol.ErrInvalidRecordLength
}

// DecodePacket parses one 17-byte record. Numeric fields are big-endian.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) != RecordLen {
		return Packet{}, &DecodeError{Len: len(b)}
	}
	symbol := make([]rune, SymbolLen)
	for i := 0; i < SymbolLen; i++ {
		symbol[i] = charmap.ISO8859_1.DecodeByte(b[i])
	}
	return Packet{
		Symbol:   string(symbol),
		Side:     Side(b[4]),
		Quantity: int32(binary.BigEndian.Uint32(b[5:9])),
		Price:    int32(binary.BigEndian.Uint32(b[9:13])),
		Sequence: int32(binary.BigEndian.Uint32(b[13:17])),
	}, nil
}

// EncodePacket is the inverse of DecodePacket. Symbols are truncated or
// space-padded to four characters; runes outside latin-1 become '?'.
func EncodePacket(p Packet) []byte {
	buf := make([]byte, RecordLen)
	for i := 0; i < SymbolLen; i++ {
		buf[i] = ' '
	}
	i := 0
	for _, r := range p.Symbol {
		if i == SymbolLen {
			break
		}
		b, ok := charmap.ISO8859_1.EncodeRune(r)
		if !ok {
			b = '?'
		}
		buf[i] = b
		i++
	}
	buf[4] = byte(p.Side)
	binary.BigEndian.PutUint32(buf[5:9], uint32(p.Quantity))
	binary.BigEndian.PutUint32(buf[9:13], uint32(p.Price))
	binary.BigEndian.PutUint32(buf[13:17], uint32(p.Sequence))
	return buf
}
