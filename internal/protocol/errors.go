package protocol

import "errors"

var (
	ErrEndOfStream         = errors.New("protocol: end of stream")
	ErrShortRecord         = errors.New("protocol: short record")
	ErrInvalidRecordLength = errors.New("protocol: invalid record length")
	ErrInvalidRequestLen   = errors.New("protocol: invalid request length")
	ErrUnknownRequestType  = errors.New("protocol: unknown request type")
)
