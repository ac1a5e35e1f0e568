package wire

import (
	"errors"
	"fmt"
)

// Sentinel errors for packet decoding. These enable callers to distinguish
// failure modes using errors.Is.
var (
	ErrShortPacket = errors.New("wire: packet shorter than header")
	ErrNotControl  = errors.New("wire: payload is not a control message")
)

// DesyncError indicates the framed byte stream has drifted: a length prefix
// was read that cannot belong to a valid packet. Recovery is not possible;
// the channel carrying the stream must be torn down.
type DesyncError struct {
	Length uint32
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("wire: framing desynchronized (length prefix %d)", e.Length)
}

// ParseError indicates a failure to parse a control message field. It wraps
// the underlying error and records which field was being parsed.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
