package timeline

import (
	"errors"
	"fmt"

	"github.com/ALTree/kprof/internal/tag"
)

var (
	// ErrMalformedHeader is returned when the buffer has no usable block count.
	ErrMalformedHeader = errors.New("malformed header")
	// ErrTruncatedRecord is returned when the buffer ends between a tag and its timestamp.
	ErrTruncatedRecord = errors.New("truncated record")
	// ErrProtocolViolation is returned in strict mode for the first ill-formed phase sequence.
	ErrProtocolViolation = errors.New("protocol violation")
)

// DecodeError is a fatal decode failure at a word offset.
type DecodeError struct {
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("word %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Kind classifies a non-fatal diagnostic.
type Kind uint8

const (
	UnknownCategory Kind = iota + 1
	ProtocolViolation
	OutOfRangeBlock
	UnclosedSpan
)

func (k Kind) String() string {
	switch k {
	case UnknownCategory:
		return "unknown_category"
	case ProtocolViolation:
		return "protocol_violation"
	case OutOfRangeBlock:
		return "out_of_range_block"
	case UnclosedSpan:
		return "unclosed_span"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Diagnostic describes a record the reconstructor could not take at face
// value. The pass goes on after a diagnostic.
type Diagnostic struct {
	Kind      Kind
	Offset    int // word index of the tag
	Block     uint32
	Category  uint32
	Phase     tag.Phase
	Timestamp uint32
	Msg       string
}

func (d Diagnostic) Error() string {
	return fmt.Sprintf("word %d: %s: block %d category %d %v@%d: %s",
		d.Offset, d.Kind, d.Block, d.Category, d.Phase, d.Timestamp, d.Msg)
}
