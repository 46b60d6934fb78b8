package decode

import (
	"errors"
	"fmt"

	"pipelined.dev/decode/engine"
)

var (
	// ErrInvalidState is returned if a signal method cannot be executed at
	// this moment.
	ErrInvalidState = errors.New("invalid state")
	// ErrNoDecoders is returned when decoding starts with an empty stack.
	ErrNoDecoders = errors.New("no decoders")
	// ErrInsufficientChannels is returned when required decoder channels
	// are not assigned.
	ErrInsufficientChannels = errors.New("one or more required channels have not been specified")
	// ErrEngineFatal is matched by errors reported by the decoder engine.
	ErrEngineFatal = errors.New("decoder engine failed")
	// ErrUnknownDecoder is returned when the engine has no decoder with
	// provided id.
	ErrUnknownDecoder = engine.ErrUnknownDecoder
	// ErrUnknownOption is returned for options not declared by a decoder.
	ErrUnknownOption = errors.New("unknown option")
	// ErrInvalidOptionValue is returned for option values a decoder does
	// not accept.
	ErrInvalidOptionValue = engine.ErrInvalidOptionValue
	// ErrInvalidIndex is returned for stage indices out of range.
	ErrInvalidIndex = errors.New("invalid stage index")
	// ErrInvalidChannel is returned for channel ids out of range.
	ErrInvalidChannel = errors.New("invalid channel id")
)

// EngineError is returned when the decoder engine fails while processing
// samples of a segment.
type EngineError struct {
	Segment uint32
	Sample  uint64
	Err     error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("decoder engine failed at sample %d of segment %d: %v", e.Sample, e.Segment, e.Err)
}

// Is matches ErrEngineFatal.
func (e *EngineError) Is(err error) bool {
	return err == ErrEngineFatal
}

func (e *EngineError) Unwrap() error {
	return e.Err
}
