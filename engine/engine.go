// Package engine describes the capability of an external protocol decoder
// engine.
//
// An engine is stateful and sequential. A Session owns a stack of decoder
// instances, receives packed logic samples in strictly increasing,
// non-overlapping ranges and reports decoded annotations through a Handler.
// A session is not safe for concurrent use: exactly one goroutine may call
// its methods, and the handler is invoked on that goroutine from within Send.
package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownDecoder is returned when a decoder id is not provided by an
	// engine.
	ErrUnknownDecoder = errors.New("unknown decoder")
	// ErrInvalidOptionValue is returned for values a decoder option does not
	// accept.
	ErrInvalidOptionValue = errors.New("invalid option value")
)

// PinState is the state a decoder assumes for a channel before the first
// sample.
type PinState uint8

const (
	// PinLow forces the initial pin state to 0.
	PinLow PinState = iota
	// PinHigh forces the initial pin state to 1.
	PinHigh
	// PinSameAsSample0 uses the value of the first sample.
	PinSameAsSample0
)

var pinStateNames = [...]string{
	PinLow:           "low",
	PinHigh:          "high",
	PinSameAsSample0: "same-as-sample0",
}

func (p PinState) String() string {
	if int(p) < len(pinStateNames) {
		return pinStateNames[p]
	}
	return fmt.Sprintf("PinState(%d)", uint8(p))
}

// ParsePinState converts a pin state name back to its value. Empty string
// is PinSameAsSample0.
func ParsePinState(s string) (PinState, error) {
	if s == "" {
		return PinSameAsSample0, nil
	}
	for i, name := range pinStateNames {
		if strings.EqualFold(s, name) {
			return PinState(i), nil
		}
	}
	return 0, fmt.Errorf("invalid pin state %q", s)
}

// Channel describes one logic input of a decoder.
type Channel struct {
	ID   string
	Name string
	Desc string
}

// Option describes one decoder option. Default is a string, an int64 or a
// float64.
type Option struct {
	ID      string
	Desc    string
	Default any
	Values  []any
}

// AnnotationRow groups annotation classes of a decoder for display.
type AnnotationRow struct {
	ID      string
	Desc    string
	Classes []int
}

// Decoder is the static description of a decoder provided by an engine.
type Decoder struct {
	ID       string
	Name     string
	LongName string
	Desc     string

	Channels         []Channel
	OptionalChannels []Channel
	Options          []Option

	// AnnotationClasses holds class names indexed by class id.
	AnnotationClasses []string
	AnnotationRows    []AnnotationRow
}

// Option returns the option with provided id.
func (d *Decoder) Option(id string) (Option, bool) {
	for _, o := range d.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// Check returns an error wrapping ErrInvalidOptionValue unless v is a valid
// value of the option. If Values is set, v must be one of them. Otherwise v
// must be of the kind of Default, integers are accepted for float options.
func (o Option) Check(v any) error {
	if len(o.Values) > 0 {
		for _, allowed := range o.Values {
			if normalize(v) == normalize(allowed) {
				return nil
			}
		}
		return fmt.Errorf("%w: %v for %s, expected one of %v", ErrInvalidOptionValue, v, o.ID, o.Values)
	}
	var ok bool
	switch o.Default.(type) {
	case nil:
		ok = true
	case string:
		_, ok = v.(string)
	case int64:
		_, ok = normalize(v).(int64)
	case float64:
		switch normalize(v).(type) {
		case float64, int64:
			ok = true
		}
	default:
		ok = fmt.Sprintf("%T", v) == fmt.Sprintf("%T", o.Default)
	}
	if !ok {
		return fmt.Errorf("%w: %v (%T) for %s, expected %T", ErrInvalidOptionValue, v, v, o.ID, o.Default)
	}
	return nil
}

// normalize widens integers to int64 and floats to float64.
func normalize(v any) any {
	switch v := v.(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float32:
		return float64(v)
	}
	return v
}

// Stacked reports whether the decoder consumes the output of another
// decoder instead of logic samples.
func (d *Decoder) Stacked() bool {
	return len(d.Channels) == 0 && len(d.OptionalChannels) == 0
}

// Annotation is one decoded event. End equals Start for instantaneous
// events. Texts are ordered from most to least verbose.
type Annotation struct {
	Start uint64
	End   uint64
	Class int
	Texts []string
}

// InstanceConfig binds a decoder instance to option values and to the bit
// positions of its channels inside the packed sample.
type InstanceConfig struct {
	Options  map[string]any
	Channels map[string]int
}

// Instance is one decoder instance inside a session.
type Instance interface {
	ID() string
	Decoder() *Decoder
}

// Handler receives annotations emitted by instances of a session.
type Handler func(Instance, Annotation)

// Session is a single-owner decode session.
type Session interface {
	// NewInstance creates an instance of the decoder in the session.
	NewInstance(*Decoder, InstanceConfig) (Instance, error)
	// Stack feeds the output of lower into upper.
	Stack(lower, upper Instance) error
	SetSampleRate(rate uint64) error
	// SetInitialPins sets initial pin values indexed by decoder channel
	// order, required channels first.
	SetInitialPins(Instance, []uint8) error
	// Start must be called before the first Send and after every Reset.
	Start(Handler) error
	// Send feeds samples [start, end) packed in units of unitSize bytes.
	Send(start, end uint64, data []byte, unitSize int) error
	// Reset terminates the current stream, keeping instances and stack.
	Reset() error
	Close() error
}

// Engine provides decoders and sessions.
type Engine interface {
	Decoders() []*Decoder
	NewSession() (Session, error)
}

// Lookup returns the decoder with provided id.
func Lookup(e Engine, id string) (*Decoder, error) {
	for _, d := range e.Decoders() {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDecoder, id)
}
