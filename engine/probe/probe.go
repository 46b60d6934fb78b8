// Package probe is a small in-process decoder engine. It decodes plain logic
// properties of a signal (edges, pulses, clocked bits) and groups annotations
// of stacked decoders. It is used to run the decode pipeline end to end.
package probe

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"pipelined.dev/decode/engine"
)

var (
	errNotStarted = errors.New("session not started")
	errClosed     = errors.New("session closed")
)

// Annotation classes.
const (
	ClassRise = iota
	ClassFall
)

// Engine provides the probe decoders. The zero value is ready to use.
type Engine struct{}

// New returns a probe engine.
func New() *Engine {
	return &Engine{}
}

var decoders = []*engine.Decoder{
	{
		ID:                "edges",
		Name:              "Edges",
		LongName:          "Signal edges",
		Desc:              "Marks every transition of a logic signal.",
		Channels:          []engine.Channel{{ID: "data", Name: "Data", Desc: "Observed signal"}},
		AnnotationClasses: []string{"rise", "fall"},
		AnnotationRows:    []engine.AnnotationRow{{ID: "edges", Desc: "Edges", Classes: []int{ClassRise, ClassFall}}},
	},
	{
		ID:       "pulses",
		Name:     "Pulses",
		LongName: "Pulse widths",
		Desc:     "Measures pulses of the active level.",
		Channels: []engine.Channel{{ID: "data", Name: "Data", Desc: "Observed signal"}},
		Options: []engine.Option{
			{ID: "polarity", Desc: "Active level", Default: "high", Values: []any{"high", "low"}},
		},
		AnnotationClasses: []string{"pulse"},
		AnnotationRows:    []engine.AnnotationRow{{ID: "pulses", Desc: "Pulses", Classes: []int{0}}},
	},
	{
		ID:                "bits",
		Name:              "Bits",
		LongName:          "Clocked bits",
		Desc:              "Samples data on every rising clock edge.",
		Channels:          []engine.Channel{{ID: "clk", Name: "CLK", Desc: "Clock"}},
		OptionalChannels:  []engine.Channel{{ID: "data", Name: "DATA", Desc: "Data"}},
		AnnotationClasses: []string{"bit"},
		AnnotationRows:    []engine.AnnotationRow{{ID: "bits", Desc: "Bits", Classes: []int{0}}},
	},
	{
		ID:       "count",
		Name:     "Count",
		LongName: "Annotation counter",
		Desc:     "Groups every N annotations of the decoder below.",
		Options: []engine.Option{
			{ID: "every", Desc: "Group size", Default: int64(8)},
		},
		AnnotationClasses: []string{"group"},
	},
}

// Decoders returns all probe decoders.
func (e *Engine) Decoders() []*engine.Decoder {
	d := make([]*engine.Decoder, len(decoders))
	copy(d, decoders)
	return d
}

// NewSession returns an empty session.
func (e *Engine) NewSession() (engine.Session, error) {
	return &session{}, nil
}

type session struct {
	instances []*instance
	rate      uint64
	handler   engine.Handler
	started   bool
	closed    bool
	next      uint64
}

type instance struct {
	id      string
	decoder *engine.Decoder
	// bits holds the sample bit of every channel in decoder order, -1 if
	// unassigned.
	bits    []int
	options map[string]any
	pins    []uint8
	below   *instance
	above   []*instance
	logic   logic
	emit    func(engine.Annotation)
}

func (i *instance) ID() string {
	return i.id
}

func (i *instance) Decoder() *engine.Decoder {
	return i.decoder
}

func (s *session) NewInstance(d *engine.Decoder, cfg engine.InstanceConfig) (engine.Instance, error) {
	if s.closed {
		return nil, errClosed
	}
	inst := &instance{
		id:      d.ID + "-" + strconv.Itoa(len(s.instances)),
		decoder: d,
		options: make(map[string]any),
	}
	for _, ch := range d.Channels {
		bit, ok := cfg.Channels[ch.ID]
		if !ok {
			return nil, fmt.Errorf("decoder %s: required channel %s is not assigned", d.ID, ch.ID)
		}
		inst.bits = append(inst.bits, bit)
	}
	for _, ch := range d.OptionalChannels {
		bit, ok := cfg.Channels[ch.ID]
		if !ok {
			bit = -1
		}
		inst.bits = append(inst.bits, bit)
	}
	for _, o := range d.Options {
		inst.options[o.ID] = o.Default
	}
	for id, v := range cfg.Options {
		if _, ok := d.Option(id); !ok {
			return nil, fmt.Errorf("decoder %s: unknown option %s", d.ID, id)
		}
		inst.options[id] = v
	}
	l, err := newLogic(d.ID, inst.options)
	if err != nil {
		return nil, fmt.Errorf("decoder %s: %w", d.ID, err)
	}
	inst.logic = l
	inst.emit = func(a engine.Annotation) {
		if s.handler != nil {
			s.handler(inst, a)
		}
		for _, upper := range inst.above {
			upper.logic.annotation(a, upper.emit)
		}
	}
	s.instances = append(s.instances, inst)
	return inst, nil
}

func (s *session) lookup(i engine.Instance) (*instance, error) {
	for _, inst := range s.instances {
		if engine.Instance(inst) == i {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("instance %v does not belong to session", i)
}

func (s *session) Stack(lower, upper engine.Instance) error {
	l, err := s.lookup(lower)
	if err != nil {
		return err
	}
	u, err := s.lookup(upper)
	if err != nil {
		return err
	}
	if l == u || u.below != nil {
		return fmt.Errorf("cannot stack %s on %s", u.id, l.id)
	}
	u.below = l
	l.above = append(l.above, u)
	return nil
}

func (s *session) SetSampleRate(rate uint64) error {
	if s.started {
		return errors.New("sample rate must be set before start")
	}
	s.rate = rate
	return nil
}

func (s *session) SetInitialPins(i engine.Instance, pins []uint8) error {
	inst, err := s.lookup(i)
	if err != nil {
		return err
	}
	if len(pins) > len(inst.bits) {
		return fmt.Errorf("decoder %s: %d initial pins for %d channels", inst.decoder.ID, len(pins), len(inst.bits))
	}
	inst.pins = append([]uint8(nil), pins...)
	return nil
}

func (s *session) Start(h engine.Handler) error {
	if s.closed {
		return errClosed
	}
	s.handler = h
	s.started = true
	s.next = 0
	for _, inst := range s.instances {
		inst.logic.reset(inst.pins, s.rate)
	}
	return nil
}

func (s *session) Send(start, end uint64, data []byte, unitSize int) error {
	switch {
	case s.closed:
		return errClosed
	case !s.started:
		return errNotStarted
	case start != s.next || end < start:
		return fmt.Errorf("invalid range [%d, %d), expected start %d", start, end, s.next)
	case unitSize <= 0 || uint64(len(data)) < (end-start)*uint64(unitSize):
		return fmt.Errorf("%d bytes for %d samples of %d bytes", len(data), end-start, unitSize)
	}
	for n := start; n < end; n++ {
		sample := data[(n-start)*uint64(unitSize):]
		for _, inst := range s.instances {
			if inst.below != nil || inst.decoder.Stacked() {
				continue
			}
			inst.logic.sample(n, func(ch int) (uint8, bool) {
				bit := inst.bits[ch]
				if bit < 0 || bit/8 >= unitSize {
					return 0, false
				}
				return (sample[bit/8] >> (bit % 8)) & 1, true
			}, inst.emit)
		}
	}
	s.next = end
	return nil
}

func (s *session) Reset() error {
	if s.closed {
		return errClosed
	}
	s.started = false
	s.handler = nil
	s.next = 0
	return nil
}

func (s *session) Close() error {
	s.closed = true
	s.handler = nil
	s.instances = nil
	return nil
}

// duration formats n samples at provided rate.
func duration(n, rate uint64) string {
	if rate == 0 {
		return strconv.FormatUint(n, 10) + " samples"
	}
	return (time.Duration(n) * time.Second / time.Duration(rate)).String()
}
