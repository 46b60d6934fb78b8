// Package mock provides a scripted decoder engine and allows to execute
// integration tests.
package mock

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pipelined.dev/decode/engine"
)

// ErrEngine is returned by sessions configured to fail.
var ErrEngine = errors.New("mock engine error")

// Sample is passed to a script for every sample sent to an instance.
type Sample struct {
	Instance engine.Instance
	Index    uint64
	// Data is the packed sample, valid only during the call.
	Data []byte
}

// Bit returns bit i of the sample.
func (s Sample) Bit(i int) uint8 {
	return (s.Data[i/8] >> (i % 8)) & 1
}

// Script returns annotations emitted for the sample.
type Script func(Sample) []engine.Annotation

// Range is a recorded Send call.
type Range struct {
	Session    int
	Start, End uint64
}

// Hooks record calls to sessions.
type Hooks struct {
	Sessions    int
	Closed      int
	Resets      int
	Sends       []Range
	SampleRates []uint64
	Pins        [][]uint8
	Configs     []engine.InstanceConfig
}

// Engine mocks an engine.Engine. Every method of a session counts
// concurrent calls, ConcurrentCalls is not zero if a session was used from
// several goroutines at once.
type Engine struct {
	Library []*engine.Decoder
	Script  Script
	// Delay is slept in every Send.
	Delay time.Duration
	// ErrorAt makes Send fail when the range contains this sample.
	ErrorAt         *uint64
	ErrorOnSession  error
	ErrorOnInstance error

	mu    sync.Mutex
	hooks Hooks

	ConcurrentCalls atomic.Int32
}

// Decoder returns a decoder description with one required channel "data"
// and one row of class 0.
func Decoder(id string) *engine.Decoder {
	return &engine.Decoder{
		ID:                id,
		Name:              id,
		Channels:          []engine.Channel{{ID: "data", Name: "data"}},
		OptionalChannels:  []engine.Channel{{ID: "aux", Name: "aux"}},
		Options:           []engine.Option{{ID: "level", Default: int64(1)}},
		AnnotationClasses: []string{"event", "other"},
		AnnotationRows:    []engine.AnnotationRow{{ID: "events", Desc: "Events", Classes: []int{0}}},
	}
}

// Hooks returns a copy of recorded calls.
func (e *Engine) Hooks() Hooks {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.hooks
	h.Sends = append([]Range(nil), h.Sends...)
	h.SampleRates = append([]uint64(nil), h.SampleRates...)
	h.Pins = append([][]uint8(nil), h.Pins...)
	h.Configs = append([]engine.InstanceConfig(nil), h.Configs...)
	return h
}

// Decoders implements engine.Engine.
func (e *Engine) Decoders() []*engine.Decoder {
	return e.Library
}

// NewSession implements engine.Engine.
func (e *Engine) NewSession() (engine.Session, error) {
	if e.ErrorOnSession != nil {
		return nil, e.ErrorOnSession
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks.Sessions++
	return &session{engine: e, id: e.hooks.Sessions}, nil
}

type instance struct {
	id      string
	decoder *engine.Decoder
	stacked bool
}

func (i *instance) ID() string               { return i.id }
func (i *instance) Decoder() *engine.Decoder { return i.decoder }

type session struct {
	engine    *Engine
	id        int
	active    atomic.Int32
	instances []*instance
	handler   engine.Handler
	next      uint64
}

// enter counts concurrent use of the session.
func (s *session) enter() func() {
	if s.active.Add(1) > 1 {
		s.engine.ConcurrentCalls.Add(1)
	}
	return func() { s.active.Add(-1) }
}

func (s *session) record(fn func(*Hooks)) {
	s.engine.mu.Lock()
	fn(&s.engine.hooks)
	s.engine.mu.Unlock()
}

func (s *session) NewInstance(d *engine.Decoder, cfg engine.InstanceConfig) (engine.Instance, error) {
	defer s.enter()()
	if s.engine.ErrorOnInstance != nil {
		return nil, s.engine.ErrorOnInstance
	}
	s.record(func(h *Hooks) { h.Configs = append(h.Configs, cfg) })
	inst := &instance{id: fmt.Sprintf("%s.%d", d.ID, len(s.instances)), decoder: d}
	s.instances = append(s.instances, inst)
	return inst, nil
}

func (s *session) Stack(lower, upper engine.Instance) error {
	defer s.enter()()
	upper.(*instance).stacked = true
	return nil
}

func (s *session) SetSampleRate(rate uint64) error {
	defer s.enter()()
	s.record(func(h *Hooks) { h.SampleRates = append(h.SampleRates, rate) })
	return nil
}

func (s *session) SetInitialPins(_ engine.Instance, pins []uint8) error {
	defer s.enter()()
	s.record(func(h *Hooks) { h.Pins = append(h.Pins, append([]uint8(nil), pins...)) })
	return nil
}

func (s *session) Start(h engine.Handler) error {
	defer s.enter()()
	s.handler = h
	s.next = 0
	return nil
}

func (s *session) Send(start, end uint64, data []byte, unitSize int) error {
	defer s.enter()()
	if start != s.next {
		return fmt.Errorf("send [%d, %d) expected start %d", start, end, s.next)
	}
	s.record(func(h *Hooks) { h.Sends = append(h.Sends, Range{Session: s.id, Start: start, End: end}) })
	time.Sleep(s.engine.Delay)
	if at := s.engine.ErrorAt; at != nil && *at >= start && *at < end {
		return ErrEngine
	}
	for n := start; n < end; n++ {
		offset := (n - start) * uint64(unitSize)
		sample := data[offset : offset+uint64(unitSize)]
		for _, inst := range s.instances {
			if inst.stacked || s.engine.Script == nil {
				continue
			}
			for _, a := range s.engine.Script(Sample{Instance: inst, Index: n, Data: sample}) {
				s.handler(inst, a)
			}
		}
	}
	s.next = end
	return nil
}

func (s *session) Reset() error {
	defer s.enter()()
	s.record(func(h *Hooks) { h.Resets++ })
	s.handler = nil
	return nil
}

func (s *session) Close() error {
	defer s.enter()()
	s.record(func(h *Hooks) { h.Closed++ })
	return nil
}
