// Package capture holds logic samples of an acquisition session.
//
// A Session records one or more segments. Every segment stores all channels
// of the session packed into samples of (channels+7)/8 bytes, channel i
// being bit i. Listeners are notified about state changes and new data.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pipelined.dev/decode/segment"
)

// ErrInvalidState is returned when an operation is not allowed in the
// current session state.
var ErrInvalidState = errors.New("invalid capture state")

// State of an acquisition session.
type State int

const (
	// Idle means nothing was captured since the last clear.
	Idle State = iota
	// Running means samples are being captured.
	Running
	// Stopped means capture finished.
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Listener is notified by a session. Calls are made without session locks
// held on the goroutine that changed the session.
type Listener interface {
	CaptureStateChanged(State)
	DataReceived()
	DataCleared()
}

// Channel is one logic channel of a session.
type Channel struct {
	session *Session
	name    string
	index   int
	enabled atomic.Bool
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// BitIndex returns the bit of the channel inside a sample.
func (c *Channel) BitIndex() int {
	return c.index
}

// Enabled reports whether the channel is enabled.
func (c *Channel) Enabled() bool {
	return c.enabled.Load()
}

// SetEnabled enables or disables the channel.
func (c *Channel) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// Segment returns the segment with provided id or nil.
func (c *Channel) Segment(id uint32) *segment.Segment {
	return c.session.Segment(id)
}

// Session is an acquisition session.
type Session struct {
	channels   []*Channel
	unitSize   int
	sampleRate float64
	options    []segment.Option

	mu        sync.RWMutex
	state     State
	segments  []*segment.Segment
	listeners []Listener
}

// NewSession returns an idle session with enabled channels of provided
// names. Options are applied to every new segment. It panics without
// channels.
func NewSession(sampleRate float64, names []string, options ...segment.Option) *Session {
	if len(names) == 0 {
		panic("capture: session without channels")
	}
	s := &Session{
		unitSize:   (len(names) + 7) / 8,
		sampleRate: sampleRate,
		options:    options,
	}
	for i, name := range names {
		c := &Channel{session: s, name: name, index: i}
		c.enabled.Store(true)
		s.channels = append(s.channels, c)
	}
	return s
}

// Channels returns channels of the session.
func (s *Session) Channels() []*Channel {
	return append([]*Channel(nil), s.channels...)
}

// UnitSize returns the size of a sample in bytes.
func (s *Session) UnitSize() int {
	return s.unitSize
}

// SampleRate returns the sample rate of new segments.
func (s *Session) SampleRate() float64 {
	return s.sampleRate
}

// AddListener subscribes the listener to session notifications.
func (s *Session) AddListener(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// RemoveListener unsubscribes the listener.
func (s *Session) RemoveListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.listeners {
		if s.listeners[i] == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Session) notify(fn func(Listener)) {
	s.mu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, l := range listeners {
		fn(l)
	}
}

// State returns the session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SegmentCount returns the number of segments.
func (s *Session) SegmentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segments)
}

// Segment returns the segment with provided id or nil.
func (s *Session) Segment(id uint32) *segment.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(id) < len(s.segments) {
		return s.segments[id]
	}
	return nil
}

// Start switches the session to running state and opens the first segment.
func (s *Session) Start(start time.Time) error {
	s.mu.Lock()
	if s.state == Running {
		s.mu.Unlock()
		return fmt.Errorf("%w: already running", ErrInvalidState)
	}
	s.state = Running
	s.newSegment(start)
	s.mu.Unlock()
	s.notify(func(l Listener) { l.CaptureStateChanged(Running) })
	return nil
}

// NewSegment completes the current segment and opens a new one.
func (s *Session) NewSegment(start time.Time) (*segment.Segment, error) {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, s.state)
	}
	seg := s.newSegment(start)
	s.mu.Unlock()
	s.notify(func(l Listener) { l.DataReceived() })
	return seg, nil
}

// newSegment must be called with the lock held.
func (s *Session) newSegment(start time.Time) *segment.Segment {
	if n := len(s.segments); n > 0 {
		s.segments[n-1].SetComplete()
	}
	options := append([]segment.Option{segment.WithStartTime(start)}, s.options...)
	seg := segment.New(uint32(len(s.segments)), s.sampleRate, s.unitSize, options...)
	s.segments = append(s.segments, seg)
	return seg
}

// Append adds count packed samples to the current segment.
func (s *Session) Append(data []byte, count uint64) error {
	s.mu.RLock()
	if s.state != Running {
		s.mu.RUnlock()
		return fmt.Errorf("%w: %v", ErrInvalidState, s.state)
	}
	seg := s.segments[len(s.segments)-1]
	s.mu.RUnlock()

	if err := seg.Append(data, count); err != nil {
		return fmt.Errorf("error appending to segment %d: %w", seg.ID(), err)
	}
	s.notify(func(l Listener) { l.DataReceived() })
	return nil
}

// Finish completes the current segment and stops the session.
func (s *Session) Finish() {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return
	}
	s.segments[len(s.segments)-1].SetComplete()
	s.state = Stopped
	s.mu.Unlock()
	s.notify(func(l Listener) { l.CaptureStateChanged(Stopped) })
}

// Clear drops all segments and returns the session to idle state.
func (s *Session) Clear() {
	s.mu.Lock()
	s.segments = nil
	s.state = Idle
	s.mu.Unlock()
	s.notify(func(l Listener) { l.DataCleared() })
	s.notify(func(l Listener) { l.CaptureStateChanged(Idle) })
}
