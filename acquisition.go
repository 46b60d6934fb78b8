package decode

import (
	"pipelined.dev/decode/capture"
	"pipelined.dev/decode/segment"
)

// Source is a logic signal of an acquisition. Samples of a source may pack
// several signals, BitIndex selects the bit of this one.
type Source interface {
	Name() string
	Enabled() bool
	BitIndex() int
	// Segment returns samples of acquisition segment id or nil.
	Segment(id uint32) *segment.Segment
}

// Acquisition provides logic signals to decode.
type Acquisition interface {
	Signals() []Source
	SegmentCount() int
}

// Capture returns the acquisition of a capture session. The signal must be
// added as a listener of the session to follow it.
func Capture(s *capture.Session) Acquisition {
	return captureAcquisition{s}
}

type captureAcquisition struct {
	*capture.Session
}

func (c captureAcquisition) Signals() []Source {
	channels := c.Channels()
	sources := make([]Source, len(channels))
	for i, ch := range channels {
		sources[i] = ch
	}
	return sources
}

var _ capture.Listener = (*Signal)(nil)

// CaptureStateChanged restarts decoding when a new capture starts and wakes
// the workers up otherwise.
func (s *Signal) CaptureStateChanged(state capture.State) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if s.closed {
		return
	}
	if state == capture.Running {
		if err := s.begin(); err != nil {
			s.logger.WithError(err).Debug("decode not started")
		}
		return
	}
	s.notify()
}

// DataReceived starts decoding if it is idle and wakes the workers up
// otherwise.
func (s *Signal) DataReceived() {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if s.closed {
		return
	}
	if s.run != nil {
		s.notify()
		return
	}
	if s.validate() == nil {
		_ = s.begin()
	}
}

// DataCleared discards all decoded data.
func (s *Signal) DataCleared() {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if s.closed {
		return
	}
	s.reset()
}

// notify must be called with cfgMu held.
func (s *Signal) notify() {
	if s.run != nil {
		s.run.mux.Notify()
		s.run.wake()
	}
}
