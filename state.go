package decode

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// State of the decode signal.
type State int

const (
	// Idle means no decoding is running.
	Idle State = iota
	// Configuring means the stack or channels are being changed.
	Configuring
	// Running means mux and decode workers are active.
	Running
	// Failed means the decoder engine failed. Decoded data is kept until
	// the next reset.
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configuring:
		return "configuring"
	case Running:
		return "running"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// setState must be called with outMu held.
func (s *Signal) setState(state State) {
	if s.state != state {
		s.logger.WithFields(logrus.Fields{
			"from": s.state,
			"to":   state,
		}).Debug("state changed")
	}
	s.state = state
}

// State returns the current state.
func (s *Signal) State() State {
	s.outMu.RLock()
	defer s.outMu.RUnlock()
	return s.state
}
