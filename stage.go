package decode

import (
	"fmt"
	"maps"
	"sync/atomic"

	"github.com/rs/xid"

	"pipelined.dev/decode/engine"
)

// Stage is one decoder of the stack.
type Stage struct {
	id      string
	decoder *engine.Decoder
	shown   atomic.Bool

	// opts holds explicitly set options, guarded by Signal.cfgMu.
	opts map[string]any
}

func newStage(d *engine.Decoder) *Stage {
	st := &Stage{
		id:      xid.New().String(),
		decoder: d,
		opts:    make(map[string]any),
	}
	st.shown.Store(true)
	return st
}

// ID returns the unique id of the stage.
func (st *Stage) ID() string {
	return st.id
}

// Decoder returns the decoder description.
func (st *Stage) Decoder() *engine.Decoder {
	return st.decoder
}

// Shown reports whether rows of the stage are visible.
func (st *Stage) Shown() bool {
	return st.shown.Load()
}

func (st *Stage) options() map[string]any {
	return maps.Clone(st.opts)
}

func (st *Stage) String() string {
	return st.decoder.ID + "/" + st.id
}

// StackDecoder adds the decoder on top of the stack and assigns signals to
// its channels by name.
func (s *Signal) StackDecoder(decoderID string) (*Stage, error) {
	var st *Stage
	err := s.configure(func() error {
		d, err := engine.Lookup(s.engine, decoderID)
		if err != nil {
			return err
		}
		st = newStage(d)
		return nil
	}, func() {
		s.stack = append(s.stack, st)
		s.updateChannels()
		s.autoAssign(st)
		s.commitChannels()
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// RemoveDecoder removes the stage at index.
func (s *Signal) RemoveDecoder(index int) error {
	return s.configure(func() error {
		return s.checkIndex(index)
	}, func() {
		s.stack = append(s.stack[:index], s.stack[index+1:]...)
		s.updateChannels()
		s.commitChannels()
	})
}

// MoveDecoder moves the stage at index from to index to.
func (s *Signal) MoveDecoder(from, to int) error {
	return s.configure(func() error {
		if err := s.checkIndex(from); err != nil {
			return err
		}
		return s.checkIndex(to)
	}, func() {
		st := s.stack[from]
		s.stack = append(s.stack[:from], s.stack[from+1:]...)
		s.stack = append(s.stack[:to], append([]*Stage{st}, s.stack[to:]...)...)
		s.updateChannels()
		s.commitChannels()
	})
}

// ToggleDecoderVisibility shows or hides rows of the stage at index.
// Decoding is not affected.
func (s *Signal) ToggleDecoderVisibility(index int) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if err := s.checkIndex(index); err != nil {
		return err
	}
	st := s.stack[index]
	st.shown.Store(!st.shown.Load())
	return nil
}

// DecoderOptions returns option values of the stage at index, including
// defaults.
func (s *Signal) DecoderOptions(index int) (map[string]any, error) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if err := s.checkIndex(index); err != nil {
		return nil, err
	}
	st := s.stack[index]
	options := make(map[string]any, len(st.decoder.Options))
	for _, o := range st.decoder.Options {
		options[o.ID] = o.Default
	}
	maps.Copy(options, st.opts)
	return options, nil
}

// SetDecoderOption sets an option of the stage at index.
func (s *Signal) SetDecoderOption(index int, id string, value any) error {
	return s.configure(func() error {
		if err := s.checkIndex(index); err != nil {
			return err
		}
		d := s.stack[index].decoder
		o, ok := d.Option(id)
		if !ok {
			return fmt.Errorf("%w: %s of %s", ErrUnknownOption, id, d.ID)
		}
		if err := o.Check(value); err != nil {
			return fmt.Errorf("decoder %s: %w", d.ID, err)
		}
		return nil
	}, func() {
		s.stack[index].opts[id] = value
	})
}

// checkIndex must be called with cfgMu held.
func (s *Signal) checkIndex(index int) error {
	if index < 0 || index >= len(s.stack) {
		return fmt.Errorf("%w: %d of %d", ErrInvalidIndex, index, len(s.stack))
	}
	return nil
}

// configure validates and applies a configuration change. Decoding is
// stopped before apply and restarted after it if it was running or the
// acquisition has data. Errors of the restart are available through Err.
func (s *Signal) configure(validate func() error, apply func()) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if s.closed {
		return ErrInvalidState
	}
	if err := validate(); err != nil {
		return err
	}
	restart := s.run != nil || s.acq.SegmentCount() > 0
	s.reset()

	s.outMu.Lock()
	s.setState(Configuring)
	s.outMu.Unlock()
	apply()
	s.publish()
	s.outMu.Lock()
	s.setState(Idle)
	s.outMu.Unlock()

	if restart {
		if err := s.begin(); err != nil {
			s.logger.WithError(err).Debug("decode not restarted")
		}
	}
	return nil
}
