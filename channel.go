package decode

import (
	"strings"

	"pipelined.dev/decode/engine"
)

// Channel is one logic input of a stage.
type Channel struct {
	// ID is the index in the channel list of the stack.
	ID int
	// BitID is the bit in the muxed sample, -1 if unassigned.
	BitID    int
	Optional bool
	Name     string
	Desc     string
	// Signal is the assigned source or nil.
	Signal     Source
	InitialPin engine.PinState
	Stage      *Stage

	spec string
}

// Spec returns the id of the decoder channel.
func (ch Channel) Spec() string {
	return ch.spec
}

// updateChannels rebuilds the channel list from the stack, keeping the
// assignment of channels that survive. It must be called with cfgMu held.
func (s *Signal) updateChannels() {
	prev := make(map[*Stage]map[string]*Channel)
	for _, ch := range s.channels {
		if prev[ch.Stage] == nil {
			prev[ch.Stage] = make(map[string]*Channel)
		}
		prev[ch.Stage][ch.spec] = ch
	}

	var channels []*Channel
	add := func(st *Stage, c engine.Channel, optional bool) {
		ch := &Channel{
			ID:         len(channels),
			BitID:      -1,
			Optional:   optional,
			Name:       c.Name,
			Desc:       c.Desc,
			InitialPin: engine.PinSameAsSample0,
			Stage:      st,
			spec:       c.ID,
		}
		if old, ok := prev[st][c.ID]; ok {
			ch.Signal = old.Signal
			ch.InitialPin = old.InitialPin
		}
		channels = append(channels, ch)
	}
	for _, st := range s.stack {
		for _, c := range st.decoder.Channels {
			add(st, c, false)
		}
		for _, c := range st.decoder.OptionalChannels {
			add(st, c, true)
		}
	}
	s.channels = channels
}

// commitChannels assigns bits of the muxed sample to assigned channels in
// channel order. It must be called with cfgMu held.
func (s *Signal) commitChannels() {
	bit := 0
	for _, ch := range s.channels {
		if ch.Signal == nil {
			ch.BitID = -1
			continue
		}
		ch.BitID = bit
		bit++
	}
	s.emit(Event{Kind: ChannelsUpdated})
}

// autoAssign assigns unassigned channels of the stage, or of all stages if
// st is nil, to enabled signals with matching names. A name matches when
// one contains the other ignoring case, closer lengths win. Empty names
// never match. It must be called with cfgMu held.
func (s *Signal) autoAssign(st *Stage) int {
	signals := s.acq.Signals()
	var assigned int
	for _, ch := range s.channels {
		if (st != nil && ch.Stage != st) || ch.Signal != nil {
			continue
		}
		name := strings.ToLower(ch.Name)
		if name == "" {
			continue
		}
		var match Source
		for _, sig := range signals {
			if !sig.Enabled() {
				continue
			}
			sigName := strings.ToLower(sig.Name())
			if sigName == "" || (!strings.Contains(name, sigName) && !strings.Contains(sigName, name)) {
				continue
			}
			if match == nil || abs(len(name)-len(sigName)) < abs(len(name)-len(match.Name())) {
				match = sig
			}
		}
		if match != nil {
			ch.Signal = match
			assigned++
		}
	}
	return assigned
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// AssignSignal assigns the source to the channel. Nil source unassigns it.
func (s *Signal) AssignSignal(channelID int, src Source) error {
	return s.configure(func() error {
		return s.checkChannel(channelID)
	}, func() {
		s.channels[channelID].Signal = src
		s.commitChannels()
	})
}

// SetInitialPinState sets the state the decoder assumes for the channel
// before the first sample.
func (s *Signal) SetInitialPinState(channelID int, state engine.PinState) error {
	return s.configure(func() error {
		if err := s.checkChannel(channelID); err != nil {
			return err
		}
		if _, err := engine.ParsePinState(state.String()); err != nil {
			return err
		}
		return nil
	}, func() {
		s.channels[channelID].InitialPin = state
	})
}

// AutoAssignSignals assigns signals by name to unassigned channels of the
// stage at index, or of all stages if index is negative.
func (s *Signal) AutoAssignSignals(index int) error {
	return s.configure(func() error {
		if index < 0 {
			return nil
		}
		return s.checkIndex(index)
	}, func() {
		var st *Stage
		if index >= 0 {
			st = s.stack[index]
		}
		if s.autoAssign(st) > 0 {
			s.commitChannels()
		}
	})
}

// AssignedSignalCount returns the number of distinct assigned sources.
func (s *Signal) AssignedSignalCount() int {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	sources := make(map[Source]struct{})
	for _, ch := range s.channels {
		if ch.Signal != nil {
			sources[ch.Signal] = struct{}{}
		}
	}
	return len(sources)
}

// checkChannel must be called with cfgMu held.
func (s *Signal) checkChannel(id int) error {
	if id < 0 || id >= len(s.channels) {
		return ErrInvalidChannel
	}
	return nil
}
