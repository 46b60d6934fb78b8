package decode

import "fmt"

// EventKind identifies the type of event.
type EventKind int

const (
	// NewAnnotations is sent after a chunk was decoded.
	NewAnnotations EventKind = iota
	// DecodeReset is sent after all decoded data was discarded.
	DecodeReset
	// DecodeFinished is sent when all available samples are decoded and
	// the acquisition segment is complete.
	DecodeFinished
	// ChannelsUpdated is sent when the channel list changes.
	ChannelsUpdated
	// DecodeError is sent when decoding fails.
	DecodeError
)

func (k EventKind) String() string {
	switch k {
	case NewAnnotations:
		return "new annotations"
	case DecodeReset:
		return "decode reset"
	case DecodeFinished:
		return "decode finished"
	case ChannelsUpdated:
		return "channels updated"
	case DecodeError:
		return "decode error"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event notifies subscribers about decode progress.
type Event struct {
	Kind    EventKind
	Segment uint32
	// Err is set for DecodeError.
	Err error
}

// Subscribe returns a channel of events and a function to cancel the
// subscription. Events are dropped when the channel buffer is full.
func (s *Signal) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	s.subMu.Lock()
	if s.subs == nil {
		close(ch)
		s.subMu.Unlock()
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

func (s *Signal) emit(e Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// closeSubscriptions closes all event channels. Later subscriptions get a
// closed channel.
func (s *Signal) closeSubscriptions() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}
