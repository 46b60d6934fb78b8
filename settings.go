package decode

import (
	"fmt"
	"maps"

	"pipelined.dev/decode/engine"
)

// Settings is the persistent configuration of a signal. Decoded data is
// never saved.
type Settings struct {
	Name     string            `yaml:"name,omitempty" mapstructure:"name"`
	Decoders []DecoderSettings `yaml:"decoders" mapstructure:"decoders"`
}

// DecoderSettings is the configuration of one stage.
type DecoderSettings struct {
	Decoder  string            `yaml:"decoder" mapstructure:"decoder"`
	Shown    bool              `yaml:"shown" mapstructure:"shown"`
	Options  map[string]any    `yaml:"options,omitempty" mapstructure:"options"`
	Channels []ChannelSettings `yaml:"channels,omitempty" mapstructure:"channels"`
}

// ChannelSettings is the assignment of one decoder channel. Signal refers
// to the source by name.
type ChannelSettings struct {
	Channel    string `yaml:"channel" mapstructure:"channel"`
	Signal     string `yaml:"signal,omitempty" mapstructure:"signal"`
	InitialPin string `yaml:"initial_pin,omitempty" mapstructure:"initial_pin"`
}

// SaveSettings returns the current configuration.
func (s *Signal) SaveSettings() Settings {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	settings := Settings{Name: s.name}
	for _, st := range s.stack {
		ds := DecoderSettings{
			Decoder: st.decoder.ID,
			Shown:   st.Shown(),
		}
		if len(st.opts) > 0 {
			ds.Options = maps.Clone(st.opts)
		}
		for _, ch := range s.channels {
			if ch.Stage != st {
				continue
			}
			cs := ChannelSettings{
				Channel:    ch.spec,
				InitialPin: ch.InitialPin.String(),
			}
			if ch.Signal != nil {
				cs.Signal = ch.Signal.Name()
			}
			ds.Channels = append(ds.Channels, cs)
		}
		settings.Decoders = append(settings.Decoders, ds)
	}
	return settings
}

// RestoreSettings replaces the stack and channel assignment. Signals are
// looked up by name among acquisition signals, channels of missing signals
// stay unassigned.
func (s *Signal) RestoreSettings(settings Settings) error {
	var stack []*Stage
	pins := make(map[*Stage]map[string]engine.PinState)
	return s.configure(func() error {
		for i, ds := range settings.Decoders {
			d, err := engine.Lookup(s.engine, ds.Decoder)
			if err != nil {
				return fmt.Errorf("decoder %d: %w", i, err)
			}
			st := newStage(d)
			st.shown.Store(ds.Shown)
			for id, v := range ds.Options {
				o, ok := d.Option(id)
				if !ok {
					return fmt.Errorf("decoder %d: %w: %s", i, ErrUnknownOption, id)
				}
				if err := o.Check(v); err != nil {
					return fmt.Errorf("decoder %d: %w", i, err)
				}
				st.opts[id] = v
			}
			pins[st] = make(map[string]engine.PinState)
			for _, cs := range ds.Channels {
				p, err := engine.ParsePinState(cs.InitialPin)
				if err != nil {
					return fmt.Errorf("decoder %d channel %s: %w", i, cs.Channel, err)
				}
				pins[st][cs.Channel] = p
			}
			stack = append(stack, st)
		}
		return nil
	}, func() {
		s.stack = stack
		s.channels = nil
		s.updateChannels()

		signals := make(map[string]Source)
		for _, sig := range s.acq.Signals() {
			signals[sig.Name()] = sig
		}
		for i, st := range stack {
			for _, cs := range settings.Decoders[i].Channels {
				for _, ch := range s.channels {
					if ch.Stage != st || ch.spec != cs.Channel {
						continue
					}
					ch.InitialPin = pins[st][cs.Channel]
					if cs.Signal == "" {
						continue
					}
					if sig, ok := signals[cs.Signal]; ok {
						ch.Signal = sig
					} else {
						s.logger.WithField("source", cs.Signal).Warn("source not found")
					}
				}
			}
		}
		s.commitChannels()
	})
}
