package probe

import (
	"fmt"
	"strconv"

	"pipelined.dev/decode/engine"
)

type (
	valueFunc func(ch int) (uint8, bool)
	emitFunc  func(engine.Annotation)
)

// logic is the per-instance decoding state.
type logic interface {
	reset(pins []uint8, rate uint64)
	sample(n uint64, value valueFunc, emit emitFunc)
	annotation(a engine.Annotation, emit emitFunc)
}

func newLogic(id string, options map[string]any) (logic, error) {
	switch id {
	case "edges":
		return &edges{}, nil
	case "pulses":
		switch p := fmt.Sprint(options["polarity"]); p {
		case "high":
			return &pulses{active: 1}, nil
		case "low":
			return &pulses{active: 0}, nil
		default:
			return nil, fmt.Errorf("invalid polarity %q", p)
		}
	case "bits":
		return &bits{}, nil
	case "count":
		every, err := toInt(options["every"])
		if err != nil {
			return nil, fmt.Errorf("option every: %w", err)
		}
		if every <= 0 {
			return nil, fmt.Errorf("option every must be positive, got %d", every)
		}
		return &count{every: every}, nil
	}
	return nil, fmt.Errorf("%w: %s", engine.ErrUnknownDecoder, id)
}

// initial returns the initial pin value of a channel or -1 if it follows
// the first sample.
func initial(pins []uint8, ch int) int {
	if ch < len(pins) && pins[ch] <= 1 {
		return int(pins[ch])
	}
	return -1
}

func toInt(v any) (int, error) {
	switch v := v.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		return strconv.Atoi(v)
	}
	return 0, fmt.Errorf("unsupported value %v of type %T", v, v)
}

// noAnnotations is embedded by decoders that consume logic samples only.
type noAnnotations struct{}

func (noAnnotations) annotation(engine.Annotation, emitFunc) {}

// noSamples is embedded by decoders that consume annotations only.
type noSamples struct{}

func (noSamples) sample(uint64, valueFunc, emitFunc) {}

type edges struct {
	noAnnotations
	last int
}

func (e *edges) reset(pins []uint8, _ uint64) {
	e.last = initial(pins, 0)
}

func (e *edges) sample(n uint64, value valueFunc, emit emitFunc) {
	v, ok := value(0)
	if !ok {
		return
	}
	if e.last >= 0 && int(v) != e.last {
		if v == 1 {
			emit(engine.Annotation{Start: n, End: n, Class: ClassRise, Texts: []string{"Rising edge", "Rise", "R"}})
		} else {
			emit(engine.Annotation{Start: n, End: n, Class: ClassFall, Texts: []string{"Falling edge", "Fall", "F"}})
		}
	}
	e.last = int(v)
}

type pulses struct {
	noAnnotations
	active  uint8
	rate    uint64
	last    int
	start   uint64
	inPulse bool
}

func (p *pulses) reset(pins []uint8, rate uint64) {
	p.rate = rate
	p.last = initial(pins, 0)
	p.inPulse = false
}

func (p *pulses) sample(n uint64, value valueFunc, emit emitFunc) {
	v, ok := value(0)
	if !ok {
		return
	}
	switch {
	case p.last >= 0 && int(v) != p.last && v == p.active:
		p.start, p.inPulse = n, true
	case p.inPulse && v != p.active:
		width := n - p.start
		emit(engine.Annotation{
			Start: p.start,
			End:   n,
			Texts: []string{"Pulse width " + duration(width, p.rate), duration(width, p.rate)},
		})
		p.inPulse = false
	}
	p.last = int(v)
}

type bits struct {
	noAnnotations
	clk int
}

func (b *bits) reset(pins []uint8, _ uint64) {
	b.clk = initial(pins, 0)
}

func (b *bits) sample(n uint64, value valueFunc, emit emitFunc) {
	clk, _ := value(0)
	if b.clk == 0 && clk == 1 {
		text := "?"
		if d, ok := value(1); ok {
			text = strconv.Itoa(int(d))
		}
		emit(engine.Annotation{Start: n, End: n, Texts: []string{"Bit " + text, text}})
	}
	b.clk = int(clk)
}

type count struct {
	noSamples
	every int
	n     int
	first uint64
}

func (c *count) reset([]uint8, uint64) {
	c.n = 0
}

func (c *count) annotation(a engine.Annotation, emit emitFunc) {
	if c.n == 0 {
		c.first = a.Start
	}
	c.n++
	if c.n == c.every {
		emit(engine.Annotation{
			Start: c.first,
			End:   a.End,
			Texts: []string{fmt.Sprintf("%d annotations", c.n), strconv.Itoa(c.n)},
		})
		c.n = 0
	}
}
