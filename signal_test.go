package decode_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pipelined.dev/decode"
	"pipelined.dev/decode/annotation"
	"pipelined.dev/decode/capture"
	"pipelined.dev/decode/engine"
	"pipelined.dev/decode/engine/probe"
	"pipelined.dev/decode/internal/mock"
	"pipelined.dev/decode/log"
	"pipelined.dev/decode/metric"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const timeout = 5 * time.Second

// newSignal returns a signal following the capture session.
func newSignal(t *testing.T, e engine.Engine, c *capture.Session, options ...decode.Option) *decode.Signal {
	t.Helper()
	options = append([]decode.Option{decode.WithLogger(log.Discard()), decode.WithName(t.Name())}, options...)
	sig, err := decode.New(e, decode.Capture(c), options...)
	require.NoError(t, err)
	c.AddListener(sig)
	t.Cleanup(func() {
		c.RemoveListener(sig)
		sig.Close()
	})
	return sig
}

// record fills a session with one finished segment.
func record(t *testing.T, c *capture.Session, samples []byte) {
	t.Helper()
	require.NoError(t, c.Start(time.Unix(0, 0)))
	require.NoError(t, c.Append(samples, uint64(len(samples))))
	c.Finish()
}

func repeat(b byte, n int) []byte {
	s := make([]byte, n)
	for i := range s {
		s[i] = b
	}
	return s
}

func waitDecoded(t *testing.T, sig *decode.Signal, id uint32, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sig.DecodedSampleCount(id, false) == n
	}, timeout, time.Millisecond, "decoded %d of %d", sig.DecodedSampleCount(id, false), n)
}

func waitEvent(t *testing.T, events <-chan decode.Event, kind decode.EventKind) decode.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-events:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("no %v event", kind)
			return decode.Event{}
		}
	}
}

func TestAnnotationSubset(t *testing.T) {
	e := &mock.Engine{
		Library: []*engine.Decoder{mock.Decoder("a")},
		Script: func(s mock.Sample) []engine.Annotation {
			switch s.Index {
			case 20:
				return []engine.Annotation{{Start: 10, End: 20, Texts: []string{"first"}}}
			case 25:
				return []engine.Annotation{{Start: 20, End: 25, Texts: []string{"second"}}}
			}
			return nil
		},
	}
	c := capture.NewSession(1000, []string{"data"})
	sig := newSignal(t, e, c, decode.WithChunkLength(7))
	events, cancel := sig.Subscribe(256)
	defer cancel()

	stage, err := sig.StackDecoder("a")
	require.NoError(t, err)
	assert.Equal(t, decode.Idle, sig.State())
	// assigned by name
	assert.Equal(t, 1, sig.AssignedSignalCount())

	record(t, c, repeat(0, 30))
	waitEvent(t, events, decode.DecodeFinished)
	waitDecoded(t, sig, 0, 30)
	assert.Equal(t, decode.Running, sig.State())
	assert.Equal(t, 1000.0, sig.SampleRate())
	assert.Equal(t, time.Unix(0, 0), sig.StartTime())

	rows := sig.VisibleRows()
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, annotation.Row{Stage: 0, Decoder: stage.ID(), Index: 0, Title: "Events"}, row)

	all := sig.AnnotationSubset(row, 0, 0, 25)
	require.Len(t, all, 2)
	assert.Equal(t, "first", all[0].Text())
	assert.Equal(t, "second", all[1].Text())

	some := sig.AnnotationSubset(row, 0, 15, 18)
	require.Len(t, some, 1)
	assert.Equal(t, uint64(10), some[0].Start)

	assert.Empty(t, sig.AnnotationSubset(row, 1, 0, 25))
	assert.Panics(t, func() { sig.AnnotationSubset(row, 0, 5, 4) })

	// session used by the decode goroutine only, chunks are in order
	assert.Zero(t, e.ConcurrentCalls.Load())
	var next uint64
	for _, r := range e.Hooks().Sends {
		assert.Equal(t, next, r.Start)
		assert.LessOrEqual(t, r.End-r.Start, uint64(7))
		next = r.End
	}
	assert.Equal(t, uint64(30), next)
}

func TestProgressCounters(t *testing.T) {
	e := &mock.Engine{
		Library: []*engine.Decoder{mock.Decoder("a")},
		Delay:   time.Millisecond,
	}
	c := capture.NewSession(1000, []string{"data"})
	sig := newSignal(t, e, c, decode.WithChunkLength(4))
	_, err := sig.StackDecoder("a")
	require.NoError(t, err)

	require.NoError(t, c.Start(time.Now()))
	check := func() {
		excl := sig.DecodedSampleCount(0, false)
		incl := sig.DecodedSampleCount(0, true)
		working := sig.WorkingSampleCount(0)
		assert.LessOrEqual(t, excl, incl)
		assert.LessOrEqual(t, incl, working)
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, c.Append(repeat(1, 10), 10))
		check()
		time.Sleep(time.Millisecond)
		check()
	}
	c.Finish()
	require.Eventually(t, func() bool {
		check()
		return sig.DecodedSampleCount(0, false) == 200
	}, timeout, 100*time.Microsecond)
	assert.Equal(t, uint64(200), sig.WorkingSampleCount(0))
}

func TestResetDecode(t *testing.T) {
	e := &mock.Engine{
		Library: []*engine.Decoder{mock.Decoder("a")},
		Script: func(s mock.Sample) []engine.Annotation {
			return []engine.Annotation{{Start: s.Index, End: s.Index}}
		},
	}
	c := capture.NewSession(1000, []string{"data"})
	sig := newSignal(t, e, c)
	_, err := sig.StackDecoder("a")
	require.NoError(t, err)
	record(t, c, repeat(1, 50))
	waitDecoded(t, sig, 0, 50)
	require.NotEmpty(t, sig.VisibleRows())

	for i := 0; i < 2; i++ {
		sig.ResetDecode()
		assert.Empty(t, sig.VisibleRows())
		assert.Zero(t, sig.DecodedSampleCount(0, false))
		assert.Zero(t, sig.DecodedSampleCount(0, true))
		assert.Zero(t, sig.SegmentCount())
		assert.Equal(t, decode.Idle, sig.State())
		assert.Empty(t, sig.ErrorMessage())
	}

	require.NoError(t, sig.BeginDecode())
	waitDecoded(t, sig, 0, 50)
	assert.Equal(t, 2, e.Hooks().Sessions)
	assert.Equal(t, 1, e.Hooks().Closed)
}

func TestReassignMidRun(t *testing.T) {
	e := &mock.Engine{
		Library: []*engine.Decoder{mock.Decoder("a")},
		Delay:   20 * time.Millisecond,
		Script: func(s mock.Sample) []engine.Annotation {
			if s.Bit(0) == 1 {
				return []engine.Annotation{{Start: s.Index, End: s.Index}}
			}
			return nil
		},
	}
	c := capture.NewSession(1000, []string{"d0", "d1"})
	sig := newSignal(t, e, c, decode.WithChunkLength(4))

	_, err := sig.StackDecoder("a")
	require.NoError(t, err)
	d0, d1 := c.Channels()[0], c.Channels()[1]
	require.NoError(t, sig.AssignSignal(0, d0))
	assert.Equal(t, decode.Idle, sig.State())

	// d0 is high, d1 is low
	record(t, c, repeat(1, 40))
	require.Eventually(t, func() bool { return sig.DecodedSampleCount(0, false) >= 8 }, timeout, time.Millisecond)
	events, cancel := sig.Subscribe(1024)
	defer cancel()

	require.NoError(t, sig.AssignSignal(0, d1))
	waitEvent(t, events, decode.DecodeReset)
	assert.Zero(t, sig.DecodedSampleCount(0, false))
	assert.Equal(t, d1, sig.Channels()[0].Signal)

	waitDecoded(t, sig, 0, 40)
	rows := sig.VisibleRows()
	require.Len(t, rows, 1)
	assert.Empty(t, sig.AnnotationSubset(rows[0], 0, 0, 40))

	h := e.Hooks()
	assert.Equal(t, 2, h.Sessions)
	var last []mock.Range
	for _, r := range h.Sends {
		if r.Session == 2 {
			last = append(last, r)
		}
	}
	require.NotEmpty(t, last)
	assert.Equal(t, uint64(0), last[0].Start)
	assert.Equal(t, uint64(40), last[len(last)-1].End)
	assert.Zero(t, e.ConcurrentCalls.Load())
}

func TestEngineFailure(t *testing.T) {
	errAt := uint64(10)
	e := &mock.Engine{
		Library: []*engine.Decoder{mock.Decoder("a")},
		ErrorAt: &errAt,
	}
	c := capture.NewSession(1000, []string{"data"})
	sig := newSignal(t, e, c, decode.WithChunkLength(4))
	events, cancel := sig.Subscribe(256)
	defer cancel()

	_, err := sig.StackDecoder("a")
	require.NoError(t, err)
	record(t, c, repeat(0, 40))

	ev := waitEvent(t, events, decode.DecodeError)
	assert.True(t, errors.Is(ev.Err, decode.ErrEngineFatal))
	assert.Equal(t, decode.Failed, sig.State())
	assert.True(t, errors.Is(sig.Err(), mock.ErrEngine))
	var engineErr *decode.EngineError
	require.ErrorAs(t, sig.Err(), &engineErr)
	assert.Equal(t, uint64(8), engineErr.Sample)
	assert.Contains(t, sig.ErrorMessage(), mock.ErrEngine.Error())

	// last decoded state is kept
	assert.Equal(t, uint64(8), sig.DecodedSampleCount(0, false))
	assert.Equal(t, uint64(12), sig.DecodedSampleCount(0, true))

	// clearing the capture resets
	c.Clear()
	assert.Equal(t, decode.Idle, sig.State())
	assert.Empty(t, sig.ErrorMessage())
}

func TestBeginErrors(t *testing.T) {
	e := &mock.Engine{Library: []*engine.Decoder{mock.Decoder("a")}}
	c := capture.NewSession(1000, []string{"d0"})
	sig := newSignal(t, e, c)

	assert.ErrorIs(t, sig.BeginDecode(), decode.ErrNoDecoders)
	assert.Equal(t, decode.ErrNoDecoders.Error(), sig.ErrorMessage())

	_, err := sig.StackDecoder("a")
	require.NoError(t, err)
	assert.Zero(t, sig.AssignedSignalCount())
	assert.ErrorIs(t, sig.BeginDecode(), decode.ErrInsufficientChannels)
	assert.Equal(t, decode.Idle, sig.State())

	// a capture with insufficient channels does not start decoding
	record(t, c, repeat(1, 10))
	assert.ErrorIs(t, sig.Err(), decode.ErrInsufficientChannels)
	assert.Equal(t, decode.Idle, sig.State())
	assert.Empty(t, sig.VisibleRows())

	// assignment clears the error and restarts
	require.NoError(t, sig.AssignSignal(0, c.Channels()[0]))
	assert.Empty(t, sig.ErrorMessage())
	waitDecoded(t, sig, 0, 10)
}

func TestConfiguration(t *testing.T) {
	lib := []*engine.Decoder{mock.Decoder("a"), mock.Decoder("b")}
	e := &mock.Engine{Library: lib}
	c := capture.NewSession(1000, []string{"data", "aux"})
	sig := newSignal(t, e, c)
	updates, cancel := sig.Subscribe(16)
	defer cancel()

	_, err := sig.StackDecoder("uart")
	assert.ErrorIs(t, err, decode.ErrUnknownDecoder)

	a, err := sig.StackDecoder("a")
	require.NoError(t, err)
	waitEvent(t, updates, decode.ChannelsUpdated)
	b, err := sig.StackDecoder("b")
	require.NoError(t, err)

	channels := sig.Channels()
	require.Len(t, channels, 4)
	for i, ch := range channels {
		assert.Equal(t, i, ch.ID)
		assert.NotNil(t, ch.Signal)
		assert.Equal(t, i, ch.BitID)
		assert.Equal(t, engine.PinSameAsSample0, ch.InitialPin)
	}
	assert.Equal(t, a, channels[0].Stage)
	assert.Equal(t, "aux", channels[1].Spec())
	assert.True(t, channels[1].Optional)
	assert.Equal(t, 2, sig.AssignedSignalCount())

	// unassigning keeps bit ids dense
	require.NoError(t, sig.AssignSignal(1, nil))
	channels = sig.Channels()
	assert.Equal(t, []int{0, -1, 1, 2}, []int{channels[0].BitID, channels[1].BitID, channels[2].BitID, channels[3].BitID})

	// moving keeps assignments
	require.NoError(t, sig.MoveDecoder(1, 0))
	assert.Equal(t, []*decode.Stage{b, a}, sig.DecoderStack())
	channels = sig.Channels()
	assert.Equal(t, b, channels[0].Stage)
	assert.Nil(t, channels[3].Signal)
	assert.NotNil(t, channels[2].Signal)

	require.NoError(t, sig.SetInitialPinState(2, engine.PinHigh))
	assert.Equal(t, engine.PinHigh, sig.Channels()[2].InitialPin)
	assert.Error(t, sig.SetInitialPinState(2, engine.PinState(9)))

	require.NoError(t, sig.SetDecoderOption(0, "level", 3))
	options, err := sig.DecoderOptions(0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"level": 3}, options)
	options, err = sig.DecoderOptions(1)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"level": int64(1)}, options)
	assert.ErrorIs(t, sig.SetDecoderOption(0, "speed", 3), decode.ErrUnknownOption)

	assert.ErrorIs(t, sig.RemoveDecoder(2), decode.ErrInvalidIndex)
	assert.ErrorIs(t, sig.MoveDecoder(0, -1), decode.ErrInvalidIndex)
	assert.ErrorIs(t, sig.AssignSignal(4, nil), decode.ErrInvalidChannel)
	assert.ErrorIs(t, sig.ToggleDecoderVisibility(3), decode.ErrInvalidIndex)
	assert.ErrorIs(t, sig.AutoAssignSignals(3), decode.ErrInvalidIndex)

	require.NoError(t, sig.RemoveDecoder(0))
	assert.Equal(t, []*decode.Stage{a}, sig.DecoderStack())
	require.Len(t, sig.Channels(), 2)
	assert.Equal(t, 1, sig.AssignedSignalCount())

	sig.Close()
	_, err = sig.StackDecoder("a")
	assert.ErrorIs(t, err, decode.ErrInvalidState)
	_, ok := <-updates
	for ok {
		_, ok = <-updates
	}
}

func TestVisibility(t *testing.T) {
	e := &mock.Engine{
		Library: []*engine.Decoder{mock.Decoder("a")},
		Script: func(s mock.Sample) []engine.Annotation {
			// class 1 has no row
			return []engine.Annotation{{Start: s.Index, End: s.Index, Class: int(s.Index % 2)}}
		},
	}
	c := capture.NewSession(1000, []string{"data"})
	sig := newSignal(t, e, c)
	st, err := sig.StackDecoder("a")
	require.NoError(t, err)
	record(t, c, repeat(1, 10))
	waitDecoded(t, sig, 0, 10)

	rows := sig.VisibleRows()
	require.Len(t, rows, 2)
	assert.Equal(t, annotation.DefaultRowIndex, rows[0].Index)
	assert.Equal(t, "a", rows[0].Title)
	assert.Len(t, sig.AnnotationSubset(rows[0], 0, 0, 10), 5)
	assert.Len(t, sig.AnnotationSubset(rows[1], 0, 0, 10), 5)

	require.NoError(t, sig.ToggleDecoderVisibility(0))
	assert.False(t, st.Shown())
	assert.Empty(t, sig.VisibleRows())
	// decoding is not restarted
	assert.Equal(t, uint64(10), sig.DecodedSampleCount(0, false))
	require.NoError(t, sig.ToggleDecoderVisibility(0))
	assert.Len(t, sig.VisibleRows(), 2)
}

func TestInitialPins(t *testing.T) {
	e := &mock.Engine{Library: []*engine.Decoder{mock.Decoder("a")}}
	c := capture.NewSession(1000, []string{"data"})
	sig := newSignal(t, e, c)
	_, err := sig.StackDecoder("a")
	require.NoError(t, err)
	record(t, c, []byte{1, 0, 0})
	waitDecoded(t, sig, 0, 3)
	// data follows the first sample, aux is unassigned
	assert.Equal(t, [][]uint8{{1, uint8(engine.PinSameAsSample0)}}, e.Hooks().Pins)

	require.NoError(t, sig.SetInitialPinState(0, engine.PinLow))
	waitDecoded(t, sig, 0, 3)
	assert.Equal(t, []uint8{0, uint8(engine.PinSameAsSample0)}, e.Hooks().Pins[1])
}

func TestSegments(t *testing.T) {
	e := &mock.Engine{
		Library: []*engine.Decoder{mock.Decoder("a")},
		Script: func(s mock.Sample) []engine.Annotation {
			return []engine.Annotation{{Start: s.Index, End: s.Index + 1}}
		},
	}
	c := capture.NewSession(1000, []string{"data"})
	sig := newSignal(t, e, c)
	events, cancel := sig.Subscribe(256)
	defer cancel()
	_, err := sig.StackDecoder("a")
	require.NoError(t, err)

	require.NoError(t, c.Start(time.Unix(0, 0)))
	require.NoError(t, c.Append(repeat(1, 5), 5))
	_, err = c.NewSegment(time.Unix(10, 0))
	require.NoError(t, err)
	require.NoError(t, c.Append(repeat(1, 3), 3))
	c.Finish()

	// segment 0 may be reported while segment 1 is not muxed yet
	for waitEvent(t, events, decode.DecodeFinished).Segment != 1 {
	}
	waitDecoded(t, sig, 1, 3)
	assert.Equal(t, uint64(5), sig.DecodedSampleCount(0, false))
	assert.Equal(t, 2, sig.SegmentCount())

	row := sig.VisibleRows()[0]
	assert.Len(t, sig.AnnotationSubset(row, 0, 0, 100), 5)
	assert.Len(t, sig.AnnotationSubset(row, 1, 0, 100), 3)

	h := e.Hooks()
	assert.Equal(t, 1, h.Sessions)
	assert.Equal(t, 1, h.Resets)
	assert.Equal(t, []uint64{1000, 1000}, h.SampleRates)
}

func TestMemoryLimit(t *testing.T) {
	e := &mock.Engine{Library: []*engine.Decoder{mock.Decoder("a")}}
	c := capture.NewSession(1000, []string{"data"})
	sig := newSignal(t, e, c, decode.WithMemoryLimit(1))
	events, cancel := sig.Subscribe(256)
	defer cancel()
	_, err := sig.StackDecoder("a")
	require.NoError(t, err)
	record(t, c, repeat(1, 10))

	waitEvent(t, events, decode.DecodeError)
	assert.Equal(t, decode.Failed, sig.State())
	assert.False(t, errors.Is(sig.Err(), decode.ErrEngineFatal))
}

func TestInvalidOption(t *testing.T) {
	_, err := decode.New(&mock.Engine{}, decode.Capture(capture.NewSession(1, []string{"a"})), decode.WithChunkLength(0))
	assert.Error(t, err)
}

// midRunEngine emits an annotation for every high sample of bit 0 and
// decodes slowly enough to be reconfigured mid-run.
func midRunEngine() *mock.Engine {
	return &mock.Engine{
		Library: []*engine.Decoder{mock.Decoder("a"), mock.Decoder("b")},
		Delay:   20 * time.Millisecond,
		Script: func(s mock.Sample) []engine.Annotation {
			if s.Bit(0) == 1 {
				return []engine.Annotation{{Start: s.Index, End: s.Index}}
			}
			return nil
		},
	}
}

// sessionSends returns Send calls of the session.
func sessionSends(e *mock.Engine, session int) []mock.Range {
	var sends []mock.Range
	for _, r := range e.Hooks().Sends {
		if r.Session == session {
			sends = append(sends, r)
		}
	}
	return sends
}

func TestOptionChangeMidRun(t *testing.T) {
	e := midRunEngine()
	c := capture.NewSession(1000, []string{"data"})
	sig := newSignal(t, e, c, decode.WithChunkLength(4))
	_, err := sig.StackDecoder("a")
	require.NoError(t, err)

	record(t, c, repeat(1, 40))
	require.Eventually(t, func() bool { return sig.DecodedSampleCount(0, false) >= 8 }, timeout, time.Millisecond)
	events, cancel := sig.Subscribe(1024)
	defer cancel()

	require.NoError(t, sig.SetDecoderOption(0, "level", int64(2)))
	waitEvent(t, events, decode.DecodeReset)
	assert.Zero(t, sig.DecodedSampleCount(0, false))

	waitDecoded(t, sig, 0, 40)
	rows := sig.VisibleRows()
	require.Len(t, rows, 1)
	assert.Len(t, sig.AnnotationSubset(rows[0], 0, 0, 40), 40)

	h := e.Hooks()
	assert.Equal(t, 2, h.Sessions)
	assert.Equal(t, int64(2), h.Configs[len(h.Configs)-1].Options["level"])
	sends := sessionSends(e, 2)
	require.NotEmpty(t, sends)
	assert.Equal(t, uint64(0), sends[0].Start)
	assert.Equal(t, uint64(40), sends[len(sends)-1].End)
	assert.Zero(t, e.ConcurrentCalls.Load())
}

func TestStackEditMidRun(t *testing.T) {
	e := midRunEngine()
	c := capture.NewSession(1000, []string{"d0"})
	sig := newSignal(t, e, c, decode.WithChunkLength(4))
	_, err := sig.StackDecoder("a")
	require.NoError(t, err)
	b, err := sig.StackDecoder("b")
	require.NoError(t, err)
	d0 := c.Channels()[0]
	require.NoError(t, sig.AssignSignal(0, d0))
	require.NoError(t, sig.AssignSignal(2, d0))

	record(t, c, repeat(1, 40))
	require.Eventually(t, func() bool { return sig.DecodedSampleCount(0, false) >= 8 }, timeout, time.Millisecond)
	events, cancel := sig.Subscribe(1024)
	defer cancel()

	require.NoError(t, sig.RemoveDecoder(0))
	waitEvent(t, events, decode.DecodeReset)
	assert.Zero(t, sig.DecodedSampleCount(0, false))
	assert.Equal(t, []*decode.Stage{b}, sig.DecoderStack())

	waitDecoded(t, sig, 0, 40)
	rows := sig.VisibleRows()
	require.Len(t, rows, 1)
	assert.Equal(t, b.ID(), rows[0].Decoder)
	assert.Len(t, sig.AnnotationSubset(rows[0], 0, 0, 40), 40)

	h := e.Hooks()
	assert.Equal(t, 2, h.Sessions)
	// two instances in the first session, one in the second
	assert.Len(t, h.Configs, 3)
	sends := sessionSends(e, 2)
	require.NotEmpty(t, sends)
	assert.Equal(t, uint64(0), sends[0].Start)
	assert.Equal(t, uint64(40), sends[len(sends)-1].End)
}

func TestStackedDecoders(t *testing.T) {
	c := capture.NewSession(1000, []string{"CLK", "DATA"})
	sig := newSignal(t, probe.New(), c)
	_, err := sig.StackDecoder("bits")
	require.NoError(t, err)
	_, err = sig.StackDecoder("count")
	require.NoError(t, err)
	require.NoError(t, sig.SetDecoderOption(1, "every", 2))
	assert.Equal(t, 2, sig.AssignedSignalCount())

	// rising clock edges at 1, 3, 5 and 7 with data 1, 0, 1, 0
	record(t, c, []byte{0, 3, 0, 1, 0, 3, 0, 1})
	waitDecoded(t, sig, 0, 8)

	rows := sig.VisibleRows()
	require.Len(t, rows, 2)
	assert.Equal(t, annotation.Row{Stage: 0, Decoder: sig.DecoderStack()[0].ID(), Index: 0, Title: "Bits"}, rows[0])
	assert.Equal(t, annotation.Row{Stage: 1, Decoder: sig.DecoderStack()[1].ID(), Index: annotation.DefaultRowIndex, Title: "Count"}, rows[1])

	bits := sig.AnnotationSubset(rows[0], 0, 0, 8)
	require.Len(t, bits, 4)
	assert.Equal(t, []string{"1", "0", "1", "0"}, []string{bits[0].Texts[1], bits[1].Texts[1], bits[2].Texts[1], bits[3].Texts[1]})

	groups := sig.AnnotationSubset(rows[1], 0, 0, 8)
	require.Len(t, groups, 2)
	assert.Equal(t, uint64(1), groups[0].Start)
	assert.Equal(t, uint64(3), groups[0].End)
	assert.Equal(t, uint64(5), groups[1].Start)
	assert.Equal(t, uint64(7), groups[1].End)
	assert.Equal(t, "2 annotations", groups[1].Text())
}

func TestInvalidOptionValue(t *testing.T) {
	c := capture.NewSession(1000, []string{"data"})
	record(t, c, []byte{0, 1, 1, 0, 0, 1, 0, 0})
	sig := newSignal(t, probe.New(), c)
	_, err := sig.StackDecoder("pulses")
	require.NoError(t, err)
	waitDecoded(t, sig, 0, 8)
	events, cancel := sig.Subscribe(256)
	defer cancel()

	err = sig.SetDecoderOption(0, "polarity", "sideways")
	assert.ErrorIs(t, err, decode.ErrInvalidOptionValue)
	err = sig.SetDecoderOption(0, "polarity", 1)
	assert.ErrorIs(t, err, decode.ErrInvalidOptionValue)

	// the running decode is not touched
	assert.Equal(t, decode.Running, sig.State())
	assert.NoError(t, sig.Err())
	assert.Equal(t, uint64(8), sig.DecodedSampleCount(0, false))
	options, err := sig.DecoderOptions(0)
	require.NoError(t, err)
	assert.Equal(t, "high", options["polarity"])

	err = sig.RestoreSettings(decode.Settings{Decoders: []decode.DecoderSettings{
		{Decoder: "pulses", Shown: true, Options: map[string]any{"polarity": "sideways"}},
	}})
	assert.ErrorIs(t, err, decode.ErrInvalidOptionValue)
	assert.Equal(t, decode.Running, sig.State())

	require.NoError(t, sig.SetDecoderOption(0, "polarity", "low"))
	waitDecoded(t, sig, 0, 8)
	assert.NotEqual(t, decode.Failed, sig.State())
	select {
	case e := <-events:
		assert.NotEqual(t, decode.DecodeError, e.Kind)
	default:
	}
}

func TestAutoAssignEmptyName(t *testing.T) {
	d := mock.Decoder("a")
	d.Channels = []engine.Channel{{ID: "data"}}
	c := capture.NewSession(1000, []string{"d0", "data"})
	sig := newSignal(t, &mock.Engine{Library: []*engine.Decoder{d}}, c)
	_, err := sig.StackDecoder("a")
	require.NoError(t, err)

	channels := sig.Channels()
	require.Len(t, channels, 2)
	assert.Nil(t, channels[0].Signal)
	assert.Equal(t, "aux", channels[1].Name)
	assert.Nil(t, channels[1].Signal)
	assert.Zero(t, sig.AssignedSignalCount())
}

// resets returns the number of discarded decodes counted for the signal.
func resets(t *testing.T, reg *prometheus.Registry, signal string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "decode_resets_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "signal" && l.GetValue() == signal {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestResetMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metric.New(reg)
	require.NoError(t, err)
	e := &mock.Engine{Library: []*engine.Decoder{mock.Decoder("a")}}
	c := capture.NewSession(1000, []string{"data"})
	sig := newSignal(t, e, c, decode.WithMetrics(m))

	// nothing to discard
	sig.ResetDecode()
	_, err = sig.StackDecoder("a")
	require.NoError(t, err)
	assert.Zero(t, resets(t, reg, t.Name()))

	// starting a decode does not count
	record(t, c, repeat(1, 16))
	waitDecoded(t, sig, 0, 16)
	assert.Zero(t, resets(t, reg, t.Name()))

	sig.ResetDecode()
	assert.Equal(t, 1.0, resets(t, reg, t.Name()))
	sig.ResetDecode()
	assert.Equal(t, 1.0, resets(t, reg, t.Name()))

	require.NoError(t, sig.BeginDecode())
	waitDecoded(t, sig, 0, 16)
	assert.Equal(t, 1.0, resets(t, reg, t.Name()))
}
