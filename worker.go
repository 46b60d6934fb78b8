package decode

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"pipelined.dev/decode/annotation"
	"pipelined.dev/decode/engine"
	"pipelined.dev/decode/internal/mux"
	"pipelined.dev/decode/internal/pool"
	"pipelined.dev/decode/metric"
	"pipelined.dev/decode/segment"
)

// run is one decode run. It holds an immutable snapshot of the
// configuration, so workers never touch the signal configuration.
type run struct {
	id          string
	signal      *Signal
	engine      engine.Engine
	chunkLength int
	unitSize    int
	logger      logrus.FieldLogger
	meter       *metric.Meter

	stages      []*Stage
	configs     []engine.InstanceConfig
	inputs      []Source
	pins        []pin
	rows        []rowInfo
	classRows   map[classKey]annotation.Row
	defaultRows []annotation.Row
	mux         *mux.Muxer

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	pending bool

	// owned by the decode goroutine
	stageOf map[string]int
	current *decodeSegment
	errs    error
}

// pin is the initial state of a channel of the bottom stage. Bit is -1 for
// unassigned channels.
type pin struct {
	state engine.PinState
	bit   int
}

// wake wakes the decode goroutine up.
func (r *run) wake() {
	r.mu.Lock()
	r.pending = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *run) wait(ctx context.Context) {
	r.mu.Lock()
	for !r.pending && ctx.Err() == nil {
		r.cond.Wait()
	}
	r.pending = false
	r.mu.Unlock()
}

// decode feeds muxed segments to a new engine session one after another.
// It returns nil when the context is done.
func (r *run) decode(ctx context.Context) error {
	stop := context.AfterFunc(ctx, r.wake)
	defer stop()

	session, err := r.engine.NewSession()
	if err != nil {
		return &EngineError{Err: fmt.Errorf("error creating session: %w", err)}
	}
	defer func() {
		if err := session.Close(); err != nil {
			r.logger.WithError(err).Warn("error closing session")
		}
	}()
	bottom, err := r.instantiate(session)
	if err != nil {
		return &EngineError{Err: err}
	}

	for id := uint32(0); ; id++ {
		out := r.next(ctx, id)
		if out == nil {
			return nil
		}
		if err := r.decodeSegment(ctx, session, bottom, id, out); err != nil {
			return err
		}
	}
}

// instantiate creates and stacks stage instances. It returns the bottom
// instance.
func (r *run) instantiate(session engine.Session) (engine.Instance, error) {
	r.stageOf = make(map[string]int, len(r.stages))
	var prev engine.Instance
	instances := make([]engine.Instance, len(r.stages))
	for i, st := range r.stages {
		inst, err := session.NewInstance(st.Decoder(), r.configs[i])
		if err != nil {
			return nil, fmt.Errorf("error creating instance of %s: %w", st.Decoder().ID, err)
		}
		r.stageOf[inst.ID()] = i
		if prev != nil {
			if err := session.Stack(prev, inst); err != nil {
				return nil, fmt.Errorf("error stacking %s on %s: %w", inst.ID(), prev.ID(), err)
			}
		}
		instances[i] = inst
		prev = inst
	}
	return instances[0], nil
}

// next waits for the muxed segment id. It returns nil when the context is
// done.
func (r *run) next(ctx context.Context, id uint32) *segment.Segment {
	finished := id == 0
	for ctx.Err() == nil {
		if out := r.mux.Segment(id); out != nil {
			return out
		}
		if !finished {
			r.logger.WithField("segment", id-1).Debug("decode finished")
			r.signal.emit(Event{Kind: DecodeFinished, Segment: id - 1})
			finished = true
		}
		r.wait(ctx)
	}
	return nil
}

// decodeSegment decodes the muxed segment until it is complete.
func (r *run) decodeSegment(ctx context.Context, session engine.Session, bottom engine.Instance, id uint32, out *segment.Segment) error {
	fail := func(sample uint64, err error) error {
		return &EngineError{Segment: id, Sample: sample, Err: err}
	}
	r.current = r.signal.openSegment(id, out)

	// initial pins may depend on the first sample
	for out.SampleCount() == 0 && !out.IsComplete() {
		if ctx.Err() != nil {
			return nil
		}
		r.wait(ctx)
	}
	if id > 0 {
		if err := session.Reset(); err != nil {
			return fail(0, err)
		}
	}
	if err := session.SetSampleRate(uint64(out.SampleRate())); err != nil {
		return fail(0, err)
	}
	if pins := r.initialPins(out); len(pins) > 0 {
		if err := session.SetInitialPins(bottom, pins); err != nil {
			return fail(0, err)
		}
	}
	if err := session.Start(r.handle); err != nil {
		return fail(0, err)
	}

	step := uint64(max(1, r.chunkLength/r.unitSize))
	p := pool.Get(int(step) * r.unitSize)
	buf := p.Alloc()
	defer p.Free(buf)

	var decoded uint64
	for ctx.Err() == nil {
		count := out.SampleCount()
		if decoded == count {
			if out.IsComplete() && out.SampleCount() == decoded {
				return nil
			}
			r.wait(ctx)
			continue
		}

		end := min(count, decoded+step)
		r.signal.processing(r.current, end)
		chunk := buf[:int(end-decoded)*r.unitSize]
		out.ReadInto(chunk, decoded, end-decoded)

		measure := r.meter.Chunk()
		err := session.Send(decoded, end, chunk, r.unitSize)
		if err == nil {
			err = r.errs
		}
		if err != nil {
			return fail(decoded, err)
		}
		measure(end - decoded)
		decoded = end
		r.signal.decoded(r.current, end)
		r.signal.emit(Event{Kind: NewAnnotations, Segment: id})
	}
	return nil
}

// initialPins resolves initial pin states of the bottom stage.
func (r *run) initialPins(out *segment.Segment) []uint8 {
	if len(r.pins) == 0 {
		return nil
	}
	var first []byte
	if out.SampleCount() > 0 {
		first = out.Read(0, 1)
	}
	pins := make([]uint8, len(r.pins))
	for i, p := range r.pins {
		switch {
		case p.state != engine.PinSameAsSample0:
			pins[i] = uint8(p.state)
		case p.bit >= 0 && first != nil:
			pins[i] = (first[p.bit/8] >> (p.bit % 8)) & 1
		default:
			pins[i] = uint8(engine.PinSameAsSample0)
		}
	}
	return pins
}

// handle routes annotations of the engine to rows of the current segment.
// It runs on the decode goroutine inside Send.
func (r *run) handle(inst engine.Instance, a engine.Annotation) {
	stage, ok := r.stageOf[inst.ID()]
	switch {
	case !ok:
		r.errs = fmt.Errorf("annotation from unknown instance %s", inst.ID())
		return
	case a.End < a.Start:
		r.errs = fmt.Errorf("annotation of %s ends at %d before start %d", inst.ID(), a.End, a.Start)
		return
	}
	row, ok := r.classRows[classKey{stage: stage, class: a.Class}]
	if !ok {
		row = r.defaultRows[stage]
	}
	r.signal.push(r.current, row, annotation.Annotation(a))
	r.meter.Annotation()
}
