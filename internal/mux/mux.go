// Package mux packs single-bit logic channels into one multi-bit sample
// stream.
package mux

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"pipelined.dev/decode/internal/pool"
	"pipelined.dev/decode/log"
	"pipelined.dev/decode/metric"
	"pipelined.dev/decode/segment"
)

// DefaultChunkLength is the default size of a single read from inputs in
// bytes.
const DefaultChunkLength = 256 * 1024

// Input is one logic channel. Bit selects the bit of the source sample.
type Input struct {
	// Source returns the segment of the acquisition segment id or nil if
	// it does not exist yet.
	Source func(id uint32) *segment.Segment
	Bit    int
}

// Config configures a Muxer.
type Config struct {
	Inputs []Input
	// SegmentCount returns the number of acquisition segments.
	SegmentCount func() int
	// ChunkLength limits a single read from inputs in bytes.
	ChunkLength int
	// SegmentOptions are applied to every output segment.
	SegmentOptions []segment.Option
	// OnProgress is called after samples were appended to the output
	// segment and after it was marked complete.
	OnProgress func(id uint32)
	Logger     logrus.FieldLogger
	Meter      *metric.Meter
}

// Muxer multiplexes inputs into output segments, one per acquisition
// segment. Output bit i of every sample holds the input i.
type Muxer struct {
	cfg      Config
	unitSize int

	mu       sync.Mutex
	cond     *sync.Cond
	pending  bool
	segments []*segment.Segment
}

// New returns a muxer. It panics if there are no inputs.
func New(cfg Config) *Muxer {
	if len(cfg.Inputs) == 0 {
		panic("mux: no inputs")
	}
	if cfg.ChunkLength <= 0 {
		cfg.ChunkLength = DefaultChunkLength
	}
	if cfg.Logger == nil {
		cfg.Logger = log.GetLogger()
	}
	if cfg.SegmentCount == nil {
		cfg.SegmentCount = func() int { return 1 }
	}
	m := &Muxer{
		cfg:      cfg,
		unitSize: UnitSize(len(cfg.Inputs)),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// UnitSize returns the number of bytes needed for n bits.
func UnitSize(n int) int {
	return (n + 7) / 8
}

// UnitSize returns the size of an output sample in bytes.
func (m *Muxer) UnitSize() int {
	return m.unitSize
}

// Notify wakes the muxer up. It must be called whenever inputs receive new
// samples or acquisition state changes.
func (m *Muxer) Notify() {
	m.mu.Lock()
	m.pending = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Segment returns the output segment for acquisition segment id or nil if
// muxing did not reach it yet.
func (m *Muxer) Segment(id uint32) *segment.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(id) < len(m.segments) {
		return m.segments[id]
	}
	return nil
}

// SegmentCount returns the number of output segments.
func (m *Muxer) SegmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.segments)
}

// WorkingSampleCount returns the number of samples available in all inputs
// of the segment.
func (m *Muxer) WorkingSampleCount(id uint32) uint64 {
	sources, ok := m.sources(id)
	if !ok {
		return 0
	}
	return available(sources)
}

// Run muxes until the context is done. It returns nil on cancellation and
// an error if an output segment cannot grow.
func (m *Muxer) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, m.Notify)
	defer stop()

	var id uint32
	for ctx.Err() == nil {
		sources, ok := m.sources(id)
		if !ok {
			m.wait(ctx)
			continue
		}
		out := m.output(id, sources[0])
		if err := m.mux(ctx, id, sources, out); err != nil {
			return fmt.Errorf("error muxing segment %d: %w", id, err)
		}
		if ctx.Err() != nil {
			break
		}

		// move on only when everything available was muxed
		if out.SampleCount() == available(sources) {
			next := int(id)+1 < m.cfg.SegmentCount()
			if next || complete(sources) {
				if !out.IsComplete() {
					out.SetComplete()
					m.cfg.Logger.WithField("segment", id).Debug("segment muxed")
					m.progress(id)
				}
			}
			if next {
				id++
				continue
			}
		}
		m.wait(ctx)
	}
	return nil
}

func (m *Muxer) wait(ctx context.Context) {
	m.mu.Lock()
	for !m.pending && ctx.Err() == nil {
		m.cond.Wait()
	}
	m.pending = false
	m.mu.Unlock()
}

func (m *Muxer) progress(id uint32) {
	if m.cfg.OnProgress != nil {
		m.cfg.OnProgress(id)
	}
}

// sources returns the input segments of acquisition segment id.
func (m *Muxer) sources(id uint32) ([]*segment.Segment, bool) {
	sources := make([]*segment.Segment, len(m.cfg.Inputs))
	for i, in := range m.cfg.Inputs {
		if sources[i] = in.Source(id); sources[i] == nil {
			return nil, false
		}
	}
	return sources, true
}

// output returns the output segment, creating it on first use.
func (m *Muxer) output(id uint32, first *segment.Segment) *segment.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.segments) <= int(id) {
		n := uint32(len(m.segments))
		options := append([]segment.Option{segment.WithStartTime(first.StartTime())}, m.cfg.SegmentOptions...)
		m.segments = append(m.segments, segment.New(n, first.SampleRate(), m.unitSize, options...))
	}
	return m.segments[id]
}

// mux appends all samples available in sources to out.
func (m *Muxer) mux(ctx context.Context, id uint32, sources []*segment.Segment, out *segment.Segment) error {
	// samples per read limited by the widest unit
	width := m.unitSize
	for _, s := range sources {
		width = max(width, s.UnitSize())
	}
	step := uint64(max(1, m.cfg.ChunkLength/width))

	planes := make([]Plane, len(sources))
	for i, s := range sources {
		p := pool.Get(int(step) * s.UnitSize())
		planes[i] = Plane{Data: p.Alloc(), UnitSize: s.UnitSize(), Bit: m.cfg.Inputs[i].Bit}
		defer p.Free(planes[i].Data)
	}
	p := pool.Get(int(step) * m.unitSize)
	packed := p.Alloc()
	defer p.Free(packed)

	for {
		muxed, avail := out.SampleCount(), available(sources)
		if muxed >= avail || ctx.Err() != nil {
			return nil
		}
		count := min(avail-muxed, step)
		for i, s := range sources {
			s.ReadInto(planes[i].Data, muxed, count)
		}
		Pack(packed, planes, int(count))
		if err := out.Append(packed, count); err != nil {
			return err
		}
		m.cfg.Meter.Muxed(count)
		m.progress(id)
	}
}

func available(sources []*segment.Segment) uint64 {
	n := sources[0].SampleCount()
	for _, s := range sources[1:] {
		n = min(n, s.SampleCount())
	}
	return n
}

func complete(sources []*segment.Segment) bool {
	for _, s := range sources {
		if !s.IsComplete() {
			return false
		}
	}
	return true
}

// Plane is a run of input samples.
type Plane struct {
	Data     []byte
	UnitSize int
	Bit      int
}

// Pack writes count samples to dst. Bit i of every output sample is the bit
// planes[i].Bit of the matching sample of planes[i]. Output samples are
// UnitSize(len(planes)) bytes wide and dst must hold all of them.
func Pack(dst []byte, planes []Plane, count int) {
	unitSize := UnitSize(len(planes))
	dst = dst[:count*unitSize]
	clear(dst)
	for i, p := range planes {
		inByte, inMask := p.Bit/8, byte(1)<<(p.Bit%8)
		outByte, outMask := i/8, byte(1)<<(i%8)
		for n := 0; n < count; n++ {
			if p.Data[n*p.UnitSize+inByte]&inMask != 0 {
				dst[n*unitSize+outByte] |= outMask
			}
		}
	}
}
