package decode

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pipelined.dev/decode/annotation"
	"pipelined.dev/decode/engine"
	"pipelined.dev/decode/internal/mux"
	"pipelined.dev/decode/log"
	"pipelined.dev/decode/metric"
	"pipelined.dev/decode/segment"
)

// DefaultChunkLength is the default number of bytes of muxed samples sent
// to the decoder engine at once.
const DefaultChunkLength = 256 * 1024

// Signal decodes logic signals of an acquisition with a stack of decoders.
//
// Configuration methods change the stack and channel assignment. Every
// change discards decoded data and restarts decoding if it was running or
// the acquisition has data. Query methods can be called from any goroutine
// in any state and never wait for the workers.
type Signal struct {
	name        string
	engine      engine.Engine
	acq         Acquisition
	logger      logrus.FieldLogger
	metrics     *metric.Metrics
	meter       *metric.Meter
	chunkLength int
	memoryLimit uint64

	// cfgMu guards the configuration and the worker lifecycle.
	cfgMu    sync.Mutex
	stack    []*Stage
	channels []*Channel
	run      *run
	closed   bool

	// outMu guards decoded data and published configuration.
	outMu     sync.RWMutex
	state     State
	current   *run
	segments  []*decodeSegment
	rows      []rowInfo
	err       error
	published []Channel
	stackView []*Stage
	inputs    []Source

	subMu sync.RWMutex
	subs  map[chan Event]struct{}
}

// decodeSegment is the decoded data of one acquisition segment.
type decodeSegment struct {
	rows       map[annotation.Row]*annotation.RowData
	startTime  time.Time
	sampleRate float64
	// decodedExcl samples are decoded, decodedIncl includes the chunk in
	// progress.
	decodedExcl uint64
	decodedIncl uint64
}

// rowInfo is a row of the running stack.
type rowInfo struct {
	row   annotation.Row
	stage *Stage
	// fallback rows are shown only with data.
	fallback bool
}

// Option provides a way to set functional parameters to a signal.
type Option func(*Signal) error

// WithName sets the name used in logs and metrics.
func WithName(name string) Option {
	return func(s *Signal) error {
		s.name = name
		return nil
	}
}

// WithLogger sets the logger. If this option is not provided, the package
// logger is used.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Signal) error {
		s.logger = logger
		return nil
	}
}

// WithMetrics enables metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Signal) error {
		s.metrics = m
		return nil
	}
}

// WithChunkLength sets the number of bytes sent to the engine at once.
func WithChunkLength(n int) Option {
	return func(s *Signal) error {
		if n <= 0 {
			return fmt.Errorf("invalid chunk length %d", n)
		}
		s.chunkLength = n
		return nil
	}
}

// WithMemoryLimit limits memory of every muxed segment in bytes.
func WithMemoryLimit(limit uint64) Option {
	return func(s *Signal) error {
		s.memoryLimit = limit
		return nil
	}
}

// New returns an idle signal with an empty decoder stack.
func New(e engine.Engine, acq Acquisition, options ...Option) (*Signal, error) {
	s := &Signal{
		name:        xid.New().String(),
		engine:      e,
		acq:         acq,
		chunkLength: DefaultChunkLength,
		subs:        make(map[chan Event]struct{}),
	}
	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}
	if s.logger == nil {
		s.logger = log.GetLogger()
	}
	s.logger = s.logger.WithField("signal", s.name)
	s.meter = s.metrics.Meter(s.name)
	return s, nil
}

// Name returns the name of the signal.
func (s *Signal) Name() string {
	return s.name
}

// Close stops decoding and closes event subscriptions. Configuration
// methods return ErrInvalidState afterwards.
func (s *Signal) Close() {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if s.closed {
		return
	}
	s.reset()
	s.closed = true
	s.closeSubscriptions()
}

// ResetDecode stops the workers and discards decoded data and errors.
func (s *Signal) ResetDecode() {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.reset()
}

// BeginDecode restarts decoding from the first sample.
func (s *Signal) BeginDecode() error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if s.closed {
		return ErrInvalidState
	}
	return s.begin()
}

// reset must be called with cfgMu held.
func (s *Signal) reset() {
	discarded := s.run != nil
	if r := s.run; r != nil {
		r.cancel()
		<-r.done
		s.run = nil
	}
	s.outMu.Lock()
	discarded = discarded || len(s.segments) > 0
	s.current = nil
	s.segments = nil
	s.rows = nil
	s.err = nil
	s.setState(Idle)
	s.outMu.Unlock()

	if discarded {
		s.meter.Reset()
	}
	s.meter.Running(false)
	s.emit(Event{Kind: DecodeReset})
}

// validate must be called with cfgMu held.
func (s *Signal) validate() error {
	if len(s.stack) == 0 {
		return ErrNoDecoders
	}
	var assigned int
	for _, ch := range s.channels {
		switch {
		case ch.Signal != nil:
			assigned++
		case !ch.Optional:
			return fmt.Errorf("%w: %s of %s", ErrInsufficientChannels, ch.Name, ch.Stage.Decoder().ID)
		}
	}
	if assigned == 0 {
		return ErrInsufficientChannels
	}
	return nil
}

// begin must be called with cfgMu held.
func (s *Signal) begin() error {
	s.reset()
	if err := s.validate(); err != nil {
		s.outMu.Lock()
		s.err = err
		s.outMu.Unlock()
		return err
	}

	r := s.newRun()
	var segments []*decodeSegment
	for id := 0; id < s.acq.SegmentCount(); id++ {
		if seg := r.inputs[0].Segment(uint32(id)); seg != nil {
			segments = append(segments, newDecodeSegment(seg))
		}
	}

	s.outMu.Lock()
	s.current = r
	s.segments = segments
	s.rows = r.rows
	s.setState(Running)
	s.outMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	r.cancel = cancel
	g.Go(func() error { return r.mux.Run(gctx) })
	g.Go(func() error { return r.decode(gctx) })
	go func() {
		defer close(r.done)
		if err := g.Wait(); err != nil {
			s.fail(r, err)
		}
	}()
	s.run = r
	s.meter.Running(true)
	r.logger.WithField("segments", len(segments)).Debug("decode started")
	return nil
}

func newDecodeSegment(seg *segment.Segment) *decodeSegment {
	return &decodeSegment{
		rows:       make(map[annotation.Row]*annotation.RowData),
		startTime:  seg.StartTime(),
		sampleRate: seg.SampleRate(),
	}
}

// fail stores the error of a run unless it was reset already.
func (s *Signal) fail(r *run, err error) {
	s.outMu.Lock()
	if s.current != r {
		s.outMu.Unlock()
		return
	}
	s.err = err
	s.setState(Failed)
	s.outMu.Unlock()

	s.meter.Error()
	s.meter.Running(false)
	r.logger.WithError(err).Error("decode failed")
	s.emit(Event{Kind: DecodeError, Err: err})
}

// openSegment returns the decode segment of acquisition segment id,
// creating it if needed.
func (s *Signal) openSegment(id uint32, out *segment.Segment) *decodeSegment {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	for len(s.segments) <= int(id) {
		s.segments = append(s.segments, newDecodeSegment(out))
	}
	ds := s.segments[id]
	ds.sampleRate = out.SampleRate()
	ds.startTime = out.StartTime()
	return ds
}

func (s *Signal) push(ds *decodeSegment, row annotation.Row, a annotation.Annotation) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	data, ok := ds.rows[row]
	if !ok {
		data = &annotation.RowData{}
		ds.rows[row] = data
	}
	data.Push(a)
}

func (s *Signal) processing(ds *decodeSegment, end uint64) {
	s.outMu.Lock()
	ds.decodedIncl = end
	s.outMu.Unlock()
}

func (s *Signal) decoded(ds *decodeSegment, end uint64) {
	s.outMu.Lock()
	ds.decodedExcl = end
	s.outMu.Unlock()
}

// DecodedSampleCount returns the number of decoded samples of the segment.
// With includeProcessing the chunk currently in the engine is counted.
func (s *Signal) DecodedSampleCount(id uint32, includeProcessing bool) uint64 {
	s.outMu.RLock()
	defer s.outMu.RUnlock()
	if int(id) >= len(s.segments) {
		return 0
	}
	if includeProcessing {
		return s.segments[id].decodedIncl
	}
	return s.segments[id].decodedExcl
}

// WorkingSampleCount returns the number of samples available in all
// assigned signals of the segment.
func (s *Signal) WorkingSampleCount(id uint32) uint64 {
	s.outMu.RLock()
	inputs := s.inputs
	s.outMu.RUnlock()
	if len(inputs) == 0 {
		return 0
	}
	var count uint64
	for i, in := range inputs {
		seg := in.Segment(id)
		if seg == nil {
			return 0
		}
		if n := seg.SampleCount(); i == 0 || n < count {
			count = n
		}
	}
	return count
}

// AnnotationSubset returns annotations of the row intersecting samples
// [start, end) of the segment, sorted by start sample. It panics if start
// is greater than end.
func (s *Signal) AnnotationSubset(row annotation.Row, id uint32, start, end uint64) []annotation.Annotation {
	if start > end {
		panic(fmt.Sprintf("decode: invalid range [%d, %d)", start, end))
	}
	s.outMu.RLock()
	defer s.outMu.RUnlock()
	if int(id) >= len(s.segments) {
		return nil
	}
	data, ok := s.segments[id].rows[row]
	if !ok {
		return nil
	}
	return data.Subset(start, end)
}

// VisibleRows returns rows of shown stages ordered by stage and row index.
func (s *Signal) VisibleRows() []annotation.Row {
	s.outMu.RLock()
	defer s.outMu.RUnlock()
	var rows []annotation.Row
	for _, ri := range s.rows {
		if !ri.stage.Shown() {
			continue
		}
		if ri.fallback && !s.hasData(ri.row) {
			continue
		}
		rows = append(rows, ri.row)
	}
	return rows
}

// hasData must be called with outMu held.
func (s *Signal) hasData(row annotation.Row) bool {
	for _, ds := range s.segments {
		if data, ok := ds.rows[row]; ok && data.Len() > 0 {
			return true
		}
	}
	return false
}

// ErrorMessage returns the error of the last begin or run, or empty string.
func (s *Signal) ErrorMessage() string {
	if err := s.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// Err returns the error of the last begin or run.
func (s *Signal) Err() error {
	s.outMu.RLock()
	defer s.outMu.RUnlock()
	return s.err
}

// SegmentCount returns the number of decode segments.
func (s *Signal) SegmentCount() int {
	s.outMu.RLock()
	defer s.outMu.RUnlock()
	return len(s.segments)
}

// SampleRate returns the sample rate of the first segment or 0.
func (s *Signal) SampleRate() float64 {
	if seg := s.firstSegment(); seg != nil {
		return seg.SampleRate()
	}
	s.outMu.RLock()
	defer s.outMu.RUnlock()
	if len(s.segments) > 0 {
		return s.segments[0].sampleRate
	}
	return 0
}

// StartTime returns the start time of the first segment.
func (s *Signal) StartTime() time.Time {
	if seg := s.firstSegment(); seg != nil {
		return seg.StartTime()
	}
	s.outMu.RLock()
	defer s.outMu.RUnlock()
	if len(s.segments) > 0 {
		return s.segments[0].startTime
	}
	return time.Time{}
}

func (s *Signal) firstSegment() *segment.Segment {
	s.outMu.RLock()
	inputs := s.inputs
	s.outMu.RUnlock()
	if len(inputs) == 0 {
		return nil
	}
	return inputs[0].Segment(0)
}

// Channels returns a copy of the channel list.
func (s *Signal) Channels() []Channel {
	s.outMu.RLock()
	defer s.outMu.RUnlock()
	return append([]Channel(nil), s.published...)
}

// DecoderStack returns the stages of the stack from bottom to top.
func (s *Signal) DecoderStack() []*Stage {
	s.outMu.RLock()
	defer s.outMu.RUnlock()
	return append([]*Stage(nil), s.stackView...)
}

// publish must be called with cfgMu held after every change of the stack
// or channels.
func (s *Signal) publish() {
	channels := make([]Channel, len(s.channels))
	var inputs []Source
	for i, ch := range s.channels {
		channels[i] = *ch
		if ch.Signal != nil {
			inputs = append(inputs, ch.Signal)
		}
	}
	s.outMu.Lock()
	s.published = channels
	s.stackView = append([]*Stage(nil), s.stack...)
	s.inputs = inputs
	s.outMu.Unlock()
}

// classKey identifies an annotation class of a stage.
type classKey struct {
	stage int
	class int
}

// rowsOf maps annotation classes of the stack to rows.
func rowsOf(stack []*Stage) ([]rowInfo, map[classKey]annotation.Row, []annotation.Row) {
	var (
		rows     []rowInfo
		classes  = make(map[classKey]annotation.Row)
		defaults = make([]annotation.Row, len(stack))
	)
	for i, st := range stack {
		d := st.Decoder()
		defaults[i] = annotation.Row{
			Stage:   i,
			Decoder: st.ID(),
			Index:   annotation.DefaultRowIndex,
			Title:   d.Name,
		}
		rows = append(rows, rowInfo{row: defaults[i], stage: st, fallback: len(d.AnnotationRows) > 0})
		for j, ar := range d.AnnotationRows {
			row := annotation.Row{Stage: i, Decoder: st.ID(), Index: j, Title: ar.Desc}
			rows = append(rows, rowInfo{row: row, stage: st})
			for _, c := range ar.Classes {
				classes[classKey{stage: i, class: c}] = row
			}
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].row.Less(rows[j].row) })
	return rows, classes, defaults
}

// newRun snapshots the configuration. It must be called with cfgMu held.
func (s *Signal) newRun() *run {
	r := &run{
		id:          xid.New().String(),
		signal:      s,
		engine:      s.engine,
		chunkLength: s.chunkLength,
		meter:       s.meter,
		stages:      append([]*Stage(nil), s.stack...),
		configs:     make([]engine.InstanceConfig, len(s.stack)),
		done:        make(chan struct{}),
	}
	r.logger = s.logger.WithField("run", r.id)
	r.cond = sync.NewCond(&r.mu)
	r.rows, r.classRows, r.defaultRows = rowsOf(r.stages)

	index := make(map[*Stage]int, len(s.stack))
	for i, st := range s.stack {
		index[st] = i
		r.configs[i] = engine.InstanceConfig{
			Options:  st.options(),
			Channels: make(map[string]int),
		}
	}
	var inputs []mux.Input
	for _, ch := range s.channels {
		i := index[ch.Stage]
		if ch.Signal != nil {
			r.configs[i].Channels[ch.spec] = ch.BitID
			r.inputs = append(r.inputs, ch.Signal)
			inputs = append(inputs, mux.Input{Source: ch.Signal.Segment, Bit: ch.Signal.BitIndex()})
		}
		if i == 0 {
			r.pins = append(r.pins, pin{state: ch.InitialPin, bit: ch.BitID})
		}
	}

	var options []segment.Option
	if s.memoryLimit > 0 {
		options = append(options, segment.WithMemoryLimit(s.memoryLimit))
	}
	r.mux = mux.New(mux.Config{
		Inputs:         inputs,
		SegmentCount:   s.acq.SegmentCount,
		ChunkLength:    s.chunkLength,
		SegmentOptions: options,
		OnProgress:     func(uint32) { r.wake() },
		Logger:         r.logger,
		Meter:          s.meter,
	})
	r.unitSize = r.mux.UnitSize()
	return r
}
