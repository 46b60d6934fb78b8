// Package segment provides an append-only sample store for one contiguous
// acquisition run.
//
// Samples have a fixed unit size and are kept in fixed-size chunks, so the
// store can grow to arbitrary length without reallocating what was already
// captured. Readers address samples by a flat index and never see chunk
// boundaries. All methods are safe for concurrent use: one goroutine appends
// while any number of goroutines read.
package segment

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// MaxChunkSize is the upper bound of a single chunk allocation in bytes.
const MaxChunkSize = 10 * 1024 * 1024

// ErrResourceExhausted is returned when the segment cannot grow any further.
var ErrResourceExhausted = errors.New("segment memory exhausted")

// Segment is a chunked, append-only buffer of fixed-width samples.
type Segment struct {
	id       uint32
	unitSize int

	// chunkSize is a whole number of samples, in bytes.
	chunkSize       int
	samplesPerChunk uint64
	memoryLimit     uint64

	mu         sync.RWMutex
	chunks     [][]byte
	count      uint64
	complete   bool
	sampleRate float64
	startTime  time.Time
}

// Option configures a Segment.
type Option func(*Segment)

// WithMaxChunkSize lowers the chunk size. Values are rounded down to a whole
// number of samples, but a chunk always holds at least one sample.
func WithMaxChunkSize(size int) Option {
	return func(s *Segment) {
		if size > 0 && size < MaxChunkSize {
			s.chunkSize = chunkSize(size, s.unitSize)
		}
	}
}

// WithMemoryLimit caps the total amount of chunk memory in bytes. Zero means
// unlimited.
func WithMemoryLimit(limit uint64) Option {
	return func(s *Segment) {
		s.memoryLimit = limit
	}
}

// WithStartTime sets the time of the first sample.
func WithStartTime(t time.Time) Option {
	return func(s *Segment) {
		s.startTime = t
	}
}

// New returns an empty segment. It panics if unitSize is not positive.
func New(id uint32, sampleRate float64, unitSize int, options ...Option) *Segment {
	if unitSize <= 0 {
		panic(fmt.Sprintf("segment: invalid unit size %d", unitSize))
	}
	s := &Segment{
		id:         id,
		unitSize:   unitSize,
		chunkSize:  chunkSize(MaxChunkSize, unitSize),
		sampleRate: sampleRate,
	}
	for _, option := range options {
		option(s)
	}
	s.samplesPerChunk = uint64(s.chunkSize / s.unitSize)
	return s
}

func chunkSize(limit, unitSize int) int {
	if limit < unitSize {
		return unitSize
	}
	return (limit / unitSize) * unitSize
}

// Append copies count samples from data to the end of the segment. It panics
// if data holds fewer than count samples. If the memory limit does not allow
// the required chunks, nothing is appended and ErrResourceExhausted is
// returned.
func (s *Segment) Append(data []byte, count uint64) error {
	size := count * uint64(s.unitSize)
	if uint64(len(data)) < size {
		panic(fmt.Sprintf("segment: append of %d samples with %d bytes", count, len(data)))
	}
	if count == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	needed := (s.count + count + s.samplesPerChunk - 1) / s.samplesPerChunk
	if needed > uint64(len(s.chunks)) && s.memoryLimit > 0 &&
		needed*uint64(s.chunkSize) > s.memoryLimit {
		return fmt.Errorf("%w: %d chunks of %d bytes exceed limit of %d bytes",
			ErrResourceExhausted, needed, s.chunkSize, s.memoryLimit)
	}
	for uint64(len(s.chunks)) < needed {
		s.chunks = append(s.chunks, make([]byte, s.chunkSize))
	}

	// bytes are copied before count moves, readers never observe a partial sample
	index := s.count
	for offset := uint64(0); offset < size; {
		chunk := s.chunks[index/s.samplesPerChunk]
		pos := (index % s.samplesPerChunk) * uint64(s.unitSize)
		n := uint64(copy(chunk[pos:], data[offset:size]))
		offset += n
		index += n / uint64(s.unitSize)
	}
	s.count += count
	return nil
}

// Read returns a copy of count samples starting at start. It panics unless
// start+count <= SampleCount().
func (s *Segment) Read(start, count uint64) []byte {
	dst := make([]byte, count*uint64(s.unitSize))
	s.ReadInto(dst, start, count)
	return dst
}

// ReadInto copies count samples starting at start into dst. It panics unless
// start+count <= SampleCount() and dst is large enough.
func (s *Segment) ReadInto(dst []byte, start, count uint64) {
	size := count * uint64(s.unitSize)
	if uint64(len(dst)) < size {
		panic(fmt.Sprintf("segment: read of %d samples into %d bytes", count, len(dst)))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if start+count > s.count || start+count < start {
		panic(fmt.Sprintf("segment: read [%d, %d) beyond sample count %d", start, start+count, s.count))
	}
	index := start
	for offset := uint64(0); offset < size; {
		chunk := s.chunks[index/s.samplesPerChunk]
		pos := (index % s.samplesPerChunk) * uint64(s.unitSize)
		n := uint64(copy(dst[offset:size], chunk[pos:]))
		offset += n
		index += n / uint64(s.unitSize)
	}
}

// SampleCount returns the number of samples appended so far.
func (s *Segment) SampleCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// SetComplete marks the segment as finished. No more samples will follow.
func (s *Segment) SetComplete() {
	s.mu.Lock()
	s.complete = true
	s.mu.Unlock()
}

// IsComplete reports whether SetComplete was called.
func (s *Segment) IsComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.complete
}

// SampleRate returns the nominal sample rate in Hz.
func (s *Segment) SampleRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sampleRate
}

// SetSampleRate updates the nominal sample rate.
func (s *Segment) SetSampleRate(rate float64) {
	s.mu.Lock()
	s.sampleRate = rate
	s.mu.Unlock()
}

// StartTime returns the time of the first sample.
func (s *Segment) StartTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startTime
}

// SetStartTime updates the time of the first sample.
func (s *Segment) SetStartTime(t time.Time) {
	s.mu.Lock()
	s.startTime = t
	s.mu.Unlock()
}

// UnitSize returns the size of one sample in bytes.
func (s *Segment) UnitSize() int {
	return s.unitSize
}

// ID returns the acquisition segment id.
func (s *Segment) ID() uint32 {
	return s.id
}

// ChunkSize returns the size of a single chunk in bytes.
func (s *Segment) ChunkSize() int {
	return s.chunkSize
}
