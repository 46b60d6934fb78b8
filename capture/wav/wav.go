// Package wav imports WAV files as logic captures. Every audio channel
// becomes a logic channel that is high while the sample exceeds a
// threshold.
package wav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"

	"pipelined.dev/decode/capture"
	"pipelined.dev/decode/log"
	"pipelined.dev/decode/segment"
)

var (
	// ErrInvalidFile is returned when the input is not a WAV file.
	ErrInvalidFile = errors.New("wav is not valid")
	// ErrUnsupportedBitDepth is returned when unsupported bit depth is used.
	ErrUnsupportedBitDepth = errors.New("only 8, 16, 24 and 32 bit depth is supported")
)

// DefaultBufferSize is the number of frames read at once.
const DefaultBufferSize = 4096

// Reader reads logic samples from a WAV stream.
type Reader struct {
	decoder    *wav.Decoder
	threshold  float64
	bufferSize int
	start      time.Time
	logger     logrus.FieldLogger
}

// Option configures a Reader.
type Option func(*Reader)

// WithThreshold sets the high level as a fraction of full scale. Default
// is 0.5.
func WithThreshold(threshold float64) Option {
	return func(r *Reader) {
		r.threshold = threshold
	}
}

// WithBufferSize sets the number of frames per read.
func WithBufferSize(size int) Option {
	return func(r *Reader) {
		if size > 0 {
			r.bufferSize = size
		}
	}
}

// WithStartTime sets the start time of the captured segment.
func WithStartTime(t time.Time) Option {
	return func(r *Reader) {
		r.start = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(r *Reader) {
		r.logger = logger
	}
}

// NewReader validates the WAV header.
func NewReader(rs io.ReadSeeker, options ...Option) (*Reader, error) {
	decoder := wav.NewDecoder(rs)
	if !decoder.IsValidFile() {
		return nil, ErrInvalidFile
	}
	switch decoder.BitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedBitDepth, decoder.BitDepth)
	}
	r := &Reader{
		decoder:    decoder,
		threshold:  0.5,
		bufferSize: DefaultBufferSize,
		logger:     log.GetLogger(),
	}
	for _, option := range options {
		option(r)
	}
	return r, nil
}

// NumChannels returns the number of channels.
func (r *Reader) NumChannels() int {
	return int(r.decoder.NumChans)
}

// SampleRate returns the sample rate in Hz.
func (r *Reader) SampleRate() int {
	return int(r.decoder.SampleRate)
}

// ChannelNames returns the names of logic channels: CH1, CH2 and so on.
func (r *Reader) ChannelNames() []string {
	names := make([]string, r.NumChannels())
	for i := range names {
		names[i] = "CH" + strconv.Itoa(i+1)
	}
	return names
}

// NewSession returns an idle capture session matching the stream.
func (r *Reader) NewSession(options ...segment.Option) *capture.Session {
	return capture.NewSession(float64(r.SampleRate()), r.ChannelNames(), options...)
}

// Import captures the whole stream into a single segment of the session.
// The session is finished when the stream ends, including on error.
func (r *Reader) Import(ctx context.Context, s *capture.Session) error {
	numChannels := r.NumChannels()
	if len(s.Channels()) != numChannels {
		return fmt.Errorf("session has %d channels, wav has %d", len(s.Channels()), numChannels)
	}
	if err := s.Start(r.start); err != nil {
		return err
	}
	defer s.Finish()

	ib := &audio.IntBuffer{
		Format:         r.decoder.Format(),
		Data:           make([]int, r.bufferSize*numChannels),
		SourceBitDepth: int(r.decoder.BitDepth),
	}
	unitSize := s.UnitSize()
	packed := make([]byte, r.bufferSize*unitSize)
	level := r.level()
	var total uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.decoder.PCMBuffer(ib)
		if err != nil {
			return fmt.Errorf("error reading wav: %w", err)
		}
		if n == 0 {
			break
		}
		frames := n / numChannels
		clear(packed[:frames*unitSize])
		for i, v := range ib.Data[:frames*numChannels] {
			if v > level {
				frame, ch := i/numChannels, i%numChannels
				packed[frame*unitSize+ch/8] |= 1 << (ch % 8)
			}
		}
		if err := s.Append(packed, uint64(frames)); err != nil {
			return err
		}
		total += uint64(frames)
	}
	r.logger.WithFields(logrus.Fields{
		"samples":  total,
		"channels": numChannels,
	}).Debug("wav imported")
	return nil
}

// level converts the threshold to a raw sample value. 8 bit samples are
// unsigned.
func (r *Reader) level() int {
	full := float64(int(1) << (r.decoder.BitDepth - 1))
	if r.decoder.BitDepth == 8 {
		return int(full + r.threshold*full)
	}
	return int(r.threshold * full)
}
