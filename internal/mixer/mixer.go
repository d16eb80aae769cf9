// Package mixer merges several independently arriving PCM audio tracks into
// one interleaved stream on a steady clock.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"hls-segmenter/internal/platform/metrics"
)

const (
	// FeedInterval is the amount of media requested from the tracks per tick.
	FeedInterval = 100 * time.Millisecond
	// IdleWait is how long the feeder sleeps when nothing could be mixed.
	IdleWait = 200 * time.Millisecond

	MaxChannels = 8
)

var (
	ErrTrackExists     = errors.New("mixer: track already exists")
	ErrInvalidChannels = errors.New("mixer: invalid channel count")
	ErrFinished        = errors.New("mixer: finished")
)

// Output receives the mixed stream. The mixer does not own it.
type Output interface {
	EnqueueAudio(samples []int16, ts time.Duration)
	MarkLast()
}

// Options configures a Mixer.
type Options struct {
	SampleRate    int
	InsertSilence bool
	// OutputChannels, when set, is the channel layout delivered to the
	// output regardless of the track layouts.
	OutputChannels int
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Mixer owns a set of tracks and a feeder loop that forwards their mix.
type Mixer struct {
	name           string
	sampleRate     int
	insertSilence  bool
	outputChannels int
	log            *slog.Logger
	metrics        *metrics.Metrics

	mu          sync.RWMutex
	tracks      []*Track
	maxChannels int
	output      Output

	finished atomic.Bool
	done     chan struct{}
	clock    time.Duration
}

func New(name string, opts Options) *Mixer {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 44100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Mixer{
		name:           name,
		sampleRate:     opts.SampleRate,
		insertSilence:  opts.InsertSilence,
		outputChannels: opts.OutputChannels,
		log:            opts.Logger.With(slog.String("mixer", name)),
		metrics:        opts.Metrics,
		done:           make(chan struct{}),
	}
}

func (m *Mixer) Name() string    { return m.name }
func (m *Mixer) SampleRate() int { return m.sampleRate }

// SetOutput attaches the sink for the mixed stream.
func (m *Mixer) SetOutput(o Output) {
	m.mu.Lock()
	m.output = o
	m.mu.Unlock()
}

// AddTrack registers a new track. The output channel count only grows.
func (m *Mixer) AddTrack(name string, channels int) (*Track, error) {
	if channels < 1 || channels > MaxChannels {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannels, channels)
	}
	if m.finished.Load() {
		return nil, ErrFinished
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tracks {
		if t.name == name {
			return nil, fmt.Errorf("%w: %s", ErrTrackExists, name)
		}
	}
	t := newTrack(name, channels)
	m.tracks = append(m.tracks, t)
	if channels > m.maxChannels {
		m.maxChannels = channels
	}
	m.log.Debug("track added", slog.String("track", name), slog.Int("channels", channels))
	return t, nil
}

// RemoveTrack drops a track and its buffered samples.
func (m *Mixer) RemoveTrack(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, t := range m.tracks {
		if t.name == name {
			t.clear()
			m.tracks = append(m.tracks[:i], m.tracks[i+1:]...)
			m.log.Debug("track removed", slog.String("track", name))
			return true
		}
	}
	return false
}

// Track returns the named track, or nil.
func (m *Mixer) Track(name string) *Track {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tracks {
		if t.name == name {
			return t
		}
	}
	return nil
}

// PushData queues samples on the named track. It returns false for unknown
// tracks and when the track backlog is full.
func (m *Mixer) PushData(name string, samples []int16) bool {
	t := m.Track(name)
	if t == nil {
		return false
	}
	if !t.push(samples) {
		if m.metrics != nil {
			m.metrics.IncMixerRejected()
		}
		return false
	}
	return true
}

// Channels returns the channel count of mixed output, the maximum over all
// tracks ever added.
func (m *Mixer) Channels() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxChannels
}

func (m *Mixer) snapshot() ([]*Track, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tracks := make([]*Track, len(m.tracks))
	copy(tracks, m.tracks)
	return tracks, m.maxChannels
}

// ComputeResultSize returns how many sample frames the next mix can produce:
// the longest track when silence is inserted, the shortest otherwise.
func (m *Mixer) ComputeResultSize() int {
	tracks, _ := m.snapshot()
	return resultSize(tracks, m.insertSilence)
}

func resultSize(tracks []*Track, insertSilence bool) int {
	if len(tracks) == 0 {
		return 0
	}
	result := 0
	if !insertSilence {
		result = math.MaxInt
	}
	for _, t := range tracks {
		n := t.Frames()
		if insertSilence {
			result = max(result, n)
		} else {
			result = min(result, n)
		}
	}
	return result
}

// PopMuxedData mixes and consumes up to maxFrames sample frames; maxFrames
// <= 0 means everything available. Each output sample is the mean of the
// tracks that carry a sample at that position and channel. It returns nil
// when nothing can be mixed.
func (m *Mixer) PopMuxedData(maxFrames int) []int16 {
	tracks, channels := m.snapshot()

	size := resultSize(tracks, m.insertSilence)
	if size <= 0 || channels == 0 {
		return nil
	}
	if maxFrames > 0 && size > maxFrames {
		size = maxFrames
	}

	views := make([][]int16, len(tracks))
	gains := make([]float64, len(tracks))
	for i, t := range tracks {
		views[i], gains[i] = t.peek(size)
	}

	out := make([]int16, size*channels)
	for f := 0; f < size; f++ {
		for c := 0; c < channels; c++ {
			sum, contributors := 0, 0
			for i, t := range tracks {
				if c >= t.channels {
					continue
				}
				idx := f*t.channels + c
				if idx >= len(views[i]) {
					continue
				}
				sum += int(clamp(float64(views[i][idx]) * gains[i]))
				contributors++
			}
			if contributors > 0 {
				out[f*channels+c] = int16(sum / contributors)
			}
		}
	}

	for _, t := range tracks {
		t.skip(size)
	}
	return out
}

func clamp(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}

// Size returns the number of buffered sample frames over all tracks.
func (m *Mixer) Size() int {
	tracks, _ := m.snapshot()
	n := 0
	for _, t := range tracks {
		n += t.Frames()
	}
	return n
}

func (m *Mixer) HasSamples() bool { return m.Size() > 0 }

// TrackCount returns the number of joined tracks.
func (m *Mixer) TrackCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tracks)
}

func (m *Mixer) IsFinished() bool { return m.finished.Load() }

// Clock returns the timestamp of the next forwarded batch.
func (m *Mixer) Clock() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clock
}

// Run feeds the output until Stop is called or ctx is cancelled.
func (m *Mixer) Run(ctx context.Context) error {
	request := int(int64(m.sampleRate) * int64(FeedInterval) / int64(time.Second))
	m.log.Info("mixer started", slog.Int("sample_rate", m.sampleRate), slog.Bool("insert_silence", m.insertSilence))

	for !m.finished.Load() {
		fed := m.feed(request)

		if fed && m.HasSamples() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
		case <-time.After(IdleWait):
		}
	}
	m.log.Info("mixer stopped")
	return nil
}

// feed forwards one mixed batch and advances the clock. It reports whether
// anything was forwarded.
func (m *Mixer) feed(frames int) bool {
	samples := m.PopMuxedData(frames)
	if len(samples) == 0 {
		return false
	}

	m.mu.Lock()
	out := m.output
	channels := m.maxChannels
	ts := m.clock
	n := len(samples) / channels
	m.clock += time.Duration(n) * time.Second / time.Duration(m.sampleRate)
	m.mu.Unlock()

	if out == nil {
		return true
	}
	if m.outputChannels > 0 && m.outputChannels != channels {
		samples = Remap(samples, channels, m.outputChannels)
	}
	out.EnqueueAudio(samples, ts)
	return true
}

// Stop ends the mix: tracks are dropped and the output's active segment is
// marked last. Stop is idempotent.
func (m *Mixer) Stop() {
	if !m.finished.CompareAndSwap(false, true) {
		return
	}
	close(m.done)

	m.mu.Lock()
	for _, t := range m.tracks {
		t.clear()
	}
	m.tracks = nil
	out := m.output
	m.mu.Unlock()

	if out != nil {
		out.MarkLast()
	}
}

// Remap converts interleaved samples between channel layouts. Missing
// channels repeat the last source channel; extra channels are dropped.
func Remap(samples []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 {
		return samples
	}
	frames := len(samples) / from
	out := make([]int16, frames*to)
	for f := 0; f < frames; f++ {
		for c := 0; c < to; c++ {
			src := min(c, from-1)
			out[f*to+c] = samples[f*from+src]
		}
	}
	return out
}
