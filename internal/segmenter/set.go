// Package segmenter turns queued frames of one live stream into a rolling
// window of MPEG-TS segments.
package segmenter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"hls-segmenter/internal/mpegts"
	"hls-segmenter/internal/platform/metrics"
	"hls-segmenter/internal/segment"
)

const (
	DefaultTimeLimit     = 4 * time.Second
	DefaultMaxSegments   = 4
	DefaultDrainInterval = 33 * time.Millisecond
	DefaultIdleGrace     = 2 * time.Minute
)

var ErrStopped = errors.New("segmenter: segment set stopped")

// AudioGroup is the mixer a stream contributes its audio to. The set holds a
// non-owning reference.
type AudioGroup interface {
	PushData(name string, samples []int16) bool
	RemoveTrack(name string) bool
	IsFinished() bool
}

// Config describes one SegmentSet.
type Config struct {
	Name              string
	TimeLimit         time.Duration
	MaxSegments       int
	Storage           segment.Storage
	Dir               string
	ReaderLockTimeout time.Duration
	IdleGrace         time.Duration
	DrainInterval     time.Duration
	Encoder           mpegts.EncoderConfig
}

func (c *Config) applyDefaults() {
	if c.TimeLimit <= 0 {
		c.TimeLimit = DefaultTimeLimit
	}
	if c.MaxSegments <= 0 {
		c.MaxSegments = DefaultMaxSegments
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.IdleGrace <= 0 {
		c.IdleGrace = DefaultIdleGrace
	}
	if c.Storage == "" {
		c.Storage = segment.StorageMemory
	}
}

// SegmentSet owns the segments of one stream, its encoder and the drain task
// feeding it.
type SegmentSet struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	created time.Time

	mu        sync.RWMutex
	segments  []*segment.Segment
	active    *segment.Segment
	nextIndex int
	group     AudioGroup

	cache   *mpegts.TableCache
	writer  *segmentWriter
	sink    *mpegts.Packetizer
	encoder *mpegts.Encoder

	queue      frameQueue
	drainToken *semaphore.Weighted

	upstreamFinished atomic.Bool
	finished         atomic.Bool
	stopped          atomic.Bool
	cancel           context.CancelFunc
	done             chan struct{}

	// Only touched by the drain task.
	sawVideo     bool
	segmentStart time.Duration
}

// New negotiates the encoder and returns an idle set. Call Start to run the
// drain task. A negotiation error means the stream cannot be carried.
func New(cfg Config, log *slog.Logger, m *metrics.Metrics) (*SegmentSet, error) {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}

	s := &SegmentSet{
		cfg:        cfg,
		log:        log.With(slog.String("stream", cfg.Name)),
		metrics:    m,
		created:    time.Now(),
		cache:      mpegts.NewTableCache(),
		drainToken: semaphore.NewWeighted(1),
		done:       make(chan struct{}),
	}

	s.writer = newSegmentWriter(s, s.cache, s.log)
	s.sink = mpegts.NewPacketizer(s.cache, s.writer)
	enc, err := mpegts.NewEncoder(cfg.Encoder, s.sink)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", cfg.Name, err)
	}
	s.encoder = enc
	if err := enc.Open(); err != nil {
		return nil, fmt.Errorf("stream %s: %w", cfg.Name, err)
	}
	return s, nil
}

func (s *SegmentSet) Name() string       { return s.cfg.Name }
func (s *SegmentSet) Config() Config     { return s.cfg }
func (s *SegmentSet) Created() time.Time { return s.created }

// Tables exposes the PAT/PMT cache.
func (s *SegmentSet) Tables() *mpegts.TableCache { return s.cache }

// Start launches the drain task. It stops when ctx is cancelled, on Stop, or
// by itself once the stream has gone idle.
func (s *SegmentSet) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(ctx)
}

func (s *SegmentSet) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Drain()
			if s.idleExpired() {
				s.log.Info("stream idle, finishing")
				s.finish()
				return
			}
		}
	}
}

func (s *SegmentSet) idleExpired() bool {
	if s.queue.len() > 0 {
		return false
	}
	s.mu.RLock()
	g := s.group
	s.mu.RUnlock()

	ended := s.upstreamFinished.Load() || (g != nil && g.IsFinished())
	return ended && time.Since(s.created) > s.cfg.IdleGrace
}

// Drain encodes every queued frame. A call that overlaps a running drain
// returns immediately. It returns the number of frames processed.
func (s *SegmentSet) Drain() int {
	if !s.drainToken.TryAcquire(1) {
		return 0
	}
	defer s.drainToken.Release(1)

	frames := s.queue.popAll()
	for _, f := range frames {
		s.writeFrame(f)
	}
	return len(frames)
}

func (s *SegmentSet) writeFrame(f Frame) {
	if s.finished.Load() {
		return
	}
	if f.Kind == FrameVideo {
		s.sawVideo = true
	}

	if err := s.rotateIfNeeded(f); err != nil {
		s.log.Error("rotating segment", slog.String("error", err.Error()))
		s.dropped(f)
		return
	}

	var err error
	end := f.Timestamp
	switch f.Kind {
	case FrameVideo:
		err = s.encoder.WriteVideo(f.Payload, f.Timestamp)
	case FrameAudio:
		err = s.encoder.WriteAudio(f.Samples, f.Timestamp)
		end += s.audioDuration(len(f.Samples))
	}
	if err != nil {
		s.log.Warn("encoding frame", slog.String("kind", f.Kind.String()), slog.String("error", err.Error()))
		s.dropped(f)
		return
	}

	if seg := s.Segment(); seg != nil {
		if d := end - s.segmentStart; d > seg.Duration() {
			seg.SetDuration(d)
		}
	}
}

// rotateIfNeeded opens the first segment, or closes the active one once it
// has reached the time limit and f may start a new one: a video keyframe, or
// any audio frame when the stream has no video.
func (s *SegmentSet) rotateIfNeeded(f Frame) error {
	seg := s.Segment()
	if seg == nil {
		s.segmentStart = f.Timestamp
		_, err := s.CreateSegment()
		return err
	}

	elapsed := f.Timestamp - s.segmentStart
	if elapsed < s.cfg.TimeLimit {
		return nil
	}
	switch {
	case f.Kind == FrameVideo && f.Keyframe:
	case f.Kind == FrameAudio && !s.sawVideo:
	default:
		return nil
	}

	seg.SetDuration(elapsed)
	if _, err := s.CreateSegment(); err != nil {
		return err
	}
	s.segmentStart = f.Timestamp
	return nil
}

func (s *SegmentSet) audioDuration(samples int) time.Duration {
	rate, ch := s.cfg.Encoder.SampleRate, s.cfg.Encoder.Channels
	if rate <= 0 || ch <= 0 {
		return 0
	}
	return time.Duration(samples/ch) * time.Second / time.Duration(rate)
}

func (s *SegmentSet) dropped(f Frame) {
	if s.metrics != nil {
		s.metrics.IncFramesDropped(f.Kind.String())
	}
}

// CreateSegment makes a new active segment and writes the cached PAT and PMT
// at its head. While the active segment has no duration yet it is returned
// unchanged. Segments that fall more than MaxSegments behind the new index are
// disposed. If the stream was already marked last, the flag moves to the new
// segment.
func (s *SegmentSet) CreateSegment() (*segment.Segment, error) {
	seg, fresh, err := s.createSegment()
	if err != nil {
		return nil, err
	}
	if fresh {
		s.writer.injectTables(seg)
	}
	return seg, nil
}

func (s *SegmentSet) createSegment() (*segment.Segment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil && s.active.Duration() == 0 {
		return s.active, false, nil
	}

	seg, err := segment.New(s.cfg.Name, s.nextIndex, segment.Options{
		Storage:     s.cfg.Storage,
		Dir:         s.cfg.Dir,
		LockTimeout: s.cfg.ReaderLockTimeout,
		Logger:      s.log,
	})
	if err != nil {
		return nil, false, err
	}
	s.nextIndex++

	if prev := s.active; prev != nil {
		if prev.IsLast() {
			seg.SetLast(true)
			prev.SetLast(false)
		}
		if err := prev.Close(); err != nil {
			s.log.Warn("closing segment", slog.Int("segment", prev.Index()), slog.String("error", err.Error()))
		}
		s.log.Debug("segment complete", slog.Int("segment", prev.Index()), slog.Duration("duration", prev.Duration()))
	}

	s.segments = append(s.segments, seg)
	s.active = seg
	if s.metrics != nil {
		s.metrics.IncSegmentsCreated()
	}

	kept := s.segments[:0]
	for _, old := range s.segments {
		if seg.Index()-old.Index() > s.cfg.MaxSegments {
			old.Dispose()
			if s.metrics != nil {
				s.metrics.IncSegmentsEvicted()
			}
			continue
		}
		kept = append(kept, old)
	}
	for i := len(kept); i < len(s.segments); i++ {
		s.segments[i] = nil
	}
	s.segments = kept

	return seg, true, nil
}

// Segment returns the active segment, or nil before the first frame.
func (s *SegmentSet) Segment() *segment.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SegmentAt returns the retained segment with the given index, or nil when
// it was evicted or has not been issued yet.
func (s *SegmentSet) SegmentAt(index int) *segment.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < 0 || index >= s.nextIndex {
		return nil
	}
	for _, seg := range s.segments {
		if seg.Index() == index {
			return seg
		}
	}
	return nil
}

// ActiveIndex returns the index of the active segment, or -1.
func (s *SegmentSet) ActiveIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return -1
	}
	return s.active.Index()
}

// Segments returns the completed retained segments in index order. The
// active segment is included once it is marked last.
func (s *SegmentSet) Segments() []*segment.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.completedLocked()
	out := make([]*segment.Segment, n)
	copy(out, s.segments[:n])
	return out
}

// SegmentCount is len(Segments()).
func (s *SegmentSet) SegmentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completedLocked()
}

func (s *SegmentSet) completedLocked() int {
	if len(s.segments) == 0 {
		return 0
	}
	if s.active != nil && s.active.IsLast() {
		return len(s.segments)
	}
	return len(s.segments) - 1
}

// IsComplete reports whether the stream has ended and its last segment closed.
func (s *SegmentSet) IsComplete() bool {
	return s.finished.Load()
}

// EnqueueAudio queues interleaved samples for encoding and copies them to
// the attached audio group, if any.
func (s *SegmentSet) EnqueueAudio(samples []int16, ts time.Duration) {
	if s.stopped.Load() || s.finished.Load() {
		return
	}
	batch := make([]int16, len(samples))
	copy(batch, samples)
	s.queue.push(Frame{Kind: FrameAudio, Timestamp: ts, Samples: batch})

	s.mu.RLock()
	g := s.group
	s.mu.RUnlock()
	if g != nil && !g.PushData(s.cfg.Name, samples) {
		s.log.Debug("audio group rejected samples")
	}
}

// EnqueueVideo queues one Annex-B access unit for encoding.
func (s *SegmentSet) EnqueueVideo(picture []byte, ts time.Duration) {
	if s.stopped.Load() || s.finished.Load() {
		return
	}
	payload := make([]byte, len(picture))
	copy(payload, picture)
	s.queue.push(Frame{
		Kind:      FrameVideo,
		Timestamp: ts,
		Payload:   payload,
		Keyframe:  mpegts.IsKeyframe(payload),
	})
}

// Pending returns the number of frames waiting for the drain task.
func (s *SegmentSet) Pending() int { return s.queue.len() }

// AttachGroup makes the set copy its audio into g.
func (s *SegmentSet) AttachGroup(g AudioGroup) {
	s.mu.Lock()
	s.group = g
	s.mu.Unlock()
}

// DetachGroup removes the set's track from its group.
func (s *SegmentSet) DetachGroup() {
	s.mu.Lock()
	g := s.group
	s.group = nil
	s.mu.Unlock()
	if g != nil {
		g.RemoveTrack(s.cfg.Name)
	}
}

// FinishUpstream records that no more frames will arrive. The drain task ends
// the stream once the queue is empty and the idle grace has passed.
func (s *SegmentSet) FinishUpstream() {
	s.upstreamFinished.Store(true)
}

// MarkLast flags the active segment as the final one and finishes upstream.
// Frames still queued may rotate past it; the flag then follows the newest
// segment, so at most one segment is ever last.
func (s *SegmentSet) MarkLast() {
	s.mu.Lock()
	if s.active != nil {
		s.active.SetLast(true)
	}
	s.mu.Unlock()
	s.FinishUpstream()
}

func (s *SegmentSet) finish() {
	if !s.finished.CompareAndSwap(false, true) {
		return
	}
	if err := s.encoder.Close(); err != nil {
		s.log.Warn("closing encoder", slog.String("error", err.Error()))
	}
	s.DetachGroup()
}

// Stop halts the drain task, encodes what is still queued and ends the
// stream. Stop is idempotent.
func (s *SegmentSet) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.Drain()
	s.finish()
}

// Done is closed when the drain task has exited.
func (s *SegmentSet) Done() <-chan struct{} { return s.done }

// Dispose frees every retained segment. The set must be stopped first.
func (s *SegmentSet) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range s.segments {
		seg.Dispose()
	}
	s.segments = nil
	s.active = nil
}
