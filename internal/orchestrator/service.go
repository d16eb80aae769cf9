package orchestrator

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"hls-segmenter/internal/platform/logger"
	"hls-segmenter/internal/platform/metrics"
	"hls-segmenter/internal/segment"
	"hls-segmenter/internal/segmenter"
)

const (
	// DefaultMinReadySegments is how many completed segments a playlist
	// request waits for.
	DefaultMinReadySegments = 2

	// DefaultPollInterval is how often a waiting playlist request re-checks.
	DefaultPollInterval = 500 * time.Millisecond
)

// Service applies the playlist readiness protocol and ingest rules on top of
// the Registry.
type Service struct {
	reg          *Registry
	minReady     int
	pollInterval time.Duration
	log          *slog.Logger
	metrics      *metrics.Metrics
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithMetrics records service-level metrics in m.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService returns a Service over reg. If minReady <= 0,
// DefaultMinReadySegments is used.
func NewService(reg *Registry, minReady int, log *slog.Logger, opts ...ServiceOption) *Service {
	if minReady <= 0 {
		minReady = DefaultMinReadySegments
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		reg:          reg,
		minReady:     minReady,
		pollInterval: DefaultPollInterval,
		log:          logger.WithComponent(log, "service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the underlying registry.
func (s *Service) Registry() *Registry { return s.reg }

// StartStream creates the stream.
func (s *Service) StartStream(id StreamID) error {
	_, err := s.reg.StartStream(id)
	return err
}

// PushAudio queues s16le interleaved PCM. A negative ts stamps the frame
// with the time elapsed since the stream started.
func (s *Service) PushAudio(id StreamID, pcm []byte, ts time.Duration) error {
	set, err := s.ingestTarget(id)
	if err != nil {
		return err
	}
	samples, err := decodePCM(pcm)
	if err != nil {
		return err
	}
	set.EnqueueAudio(samples, stamp(set, ts))
	return nil
}

func decodePCM(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd PCM byte count %d", ErrInvalidFrame, len(pcm))
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// PushVideo queues one Annex-B H.264 access unit.
func (s *Service) PushVideo(id StreamID, au []byte, ts time.Duration) error {
	set, err := s.ingestTarget(id)
	if err != nil {
		return err
	}
	if len(au) == 0 {
		return fmt.Errorf("%w: empty access unit", ErrInvalidFrame)
	}
	set.EnqueueVideo(au, stamp(set, ts))
	return nil
}

func (s *Service) ingestTarget(id StreamID) (*segmenter.SegmentSet, error) {
	set, err := s.reg.Stream(id)
	if err != nil {
		return nil, err
	}
	if set.IsComplete() {
		return nil, ErrStreamEnded
	}
	return set, nil
}

func stamp(set *segmenter.SegmentSet, ts time.Duration) time.Duration {
	if ts < 0 {
		return time.Since(set.Created())
	}
	return ts
}

// FinishStream signals that upstream is done; the stream ends once its
// queue drains.
func (s *Service) FinishStream(id StreamID) error {
	set, err := s.reg.Stream(id)
	if err != nil {
		return err
	}
	set.FinishUpstream()
	return nil
}

// EndStream stops the stream immediately and removes it.
func (s *Service) EndStream(id StreamID) error {
	return s.reg.StopStream(id)
}

// GetPlaylist renders the stream's playlist. While fewer than the minimum
// number of segments are complete it polls for up to
// minReady * segment time limit, then serves whatever exists. ErrNotReady
// means nothing was complete even after waiting.
func (s *Service) GetPlaylist(ctx context.Context, id StreamID) (string, error) {
	set, err := s.reg.Stream(id)
	if err != nil {
		return "", err
	}

	if err := s.waitReady(ctx, set); err != nil {
		return "", err
	}

	segments := set.Segments()
	if len(segments) == 0 {
		if s.metrics != nil {
			s.metrics.IncPlaylistNotReady()
		}
		return "", ErrNotReady
	}
	return BuildLivePlaylist(segments, set.Config().TimeLimit), nil
}

func (s *Service) waitReady(ctx context.Context, set *segmenter.SegmentSet) error {
	if set.SegmentCount() >= s.minReady || set.IsComplete() {
		return nil
	}

	maxWait := time.Duration(s.minReady) * set.Config().TimeLimit
	s.log.Debug("waiting for segments",
		slog.String("stream_id", set.Name()),
		slog.Int("have", set.SegmentCount()),
		slog.Int("want", s.minReady),
		slog.Duration("max_wait", maxWait))

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			s.log.Info("maximum segment wait time exceeded", slog.String("stream_id", set.Name()))
			return nil
		case <-ticker.C:
			if set.SegmentCount() >= s.minReady || set.IsComplete() {
				return nil
			}
		}
	}
}

// Segment returns a retained segment by index.
func (s *Service) Segment(id StreamID, index int) (*segment.Segment, error) {
	set, err := s.reg.Stream(id)
	if err != nil {
		return nil, err
	}
	seg := set.SegmentAt(index)
	if seg == nil {
		return nil, ErrSegmentNotFound
	}
	return seg, nil
}

// CurrentSegment returns the active segment.
func (s *Service) CurrentSegment(id StreamID) (*segment.Segment, error) {
	set, err := s.reg.Stream(id)
	if err != nil {
		return nil, err
	}
	seg := set.Segment()
	if seg == nil {
		return nil, ErrSegmentNotFound
	}
	return seg, nil
}

// Feeder returns a continuous reader across the stream's segments.
func (s *Service) Feeder(id StreamID) (*segmenter.Feeder, error) {
	set, err := s.reg.Stream(id)
	if err != nil {
		return nil, err
	}
	return set.NewFeeder(), nil
}

// Status describes the stream and its retained segments.
func (s *Service) Status(id StreamID) (StreamStatus, error) {
	set, err := s.reg.Stream(id)
	if err != nil {
		return StreamStatus{}, err
	}

	st := StreamStatus{
		ID:           id,
		Created:      set.Created().UTC(),
		ActiveIndex:  set.ActiveIndex(),
		SegmentCount: set.SegmentCount(),
		Pending:      set.Pending(),
		Complete:     set.IsComplete(),
		Segments:     []SegmentInfo{},
	}
	for i := max(0, set.ActiveIndex()-set.Config().MaxSegments); i <= st.ActiveIndex; i++ {
		seg := set.SegmentAt(i)
		if seg == nil {
			continue
		}
		st.Segments = append(st.Segments, SegmentInfo{
			Index:    seg.Index(),
			Duration: seg.Duration().Seconds(),
			Bytes:    seg.Size(),
			Closed:   seg.IsClosed(),
			Last:     seg.IsLast(),
		})
	}
	return st, nil
}

// StartMixer creates a mixer group.
func (s *Service) StartMixer(id GroupID) error {
	_, err := s.reg.StartMixer(id)
	return err
}

// StopMixer ends a mixer group.
func (s *Service) StopMixer(id GroupID) error {
	return s.reg.StopMixer(id)
}

// JoinMixer adds a stream's audio to a group.
func (s *Service) JoinMixer(id GroupID, stream StreamID, channels int) error {
	return s.reg.JoinMixer(id, stream, channels)
}

// LeaveMixer removes a stream's audio from a group.
func (s *Service) LeaveMixer(id GroupID, stream StreamID) error {
	return s.reg.LeaveMixer(id, stream)
}

// PushMixerAudio feeds s16le PCM straight into a group track.
func (s *Service) PushMixerAudio(id GroupID, track string, pcm []byte) error {
	mx, err := s.reg.Mixer(id)
	if err != nil {
		return err
	}
	if mx.Track(track) == nil {
		return ErrTrackNotFound
	}
	samples, err := decodePCM(pcm)
	if err != nil {
		return err
	}
	if !mx.PushData(track, samples) {
		return ErrPushRejected
	}
	return nil
}

// SetTrackGain scales a stream's contribution to a group.
func (s *Service) SetTrackGain(id GroupID, stream StreamID, gain float64) error {
	mx, err := s.reg.Mixer(id)
	if err != nil {
		return err
	}
	t := mx.Track(string(stream))
	if t == nil {
		return ErrTrackNotFound
	}
	t.SetGain(gain)
	return nil
}
