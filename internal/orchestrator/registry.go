package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"hls-segmenter/internal/mixer"
	"hls-segmenter/internal/mpegts"
	"hls-segmenter/internal/platform/logger"
	"hls-segmenter/internal/platform/metrics"
	"hls-segmenter/internal/segmenter"
)

// Settings is the template every stream and mixer group is created from.
type Settings struct {
	Segments           segmenter.Config
	MixerInsertSilence bool
}

// Registry owns every running SegmentSet and mixer group. It replaces
// process-wide maps: whoever holds the Registry decides the lifetime of the
// streams in it.
type Registry struct {
	ctx      context.Context
	settings Settings
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	store  Store
	groups map[GroupID]*mixerGroup
	closed bool
}

type mixerGroup struct {
	id     GroupID
	mixer  *mixer.Mixer
	set    *segmenter.SegmentSet
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry returns a Registry backed by an in-memory store. Drain tasks
// and mixer feeders stop when ctx is cancelled.
func NewRegistry(ctx context.Context, settings Settings, log *slog.Logger, m *metrics.Metrics) *Registry {
	return NewRegistryWithStore(ctx, NewInMemoryStore(), settings, log, m)
}

// NewRegistryWithStore is NewRegistry with an explicit Store.
func NewRegistryWithStore(ctx context.Context, store Store, settings Settings, log *slog.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		ctx:      ctx,
		settings: settings,
		log:      logger.WithComponent(log, "registry"),
		metrics:  m,
		store:    store,
		groups:   make(map[GroupID]*mixerGroup),
	}
}

// Settings returns the stream template.
func (r *Registry) Settings() Settings { return r.settings }

// StartStream creates and starts the SegmentSet for id.
func (r *Registry) StartStream(id StreamID) (*segmenter.SegmentSet, error) {
	cfg := r.settings.Segments
	cfg.Name = string(id)
	return r.startStream(id, cfg)
}

func (r *Registry) startStream(id StreamID, cfg segmenter.Config) (*segmenter.SegmentSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("registry closed: %w", segmenter.ErrStopped)
	}
	if _, ok := r.store.GetStream(id); ok {
		return nil, ErrStreamExists
	}

	set, err := segmenter.New(cfg, logger.WithComponent(r.log, "segmenter"), r.metrics)
	if err != nil {
		return nil, err
	}
	set.Start(r.ctx)
	r.store.SetStream(id, set)

	r.log.Info("stream started",
		slog.String("stream_id", string(id)),
		slog.Duration("segment_time_limit", cfg.TimeLimit),
		slog.Int("max_segments", cfg.MaxSegments),
		slog.String("storage", string(cfg.Storage)))
	return set, nil
}

// Stream returns the SegmentSet for id.
func (r *Registry) Stream(id StreamID) (*segmenter.SegmentSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.store.GetStream(id)
	if !ok {
		return nil, ErrStreamNotFound
	}
	return set, nil
}

// StopStream ends the stream, frees its segments and forgets it. A mixer
// group publishing on id is stopped as well.
func (r *Registry) StopStream(id StreamID) error {
	r.mu.Lock()
	set, ok := r.store.GetStream(id)
	if !ok {
		r.mu.Unlock()
		return ErrStreamNotFound
	}
	r.store.DeleteStream(id)

	var owner *mixerGroup
	for gid, g := range r.groups {
		if g.set == set {
			owner = g
			delete(r.groups, gid)
			break
		}
	}
	r.mu.Unlock()

	if owner != nil {
		owner.stop()
	}
	set.Stop()
	set.Dispose()

	if r.metrics != nil {
		r.metrics.IncStreamsEnded()
	}
	r.log.Info("stream stopped", slog.String("stream_id", string(id)))
	return nil
}

// StreamIDs lists registered streams.
func (r *Registry) StreamIDs() []StreamID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.ListStreamIDs()
}

// ActiveStreamCount returns the number of registered streams.
func (r *Registry) ActiveStreamCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store.ListStreamIDs())
}

// StartMixer creates a mixer group whose output is published as an
// audio-only stream named "<group>-audio".
func (r *Registry) StartMixer(id GroupID) (*mixer.Mixer, error) {
	r.mu.RLock()
	_, exists := r.groups[id]
	r.mu.RUnlock()
	if exists {
		return nil, ErrGroupExists
	}

	cfg := r.settings.Segments
	cfg.Name = string(id.StreamID())
	cfg.Encoder.VideoCodec = mpegts.CodecNone
	cfg.Encoder.AudioCodec = mpegts.CodecLPCM

	set, err := r.startStream(id.StreamID(), cfg)
	if err != nil {
		return nil, err
	}

	mx := mixer.New(string(id), mixer.Options{
		SampleRate:     cfg.Encoder.SampleRate,
		InsertSilence:  r.settings.MixerInsertSilence,
		OutputChannels: cfg.Encoder.Channels,
		Logger:         logger.WithComponent(r.log, "mixer"),
		Metrics:        r.metrics,
	})
	mx.SetOutput(set)

	ctx, cancel := context.WithCancel(r.ctx)
	g := &mixerGroup{id: id, mixer: mx, set: set, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if _, exists := r.groups[id]; exists {
		r.mu.Unlock()
		cancel()
		_ = r.StopStream(id.StreamID())
		return nil, ErrGroupExists
	}
	r.groups[id] = g
	r.mu.Unlock()

	go func() {
		defer close(g.done)
		if err := mx.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("mixer stopped with error", slog.String("group", string(id)), slog.String("error", err.Error()))
		}
	}()

	r.log.Info("mixer started", slog.String("group", string(id)), slog.String("stream_id", string(id.StreamID())))
	return mx, nil
}

// Mixer returns the running mixer of a group.
func (r *Registry) Mixer(id GroupID) (*mixer.Mixer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[id]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return g.mixer, nil
}

// StopMixer ends the mix. Its published stream is finished but stays
// readable until it is stopped with StopStream.
func (r *Registry) StopMixer(id GroupID) error {
	r.mu.Lock()
	g, ok := r.groups[id]
	if ok {
		delete(r.groups, id)
	}
	r.mu.Unlock()

	if !ok {
		return ErrGroupNotFound
	}
	g.stop()
	g.set.Stop()
	r.log.Info("mixer stopped", slog.String("group", string(id)))
	return nil
}

func (g *mixerGroup) stop() {
	g.mixer.Stop()
	g.cancel()
	<-g.done
}

// JoinMixer adds a track named after stream to the group. When a stream of
// that name is running its audio is copied into the mix from then on;
// otherwise the track is fed directly with PushMixerAudio.
func (r *Registry) JoinMixer(id GroupID, stream StreamID, channels int) error {
	mx, err := r.Mixer(id)
	if err != nil {
		return err
	}
	set, err := r.Stream(stream)
	if err != nil && !errors.Is(err, ErrStreamNotFound) {
		return err
	}
	if _, err := mx.AddTrack(string(stream), channels); err != nil {
		return err
	}
	if set != nil {
		set.AttachGroup(mx)
	}
	r.log.Info("stream joined mixer", slog.String("group", string(id)), slog.String("stream_id", string(stream)), slog.Int("channels", channels))
	return nil
}

// LeaveMixer removes the stream's track from the group.
func (r *Registry) LeaveMixer(id GroupID, stream StreamID) error {
	mx, err := r.Mixer(id)
	if err != nil {
		return err
	}
	if mx.Track(string(stream)) == nil {
		return ErrTrackNotFound
	}
	if set, err := r.Stream(stream); err == nil {
		set.DetachGroup()
	}
	mx.RemoveTrack(string(stream))
	return nil
}

// ActiveMixerCount returns the number of running mixer groups.
func (r *Registry) ActiveMixerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// Close stops every mixer and stream. Each stream's active segment is marked
// last and closed before its storage is released. Close is idempotent.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true

	groups := make([]*mixerGroup, 0, len(r.groups))
	for id, g := range r.groups {
		groups = append(groups, g)
		delete(r.groups, id)
	}
	ids := r.store.ListStreamIDs()
	sets := make([]*segmenter.SegmentSet, 0, len(ids))
	for _, id := range ids {
		set, _ := r.store.GetStream(id)
		sets = append(sets, set)
		r.store.DeleteStream(id)
	}
	r.mu.Unlock()

	for _, g := range groups {
		g.stop()
	}
	for _, set := range sets {
		set.Stop()
		set.Dispose()
	}
	r.log.Info("registry closed", slog.Int("streams", len(sets)), slog.Int("mixers", len(groups)))
}
