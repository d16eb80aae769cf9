package orchestrator

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hls-segmenter/internal/mixer"
	"hls-segmenter/internal/mpegts"
	"hls-segmenter/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"

	// retryAfterSeconds is advertised with 503 playlist responses.
	retryAfterSeconds = "60"

	// timestampHeader carries the media timestamp of an ingested frame in
	// milliseconds. Frames without it are stamped on arrival.
	timestampHeader = "X-Timestamp-Ms"

	// maxFrameBytes bounds one ingested frame body.
	maxFrameBytes = 8 << 20
)

// Handler exposes orchestrator HTTP endpoints using go-chi.
type Handler struct {
	svc          *Service
	log          *slog.Logger
	metrics      *metrics.Metrics
	tailInterval time.Duration
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m, tailInterval: DefaultTailInterval}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/streams", h.ListStreams)
	r.Route("/streams/{stream_id}", func(r chi.Router) {
		r.Get("/", h.GetStatus)
		r.Post("/start", h.StartStream)
		r.Post("/frames/audio", h.PushAudio)
		r.Post("/frames/video", h.PushVideo)
		r.Post("/finish", h.FinishStream)
		r.Post("/end", h.EndStream)
		r.Get("/playlist.m3u8", h.GetPlaylist)
		r.Get("/segments/current.ts", h.GetCurrentSegment)
		r.Get("/segments/{index}.ts", h.GetSegment)
		r.Get("/live.ts", h.GetLiveFeed)
	})
	r.Route("/mixers/{group}", func(r chi.Router) {
		r.Post("/start", h.StartMixer)
		r.Post("/stop", h.StopMixer)
		r.Route("/tracks/{stream_id}", func(r chi.Router) {
			r.Post("/", h.JoinMixer)
			r.Delete("/", h.LeaveMixer)
			r.Patch("/", h.SetTrackGain)
			r.Post("/audio", h.PushMixerAudio)
		})
	})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrStreamNotFound),
		errors.Is(err, ErrSegmentNotFound),
		errors.Is(err, ErrGroupNotFound),
		errors.Is(err, ErrTrackNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStreamExists),
		errors.Is(err, ErrStreamEnded),
		errors.Is(err, ErrGroupExists),
		errors.Is(err, mixer.ErrTrackExists),
		errors.Is(err, mixer.ErrFinished):
		return http.StatusConflict
	case errors.Is(err, mpegts.ErrNegotiation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidFrame),
		errors.Is(err, mixer.ErrInvalidChannels):
		return http.StatusBadRequest
	case errors.Is(err, ErrPushRejected):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error, attrs ...any) {
	code := statusFor(err)
	attrs = append(attrs, slog.String("error", err.Error()), slog.Int("status", code))
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		h.log.Error(op+" failed", attrs...)
	} else {
		h.log.Debug(op+" rejected", attrs...)
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	w.WriteHeader(code)
}

func streamParam(r *http.Request) StreamID {
	return StreamID(chi.URLParam(r, "stream_id"))
}

func groupParam(r *http.Request) GroupID {
	return GroupID(chi.URLParam(r, "group"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

// ListStreams handles GET /streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	ids := h.svc.Registry().StreamIDs()
	writeJSON(w, map[string][]StreamID{"streams": ids})
}

// GetStatus handles GET /streams/{stream_id}.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	streamID := streamParam(r)
	st, err := h.svc.Status(streamID)
	if err != nil {
		h.fail(w, "stream status", err, slog.String("stream_id", string(streamID)))
		return
	}
	writeJSON(w, st)
}

// StartStream handles POST /streams/{stream_id}/start.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	streamID := streamParam(r)
	if streamID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.svc.StartStream(streamID); err != nil {
		h.fail(w, "start stream", err, slog.String("stream_id", string(streamID)))
		return
	}
	h.log.Info("stream created", slog.String("stream_id", string(streamID)))
	w.WriteHeader(http.StatusCreated)
}

// frameTimestamp reads X-Timestamp-Ms. A missing header yields -1, which the
// service replaces with the arrival time.
func frameTimestamp(r *http.Request) (time.Duration, error) {
	v := strings.TrimSpace(r.Header.Get(timestampHeader))
	if v == "" {
		return -1, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return 0, ErrInvalidFrame
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func readFrame(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxFrameBytes {
		return nil, ErrInvalidFrame
	}
	return body, nil
}

// PushAudio handles POST /streams/{stream_id}/frames/audio.
// Body: interleaved s16le PCM.
func (h *Handler) PushAudio(w http.ResponseWriter, r *http.Request) {
	h.pushFrame(w, r, mpegts.MessageAudio, h.svc.PushAudio)
}

// PushVideo handles POST /streams/{stream_id}/frames/video.
// Body: one Annex-B H.264 access unit.
func (h *Handler) PushVideo(w http.ResponseWriter, r *http.Request) {
	h.pushFrame(w, r, mpegts.MessageVideo, h.svc.PushVideo)
}

func (h *Handler) pushFrame(w http.ResponseWriter, r *http.Request, kind mpegts.MessageType, push func(StreamID, []byte, time.Duration) error) {
	streamID := streamParam(r)
	ts, err := frameTimestamp(r)
	if err != nil {
		h.fail(w, "push frame", err, slog.String("stream_id", string(streamID)))
		return
	}
	body, err := readFrame(r)
	if err != nil {
		h.fail(w, "push frame", err, slog.String("stream_id", string(streamID)))
		return
	}
	if err := push(streamID, body, ts); err != nil {
		h.fail(w, "push frame", err,
			slog.String("stream_id", string(streamID)),
			slog.String("kind", kind.String()))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// FinishStream handles POST /streams/{stream_id}/finish.
func (h *Handler) FinishStream(w http.ResponseWriter, r *http.Request) {
	streamID := streamParam(r)
	if err := h.svc.FinishStream(streamID); err != nil {
		h.fail(w, "finish stream", err, slog.String("stream_id", string(streamID)))
		return
	}
	h.log.Info("upstream finished", slog.String("stream_id", string(streamID)))
	w.WriteHeader(http.StatusAccepted)
}

// EndStream handles POST /streams/{stream_id}/end.
func (h *Handler) EndStream(w http.ResponseWriter, r *http.Request) {
	streamID := streamParam(r)
	if err := h.svc.EndStream(streamID); err != nil {
		h.fail(w, "end stream", err, slog.String("stream_id", string(streamID)))
		return
	}
	h.log.Info("stream ended", slog.String("stream_id", string(streamID)))
	w.WriteHeader(http.StatusOK)
}

// GetPlaylist handles GET /streams/{stream_id}/playlist.m3u8. The request may
// block while the stream accumulates its first segments.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	streamID := streamParam(r)
	m3u8, err := h.svc.GetPlaylist(r.Context(), streamID)
	if err != nil {
		h.fail(w, "get playlist", err, slog.String("stream_id", string(streamID)))
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(m3u8))
}

// GetSegment handles GET /streams/{stream_id}/segments/{index}.ts.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	streamID := streamParam(r)
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	seg, err := h.svc.Segment(streamID, index)
	if err != nil {
		h.fail(w, "get segment", err, slog.String("stream_id", string(streamID)), slog.Int("index", index))
		return
	}
	h.deliverSegment(w, r, seg)
}

// GetCurrentSegment handles GET /streams/{stream_id}/segments/current.ts.
func (h *Handler) GetCurrentSegment(w http.ResponseWriter, r *http.Request) {
	streamID := streamParam(r)
	seg, err := h.svc.CurrentSegment(streamID)
	if err != nil {
		h.fail(w, "get current segment", err, slog.String("stream_id", string(streamID)))
		return
	}
	h.deliverSegment(w, r, seg)
}

// GetLiveFeed handles GET /streams/{stream_id}/live.ts: one response that
// follows the stream across segment rotations until it ends.
func (h *Handler) GetLiveFeed(w http.ResponseWriter, r *http.Request) {
	streamID := streamParam(r)
	feed, err := h.svc.Feeder(streamID)
	if err != nil {
		h.fail(w, "get live feed", err, slog.String("stream_id", string(streamID)))
		return
	}
	defer feed.Close()
	h.deliverFeed(w, r, feed, streamID)
}

// StartMixer handles POST /mixers/{group}/start.
func (h *Handler) StartMixer(w http.ResponseWriter, r *http.Request) {
	group := groupParam(r)
	if err := h.svc.StartMixer(group); err != nil {
		h.fail(w, "start mixer", err, slog.String("group", string(group)))
		return
	}
	w.Header().Set("Location", "/streams/"+string(group.StreamID())+"/playlist.m3u8")
	w.WriteHeader(http.StatusCreated)
}

// StopMixer handles POST /mixers/{group}/stop.
func (h *Handler) StopMixer(w http.ResponseWriter, r *http.Request) {
	group := groupParam(r)
	if err := h.svc.StopMixer(group); err != nil {
		h.fail(w, "stop mixer", err, slog.String("group", string(group)))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// JoinMixer handles POST /mixers/{group}/tracks/{stream_id}?channels=N.
func (h *Handler) JoinMixer(w http.ResponseWriter, r *http.Request) {
	group, streamID := groupParam(r), streamParam(r)
	channels := 2
	if v := r.URL.Query().Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		channels = n
	}
	if err := h.svc.JoinMixer(group, streamID, channels); err != nil {
		h.fail(w, "join mixer", err, slog.String("group", string(group)), slog.String("stream_id", string(streamID)))
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// LeaveMixer handles DELETE /mixers/{group}/tracks/{stream_id}.
func (h *Handler) LeaveMixer(w http.ResponseWriter, r *http.Request) {
	group, streamID := groupParam(r), streamParam(r)
	if err := h.svc.LeaveMixer(group, streamID); err != nil {
		h.fail(w, "leave mixer", err, slog.String("group", string(group)), slog.String("stream_id", string(streamID)))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetTrackGain handles PATCH /mixers/{group}/tracks/{stream_id}?gain=x.
func (h *Handler) SetTrackGain(w http.ResponseWriter, r *http.Request) {
	group, streamID := groupParam(r), streamParam(r)
	gain, err := strconv.ParseFloat(r.URL.Query().Get("gain"), 64)
	if err != nil || gain < 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.svc.SetTrackGain(group, streamID, gain); err != nil {
		h.fail(w, "set track gain", err, slog.String("group", string(group)), slog.String("stream_id", string(streamID)))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PushMixerAudio handles POST /mixers/{group}/tracks/{stream_id}/audio.
// Body: interleaved s16le PCM with the track's channel count.
func (h *Handler) PushMixerAudio(w http.ResponseWriter, r *http.Request) {
	group, track := groupParam(r), chi.URLParam(r, "stream_id")
	body, err := readFrame(r)
	if err != nil {
		h.fail(w, "push mixer audio", err, slog.String("group", string(group)))
		return
	}
	if err := h.svc.PushMixerAudio(group, track, body); err != nil {
		h.fail(w, "push mixer audio", err, slog.String("group", string(group)), slog.String("track", track))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
