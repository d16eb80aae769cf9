package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"hls-segmenter/internal/segment"
)

const (
	tsContentType = "video/MP2T"

	// DefaultTailInterval is how long a delivery waits before re-reading a
	// segment that has no complete chunk yet.
	DefaultTailInterval = 50 * time.Millisecond
)

// chunkSource is satisfied by segment.Reader (through segmentSource) and
// segmenter.Feeder.
type chunkSource interface {
	Next(buf []byte) (int, error)
}

// segmentSource ends with io.EOF once a closed segment has been read to the
// last complete chunk.
type segmentSource struct {
	r *segment.Reader
}

func (s segmentSource) Next(buf []byte) (int, error) {
	n, err := s.r.Next(buf)
	if errors.Is(err, segment.ErrNoData) && s.r.Segment().IsClosed() && !s.r.HasMoreData() {
		return 0, io.EOF
	}
	return n, err
}

// deliverSegment writes seg to w, tailing it while it is still active.
func (h *Handler) deliverSegment(w http.ResponseWriter, r *http.Request, seg *segment.Segment) {
	rd := seg.NewReader()
	defer rd.Close()

	w.Header().Set("Content-Type", tsContentType)
	if seg.IsClosed() {
		size := seg.Size()
		w.Header().Set("Content-Length", strconv.FormatInt(size-size%segment.ChunkSize, 10))
	} else {
		w.Header().Set("Cache-Control", "no-cache")
	}
	w.WriteHeader(http.StatusOK)

	log := h.log.With(
		slog.String("segment", seg.String()),
		slog.String("reader_id", rd.ID()))
	sent, err := h.stream(r.Context(), w, segmentSource{r: rd})
	h.finishDelivery(log, sent, err)
}

// deliverFeed writes src to w until it ends or the client goes away.
func (h *Handler) deliverFeed(w http.ResponseWriter, r *http.Request, src chunkSource, streamID StreamID) {
	w.Header().Set("Content-Type", tsContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	sent, err := h.stream(r.Context(), w, src)
	h.finishDelivery(h.log.With(slog.String("stream_id", string(streamID))), sent, err)
}

func (h *Handler) finishDelivery(log *slog.Logger, sent int64, err error) {
	if h.metrics != nil {
		h.metrics.AddBytesDelivered(int(sent))
	}
	switch {
	case err == nil:
		log.Debug("delivery complete", slog.Int64("bytes", sent))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Debug("client went away", slog.Int64("bytes", sent))
	default:
		log.Warn("delivery aborted", slog.Int64("bytes", sent), slog.String("error", err.Error()))
	}
}

// stream copies chunks from src to w. Whatever was written is flushed before
// waiting for more data. A disposed segment ends the response early.
func (h *Handler) stream(ctx context.Context, w http.ResponseWriter, src chunkSource) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, segment.ChunkSize)
	var sent int64

	for {
		n, err := src.Next(buf)
		switch {
		case err == nil:
			if _, err := w.Write(buf[:n]); err != nil {
				return sent, err
			}
			sent += int64(n)
			continue
		case errors.Is(err, io.EOF), errors.Is(err, segment.ErrDisposed):
			_ = rc.Flush()
			return sent, nil
		case errors.Is(err, segment.ErrLockTimeout):
			if h.metrics != nil {
				h.metrics.IncReadLockTimeouts()
			}
			h.log.Debug("segment read lock timed out, retrying")
		case errors.Is(err, segment.ErrNoData):
		default:
			return sent, err
		}

		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return sent, err
		}
		t := time.NewTimer(h.tailInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return sent, ctx.Err()
		case <-t.C:
		}
	}
}
