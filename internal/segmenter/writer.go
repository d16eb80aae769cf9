package segmenter

import (
	"log/slog"

	"hls-segmenter/internal/mpegts"
	"hls-segmenter/internal/segment"
)

// segmentWriter receives packets from the Packetizer and appends them to the
// set's active segment, replaying the cached PAT and PMT at the head of
// every fresh segment so each one can be decoded on its own.
type segmentWriter struct {
	set         *SegmentSet
	cache       *mpegts.TableCache
	log         *slog.Logger
	warnedIndex int
}

func newSegmentWriter(set *SegmentSet, cache *mpegts.TableCache, log *slog.Logger) *segmentWriter {
	return &segmentWriter{set: set, cache: cache, log: log, warnedIndex: -1}
}

func (w *segmentWriter) HandleMessage(m mpegts.Message) {
	switch m.Type {
	case mpegts.MessageHeader:
		w.log.Debug("encoder opened")
		return
	case mpegts.MessageEndOfStream:
		if seg := w.set.Segment(); seg != nil {
			seg.SetLast(true)
			if err := seg.Close(); err != nil {
				w.log.Warn("closing last segment", slog.String("error", err.Error()))
			}
			w.log.Info("end of stream", slog.Int("segment", seg.Index()))
		}
		return
	}

	seg := w.set.Segment()
	if seg == nil || seg.IsClosed() {
		// Tables are already cached by the Packetizer; anything else before
		// the first segment has nowhere to go.
		return
	}

	// Segment heads only ever carry the cached tables. Tables the encoder
	// repeats mid-segment are cached by the Packetizer and dropped here.
	w.injectTables(seg)
	if m.Type.IsConfig() {
		return
	}

	w.write(seg, m.Payload)
}

// injectTables writes the cached PAT then PMT into seg if it has not received
// them yet. A segment that starts before any table was seen is written
// without them until the cache fills.
func (w *segmentWriter) injectTables(seg *segment.Segment) {
	if seg.IsPATWritten() && seg.IsPMTWritten() {
		return
	}

	if !seg.IsPATWritten() {
		if p := w.cache.PAT(); p != nil {
			w.write(seg, p)
			seg.SetPATWritten(true)
		}
	}
	if seg.IsPATWritten() && !seg.IsPMTWritten() {
		if p := w.cache.PMT(); p != nil {
			w.write(seg, p)
			seg.SetPMTWritten(true)
		}
	}

	if (!seg.IsPATWritten() || !seg.IsPMTWritten()) && w.warnedIndex != seg.Index() {
		w.warnedIndex = seg.Index()
		w.log.Warn("segment started without program tables",
			slog.Int("segment", seg.Index()),
			slog.Bool("pat", seg.IsPATWritten()),
			slog.Bool("pmt", seg.IsPMTWritten()))
	}
}

func (w *segmentWriter) write(seg *segment.Segment, p []byte) {
	n := seg.Write(p)
	if n > 0 && w.set.metrics != nil {
		w.set.metrics.AddBytesWritten(n)
	}
}
