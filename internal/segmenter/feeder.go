package segmenter

import (
	"errors"
	"io"

	"hls-segmenter/internal/segment"
)

// Feeder reads a stream continuously, moving from one segment to the next as
// they rotate. It starts at the active segment.
type Feeder struct {
	set    *SegmentSet
	reader *segment.Reader
}

// NewFeeder returns a feeder positioned at the start of the active segment.
func (s *SegmentSet) NewFeeder() *Feeder {
	return &Feeder{set: s}
}

// Next behaves like segment.Reader.Next across segment boundaries. It
// returns io.EOF after the last segment has been fully read.
func (f *Feeder) Next(buf []byte) (int, error) {
	if f.reader == nil {
		seg := f.set.Segment()
		if seg == nil {
			return 0, segment.ErrNoData
		}
		f.reader = seg.NewReader()
	}

	n, err := f.reader.Next(buf)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, segment.ErrNoData) && !errors.Is(err, segment.ErrDisposed) {
		return 0, err
	}

	cur := f.reader.Segment()
	if !cur.IsClosed() && !cur.IsDisposed() {
		return 0, segment.ErrNoData
	}
	if cur.IsLast() && !cur.IsDisposed() {
		return 0, io.EOF
	}

	next := f.nextAfter(cur.Index())
	if next == nil {
		if cur.IsLast() || f.set.IsComplete() {
			return 0, io.EOF
		}
		return 0, segment.ErrNoData
	}
	_ = f.reader.Close()
	f.reader = next.NewReader()
	return 0, segment.ErrNoData
}

// nextAfter returns the oldest retained segment newer than index. A feeder
// that fell behind the retention window skips ahead.
func (f *Feeder) nextAfter(index int) *segment.Segment {
	if seg := f.set.SegmentAt(index + 1); seg != nil {
		return seg
	}
	f.set.mu.RLock()
	defer f.set.mu.RUnlock()
	for _, seg := range f.set.segments {
		if seg.Index() > index {
			return seg
		}
	}
	return nil
}

// SegmentIndex returns the index of the segment being read, or -1.
func (f *Feeder) SegmentIndex() int {
	if f.reader == nil {
		return -1
	}
	return f.reader.Segment().Index()
}

func (f *Feeder) Close() error {
	if f.reader == nil {
		return nil
	}
	return f.reader.Close()
}
