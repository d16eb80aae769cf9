package segment

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Reader walks a segment one chunk at a time. Each delivery connection owns
// its own Reader; cursors are never shared.
type Reader struct {
	id     string
	seg    *Segment
	cursor int64
	file   *os.File
}

// NewReader returns a reader positioned at the start of the segment.
func (s *Segment) NewReader() *Reader {
	return &Reader{id: uuid.NewString(), seg: s}
}

// ID identifies the reader in logs.
func (r *Reader) ID() string { return r.id }

// Position returns the byte offset of the next chunk.
func (r *Reader) Position() int64 { return r.cursor }

// Segment returns the segment being read.
func (r *Reader) Segment() *Segment { return r.seg }

// HasMoreData reports whether a complete chunk is available at the cursor.
func (r *Reader) HasMoreData() bool {
	if r.seg.disposed.Load() {
		return false
	}
	return r.cursor+ChunkSize <= r.seg.size.Load()
}

// Next copies the next complete chunk into buf and advances the cursor.
// The cursor only moves when a chunk was delivered.
func (r *Reader) Next(buf []byte) (int, error) {
	if len(buf) < ChunkSize {
		return 0, ErrShortBuffer
	}
	if r.seg.disposed.Load() {
		return 0, ErrDisposed
	}
	if !r.HasMoreData() {
		return 0, ErrNoData
	}

	if r.seg.storage == StorageDisk && r.file == nil {
		f, err := os.Open(r.seg.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return 0, ErrDisposed
			}
			return 0, fmt.Errorf("opening segment for read: %w", err)
		}
		r.file = f
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.seg.lockTimeout)
	defer cancel()
	if err := r.seg.lock.Acquire(ctx, 1); err != nil {
		return 0, ErrLockTimeout
	}
	defer r.seg.lock.Release(1)

	n, err := r.seg.readChunkLocked(buf, r.cursor, r.file)
	if err != nil {
		return 0, err
	}
	r.cursor += int64(n)
	return n, nil
}

// Close releases the reader's file handle, if any.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
