// Package segment holds the append-only MPEG-TS containers that back each
// HLS media segment. A Segment has exactly one writer and any number of
// Readers, each of which owns its own cursor.
package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ChunkSize is the size of one MPEG-TS packet. Readers only ever see whole chunks.
const ChunkSize = 188

const (
	// DefaultLockTimeout bounds how long a reader waits for the segment lock.
	DefaultLockTimeout = time.Second

	// DefaultInitialCapacity is the starting size of a memory segment buffer.
	DefaultInitialCapacity = ChunkSize * 1024
)

var (
	// ErrNoData is returned by Reader.Next when no complete chunk is available yet.
	ErrNoData = errors.New("segment: no data available yet")

	// ErrLockTimeout is returned when a reader could not take the segment lock in time.
	ErrLockTimeout = errors.New("segment: lock acquisition timed out")

	// ErrDisposed is returned when reading from a segment whose storage has been released.
	ErrDisposed = errors.New("segment: disposed")

	// ErrShortBuffer is returned when the read buffer cannot hold one chunk.
	ErrShortBuffer = errors.New("segment: buffer smaller than one chunk")

	// ErrInvalidStorage is returned by ParseStorage for unknown backends.
	ErrInvalidStorage = errors.New("segment: invalid storage backend")
)

// Storage selects where segment bytes live.
type Storage string

const (
	StorageMemory Storage = "memory"
	StorageDisk   Storage = "disk"
)

// ParseStorage converts a configuration value into a Storage.
func ParseStorage(s string) (Storage, error) {
	switch Storage(s) {
	case StorageMemory, "":
		return StorageMemory, nil
	case StorageDisk:
		return StorageDisk, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStorage, s)
	}
}

// Options configures a new Segment. Zero values fall back to defaults.
type Options struct {
	Storage         Storage
	Dir             string
	LockTimeout     time.Duration
	InitialCapacity int
	Logger          *slog.Logger
}

// Segment is one time-slice of a live stream's transport stream output.
type Segment struct {
	name        string
	index       int
	created     time.Time
	storage     Storage
	path        string
	lockTimeout time.Duration
	log         *slog.Logger

	// lock is a single-slot token: the writer acquires it blocking,
	// readers acquire it with a deadline.
	lock *semaphore.Weighted
	buf  []byte
	file *os.File

	size   atomic.Int64
	chunks atomic.Int64

	closed   atomic.Bool
	disposed atomic.Bool
	last     atomic.Bool

	patWritten atomic.Bool
	pmtWritten atomic.Bool

	mu       sync.RWMutex
	duration time.Duration
}

// New creates a segment for the named stream. For disk storage the backing
// file <dir>/<name>_<index>.ts is created immediately.
func New(name string, index int, opts Options) (*Segment, error) {
	if opts.Storage == "" {
		opts.Storage = StorageMemory
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.InitialCapacity <= 0 {
		opts.InitialCapacity = DefaultInitialCapacity
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Segment{
		name:        name,
		index:       index,
		created:     time.Now(),
		storage:     opts.Storage,
		lockTimeout: opts.LockTimeout,
		log:         opts.Logger.With(slog.String("stream", name), slog.Int("segment", index)),
		lock:        semaphore.NewWeighted(1),
	}

	switch opts.Storage {
	case StorageMemory:
		s.buf = make([]byte, 0, opts.InitialCapacity)
	case StorageDisk:
		s.path = filepath.Join(opts.Dir, FileName(name, index))
		f, err := os.OpenFile(s.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("creating segment file: %w", err)
		}
		s.file = f
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStorage, opts.Storage)
	}

	return s, nil
}

// FileName returns the on-disk name of a segment.
func FileName(name string, index int) string {
	return fmt.Sprintf("%s_%d.ts", name, index)
}

func (s *Segment) Name() string       { return s.name }
func (s *Segment) Index() int         { return s.index }
func (s *Segment) Created() time.Time { return s.created }
func (s *Segment) Storage() Storage   { return s.storage }

// Path returns the backing file path, or "" for memory segments.
func (s *Segment) Path() string { return s.path }

// Size returns the current write position in bytes.
func (s *Segment) Size() int64 { return s.size.Load() }

// Chunks returns the number of successful writes.
func (s *Segment) Chunks() int64 { return s.chunks.Load() }

func (s *Segment) IsClosed() bool   { return s.closed.Load() }
func (s *Segment) IsDisposed() bool { return s.disposed.Load() }

func (s *Segment) IsLast() bool      { return s.last.Load() }
func (s *Segment) SetLast(last bool) { s.last.Store(last) }

func (s *Segment) IsPATWritten() bool   { return s.patWritten.Load() }
func (s *Segment) SetPATWritten(v bool) { s.patWritten.Store(v) }
func (s *Segment) IsPMTWritten() bool   { return s.pmtWritten.Load() }
func (s *Segment) SetPMTWritten(v bool) { s.pmtWritten.Store(v) }

// Duration returns the accumulated media duration of the segment.
func (s *Segment) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.duration
}

// SetDuration records the accumulated media duration of the segment.
func (s *Segment) SetDuration(d time.Duration) {
	s.mu.Lock()
	s.duration = d
	s.mu.Unlock()
}

// Write appends p to the segment and returns the number of bytes stored.
// It is a no-op once the segment is closed. Disk segments are synced after
// every write. Storage failures are logged and reported as a short count.
func (s *Segment) Write(p []byte) int {
	if len(p) == 0 || s.closed.Load() {
		return 0
	}

	if err := s.lock.Acquire(context.Background(), 1); err != nil {
		return 0
	}
	defer s.lock.Release(1)

	if s.closed.Load() || s.disposed.Load() {
		return 0
	}

	var n int
	switch s.storage {
	case StorageMemory:
		s.buf = append(s.buf, p...)
		n = len(p)
	case StorageDisk:
		var err error
		n, err = s.file.Write(p)
		if err == nil {
			err = s.file.Sync()
		}
		if err != nil {
			s.log.Warn("segment write failed", slog.String("error", err.Error()), slog.Int("written", n))
			n = s.alignShortWriteLocked(n)
		}
	}

	if n > 0 {
		s.size.Add(int64(n))
		s.chunks.Add(1)
	}
	return n
}

// alignShortWriteLocked keeps only the whole packets of a failed write of n
// bytes, cutting the file back so the next write starts on a packet
// boundary. It returns the bytes kept. Caller holds the lock.
func (s *Segment) alignShortWriteLocked(n int) int {
	kept := n - n%ChunkSize
	if kept == n {
		return n
	}
	end := s.size.Load() + int64(kept)
	if err := s.file.Truncate(end); err != nil {
		s.log.Warn("truncating short write failed", slog.String("error", err.Error()))
	}
	if _, err := s.file.Seek(end, io.SeekStart); err != nil {
		s.log.Warn("rewinding short write failed", slog.String("error", err.Error()))
	}
	return kept
}

// Close stops accepting writes. Memory segments give back spare capacity and
// disk segments close their write handle; the data stays readable until
// Dispose. Close is idempotent.
func (s *Segment) Close() error {
	if s.closed.Load() {
		return nil
	}

	if err := s.lock.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer s.lock.Release(1)

	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.log.Debug("segment closed",
		slog.Int64("chunks", s.chunks.Load()),
		slog.Int64("bytes", s.size.Load()),
		slog.Duration("duration", s.Duration()))

	switch s.storage {
	case StorageMemory:
		if cap(s.buf) > len(s.buf) {
			trimmed := make([]byte, len(s.buf))
			copy(trimmed, s.buf)
			s.buf = trimmed
		}
	case StorageDisk:
		if s.file != nil {
			err := s.file.Close()
			s.file = nil
			if err != nil {
				return fmt.Errorf("closing segment file: %w", err)
			}
		}
	}
	return nil
}

// Dispose releases the segment's storage. It must only be called once the
// segment has left the retention window; it cannot be undone.
func (s *Segment) Dispose() {
	if err := s.lock.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer s.lock.Release(1)

	if !s.disposed.CompareAndSwap(false, true) {
		return
	}
	s.closed.Store(true)

	switch s.storage {
	case StorageMemory:
		s.buf = nil
	case StorageDisk:
		if s.file != nil {
			_ = s.file.Close()
			s.file = nil
		}
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("removing segment file failed", slog.String("path", s.path), slog.String("error", err.Error()))
		}
	}
	s.log.Debug("segment disposed")
}

// readChunkLocked copies the chunk at off into dst. Caller holds the lock.
func (s *Segment) readChunkLocked(dst []byte, off int64, file *os.File) (int, error) {
	if s.disposed.Load() {
		return 0, ErrDisposed
	}
	if off+ChunkSize > s.size.Load() {
		return 0, ErrNoData
	}

	switch s.storage {
	case StorageMemory:
		return copy(dst[:ChunkSize], s.buf[off:off+ChunkSize]), nil
	default:
		n, err := file.ReadAt(dst[:ChunkSize], off)
		if n < ChunkSize {
			if err == nil {
				err = ErrNoData
			}
			return 0, err
		}
		return n, nil
	}
}

func (s *Segment) String() string {
	return fmt.Sprintf("Segment[name=%s index=%d created=%s]", s.name, s.index, s.created.Format(time.RFC3339))
}
