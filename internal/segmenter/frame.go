package segmenter

import (
	"sync"
	"time"
)

// FrameKind tells the drain task which encoder path a frame takes.
type FrameKind int

const (
	FrameAudio FrameKind = iota
	FrameVideo
)

func (k FrameKind) String() string {
	if k == FrameVideo {
		return "video"
	}
	return "audio"
}

// Frame is one unit of ingress waiting to be encoded.
type Frame struct {
	Kind      FrameKind
	Timestamp time.Duration
	Samples   []int16
	Payload   []byte
	Keyframe  bool
}

// frameQueue is an unbounded FIFO shared by ingress and the drain task.
type frameQueue struct {
	mu     sync.Mutex
	frames []Frame
}

func (q *frameQueue) push(f Frame) {
	q.mu.Lock()
	q.frames = append(q.frames, f)
	q.mu.Unlock()
}

// popAll removes and returns everything queued, oldest first.
func (q *frameQueue) popAll() []Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.frames
	q.frames = nil
	return out
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
