package mixer

import (
	"math"
	"sync"
)

// MaxBacklog is the number of queued batches after which a track rejects pushes.
const MaxBacklog = 1000

// Track is one incoming audio stream of a mixer. Samples are interleaved
// signed 16-bit PCM.
type Track struct {
	name     string
	channels int

	mu      sync.Mutex
	gain    float64
	batches [][]int16
	offset  int // consumed samples of batches[0]
	count   int // buffered samples, all channels
}

func newTrack(name string, channels int) *Track {
	return &Track{name: name, channels: channels, gain: 1}
}

func (t *Track) Name() string  { return t.name }
func (t *Track) Channels() int { return t.channels }

func (t *Track) Gain() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gain
}

// SetGain scales every sample of the track before it is mixed.
func (t *Track) SetGain(g float64) {
	if g < 0 || math.IsNaN(g) || math.IsInf(g, 0) {
		return
	}
	t.mu.Lock()
	t.gain = g
	t.mu.Unlock()
}

// Frames returns the number of complete sample frames buffered.
func (t *Track) Frames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count / t.channels
}

// Backlog returns the number of queued batches.
func (t *Track) Backlog() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.batches)
}

func (t *Track) push(samples []int16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.batches) > MaxBacklog {
		return false
	}
	if len(samples) == 0 {
		return true
	}
	batch := make([]int16, len(samples))
	copy(batch, samples)
	t.batches = append(t.batches, batch)
	t.count += len(batch)
	return true
}

// peek returns up to frames sample frames, contiguous and interleaved,
// without consuming them, together with the current gain.
func (t *Track) peek(frames int) ([]int16, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	want := frames * t.channels
	if want > t.count {
		want = t.count - t.count%t.channels
	}
	out := make([]int16, 0, want)
	off := t.offset
	for _, b := range t.batches {
		if len(out) == want {
			break
		}
		n := want - len(out)
		if avail := len(b) - off; n > avail {
			n = avail
		}
		out = append(out, b[off:off+n]...)
		off = 0
	}
	return out, t.gain
}

// skip drops up to frames sample frames from the head of the queue.
func (t *Track) skip(frames int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := frames * t.channels
	if n > t.count {
		n = t.count
	}
	t.count -= n
	for n > 0 && len(t.batches) > 0 {
		avail := len(t.batches[0]) - t.offset
		if n < avail {
			t.offset += n
			return
		}
		n -= avail
		t.batches[0] = nil
		t.batches = t.batches[1:]
		t.offset = 0
	}
}

func (t *Track) clear() {
	t.mu.Lock()
	t.batches = nil
	t.offset = 0
	t.count = 0
	t.mu.Unlock()
}
