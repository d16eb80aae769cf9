package orchestrator

import (
	"errors"
	"time"
)

// StreamID uniquely identifies a live stream.
type StreamID string

// GroupID identifies an audio mixer group.
type GroupID string

// StreamID returns the stream a group publishes its mix on.
func (g GroupID) StreamID() StreamID {
	return StreamID(string(g) + "-audio")
}

var (
	// ErrStreamNotFound is returned for streams that were never started or
	// have been removed.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrStreamExists is returned when starting a stream that is already running.
	ErrStreamExists = errors.New("stream already exists")

	// ErrStreamEnded is returned when pushing frames to a stream that has finished.
	ErrStreamEnded = errors.New("stream has ended")

	// ErrSegmentNotFound is returned for segment indices outside the retention window.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrNotReady is returned when a playlist has no completed segment yet.
	ErrNotReady = errors.New("not enough segments available")

	// ErrGroupNotFound is returned for unknown mixer groups.
	ErrGroupNotFound = errors.New("mixer group not found")

	// ErrGroupExists is returned when starting a mixer group twice.
	ErrGroupExists = errors.New("mixer group already exists")

	// ErrTrackNotFound is returned for unknown mixer tracks.
	ErrTrackNotFound = errors.New("mixer track not found")

	// ErrPushRejected is returned when a mixer track's backlog is full.
	ErrPushRejected = errors.New("audio push rejected")

	// ErrInvalidFrame is returned for frame bodies that cannot be decoded.
	ErrInvalidFrame = errors.New("invalid frame")
)

// SegmentInfo describes one retained segment in a stream status.
type SegmentInfo struct {
	Index    int     `json:"index"`
	Duration float64 `json:"duration"`
	Bytes    int64   `json:"bytes"`
	Closed   bool    `json:"closed"`
	Last     bool    `json:"last"`
}

// StreamStatus is the JSON view of a stream returned by GET /streams/{stream_id}.
type StreamStatus struct {
	ID           StreamID      `json:"id"`
	Created      time.Time     `json:"created"`
	ActiveIndex  int           `json:"active_index"`
	SegmentCount int           `json:"segment_count"`
	Pending      int           `json:"pending_frames"`
	Complete     bool          `json:"complete"`
	Segments     []SegmentInfo `json:"segments"`
}
