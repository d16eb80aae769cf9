package orchestrator

import (
	"sort"

	"hls-segmenter/internal/segmenter"
)

// Store holds the segment sets of running streams. Implementations are not
// required to be safe for concurrent use; the Registry serializes access.
type Store interface {
	GetStream(id StreamID) (*segmenter.SegmentSet, bool)
	SetStream(id StreamID, set *segmenter.SegmentSet)
	DeleteStream(id StreamID)
	ListStreamIDs() []StreamID
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	streams map[StreamID]*segmenter.SegmentSet
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		streams: make(map[StreamID]*segmenter.SegmentSet),
	}
}

// GetStream implements Store.GetStream.
func (s *InMemoryStore) GetStream(id StreamID) (*segmenter.SegmentSet, bool) {
	set, ok := s.streams[id]
	return set, ok
}

// SetStream implements Store.SetStream.
func (s *InMemoryStore) SetStream(id StreamID, set *segmenter.SegmentSet) {
	s.streams[id] = set
}

// DeleteStream implements Store.DeleteStream.
func (s *InMemoryStore) DeleteStream(id StreamID) {
	delete(s.streams, id)
}

// ListStreamIDs implements Store.ListStreamIDs. IDs are sorted.
func (s *InMemoryStore) ListStreamIDs() []StreamID {
	ids := make([]StreamID, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
