package mpegts

import "sync"

// TableCache keeps the most recent PAT and PMT packets of a stream so they
// can be replayed at the start of every segment.
type TableCache struct {
	mu     sync.RWMutex
	pat    []byte
	pmt    []byte
	pmtPID uint16
}

func NewTableCache() *TableCache {
	return &TableCache{pmtPID: DefaultPMTPID}
}

// Observe classifies pkt and stores it when it is a PAT or PMT. A PAT also
// updates the PMT PID used for subsequent classification.
func (c *TableCache) Observe(pkt []byte) MessageType {
	if !IsValidPacket(pkt) {
		return MessageData
	}

	pid := PacketPID(pkt)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case pid == PIDPAT:
		c.pat = append(c.pat[:0], pkt...)
		if pmtPID, ok := PMTPIDFromPAT(pkt); ok {
			c.pmtPID = pmtPID
		}
		return MessageConfigPAT
	case pid == c.pmtPID:
		c.pmt = append(c.pmt[:0], pkt...)
		return MessageConfigPMT
	case pid == VideoPID:
		return MessageVideo
	case pid == AudioPID:
		return MessageAudio
	default:
		return MessageData
	}
}

// PAT returns a copy of the cached PAT, or nil.
func (c *TableCache) PAT() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.pat)
}

// PMT returns a copy of the cached PMT, or nil.
func (c *TableCache) PMT() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return clone(c.pmt)
}

func (c *TableCache) PMTPID() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pmtPID
}

// Ready reports whether both tables have been seen.
func (c *TableCache) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pat) == PacketSize && len(c.pmt) == PacketSize
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
