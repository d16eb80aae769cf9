package mpegts

import (
	"bytes"
	"sync"
)

// Packetizer is the io.Writer the encoder writes into. It reassembles the
// byte stream into whole transport packets, runs each through the table
// cache and hands the classified packet to the handler.
type Packetizer struct {
	mu      sync.Mutex
	cache   *TableCache
	handler Handler
	pending []byte
	dropped int
}

func NewPacketizer(cache *TableCache, h Handler) *Packetizer {
	if cache == nil {
		cache = NewTableCache()
	}
	return &Packetizer{cache: cache, handler: h}
}

func (p *Packetizer) Cache() *TableCache { return p.cache }

// Write always consumes all of b. Bytes that cannot be aligned on a sync
// byte are discarded and counted.
func (p *Packetizer) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = append(p.pending, b...)

	for len(p.pending) >= PacketSize {
		if p.pending[0] != SyncByte {
			i := bytes.IndexByte(p.pending, SyncByte)
			if i < 0 {
				p.dropped += len(p.pending)
				p.pending = p.pending[:0]
				break
			}
			p.dropped += i
			p.pending = p.pending[i:]
			continue
		}

		pkt := make([]byte, PacketSize)
		copy(pkt, p.pending[:PacketSize])
		p.pending = p.pending[PacketSize:]

		p.handler.HandleMessage(Message{Type: p.cache.Observe(pkt), Payload: pkt})
	}

	if len(p.pending) == 0 {
		p.pending = nil
	}
	return len(b), nil
}

// Signal forwards a payload-less control message such as a header or
// end-of-stream marker.
func (p *Packetizer) Signal(t MessageType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler.HandleMessage(Message{Type: t})
}

// Dropped returns the number of bytes discarded while resyncing.
func (p *Packetizer) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}
