// Package mpegts contains the transport stream plumbing between the encoder
// and the segment writer: packet helpers, PAT parsing, the PAT/PMT cache, the
// packetizing byte sink and the astits-based encoder.
package mpegts

import "errors"

const (
	PacketSize = 188
	SyncByte   = 0x47

	PIDPAT uint16 = 0x0000
	// DefaultPMTPID is the PMT PID used until a PAT says otherwise.
	DefaultPMTPID uint16 = 0x1000
	VideoPID      uint16 = 256
	AudioPID      uint16 = 257
)

var (
	ErrInvalidPacket = errors.New("mpegts: invalid packet")
	ErrNotPAT        = errors.New("mpegts: not a PAT section")
	ErrShortSection  = errors.New("mpegts: section truncated")
)

// PacketPID returns the 13-bit PID of a transport packet.
func PacketPID(pkt []byte) uint16 {
	return uint16(pkt[1]&0x1f)<<8 | uint16(pkt[2])
}

// IsValidPacket reports whether pkt looks like one transport packet.
func IsValidPacket(pkt []byte) bool {
	return len(pkt) == PacketSize && pkt[0] == SyncByte
}

// payloadStart reports whether the payload_unit_start_indicator is set.
func payloadStart(pkt []byte) bool {
	return pkt[1]&0x40 != 0
}

// payloadOffset returns the offset of the packet payload, skipping the
// adaptation field. ok is false when the packet carries no payload.
func payloadOffset(pkt []byte) (int, bool) {
	off := 4
	switch (pkt[3] >> 4) & 0x03 {
	case 0x01:
	case 0x03:
		off += 1 + int(pkt[4])
	default:
		return 0, false
	}
	if off >= len(pkt) {
		return 0, false
	}
	return off, true
}
