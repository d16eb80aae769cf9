package mpegts

import "fmt"

const tableIDPAT = 0x00

// Program is one entry of a program association table.
type Program struct {
	Number uint16
	PMTPID uint16
}

// ParsePAT extracts the program entries from a single-packet PAT. The CRC is
// not verified; the table is re-emitted byte for byte, never rewritten.
func ParsePAT(pkt []byte) ([]Program, error) {
	if !IsValidPacket(pkt) || PacketPID(pkt) != PIDPAT {
		return nil, ErrInvalidPacket
	}

	off, ok := payloadOffset(pkt)
	if !ok {
		return nil, fmt.Errorf("%w: no payload", ErrInvalidPacket)
	}
	if payloadStart(pkt) {
		off += 1 + int(pkt[off])
	}
	if off+3 > len(pkt) {
		return nil, ErrShortSection
	}
	if pkt[off] != tableIDPAT {
		return nil, fmt.Errorf("%w: table id 0x%02x", ErrNotPAT, pkt[off])
	}

	// [0] table_id [1-2] section_length [3-4] transport_stream_id
	// [5] version [6] section_number [7] last_section_number
	// [8..N-4] entries, then CRC32
	sectionLength := int(pkt[off+1]&0x0f)<<8 | int(pkt[off+2])
	end := off + 3 + sectionLength - 4
	if end > len(pkt) {
		return nil, ErrShortSection
	}

	var programs []Program
	for i := off + 8; i+4 <= end; i += 4 {
		programs = append(programs, Program{
			Number: uint16(pkt[i])<<8 | uint16(pkt[i+1]),
			PMTPID: uint16(pkt[i+2]&0x1f)<<8 | uint16(pkt[i+3]),
		})
	}
	return programs, nil
}

// PMTPIDFromPAT returns the PMT PID of the first program in the table.
// Program number 0 points at the network PID and is skipped.
func PMTPIDFromPAT(pkt []byte) (uint16, bool) {
	programs, err := ParsePAT(pkt)
	if err != nil {
		return 0, false
	}
	for _, p := range programs {
		if p.Number != 0 {
			return p.PMTPID, true
		}
	}
	return 0, false
}
