package mpegts

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/asticode/go-astits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKeyframe = []byte{
		0, 0, 0, 1, 0x67, 0x42, 0x00, 0x1e,
		0, 0, 0, 1, 0x68, 0xce, 0x38, 0x80,
		0, 0, 0, 1, 0x65, 0x88, 0x84, 0x21,
	}
	testDeltaFrame = []byte{0, 0, 0, 1, 0x41, 0x9a, 0x24, 0x6c}
)

// buildPAT returns a single-packet PAT with the given programs and a zero CRC.
func buildPAT(programs ...Program) []byte {
	pkt := bytes.Repeat([]byte{0xff}, PacketSize)
	pkt[0] = SyncByte
	pkt[1] = 0x40
	pkt[2] = 0x00
	pkt[3] = 0x10
	pkt[4] = 0x00

	sectionLength := 5 + 4*len(programs) + 4
	pkt[5] = tableIDPAT
	pkt[6] = 0xb0 | byte(sectionLength>>8)&0x0f
	pkt[7] = byte(sectionLength)
	pkt[8], pkt[9] = 0x00, 0x01
	pkt[10] = 0xc1
	pkt[11], pkt[12] = 0, 0

	off := 13
	for _, p := range programs {
		pkt[off] = byte(p.Number >> 8)
		pkt[off+1] = byte(p.Number)
		pkt[off+2] = 0xe0 | byte(p.PMTPID>>8)&0x1f
		pkt[off+3] = byte(p.PMTPID)
		off += 4
	}
	copy(pkt[off:off+4], []byte{0, 0, 0, 0})
	return pkt
}

func packetWithPID(pid uint16, fill byte) []byte {
	pkt := bytes.Repeat([]byte{fill}, PacketSize)
	pkt[0] = SyncByte
	pkt[1] = byte(pid>>8) & 0x1f
	pkt[2] = byte(pid)
	pkt[3] = 0x10
	return pkt
}

func TestParsePAT(t *testing.T) {
	pkt := buildPAT(Program{Number: 0, PMTPID: 0x0010}, Program{Number: 1, PMTPID: 0x0100}, Program{Number: 2, PMTPID: 0x0200})

	programs, err := ParsePAT(pkt)
	require.NoError(t, err)
	assert.Equal(t, []Program{{0, 0x0010}, {1, 0x0100}, {2, 0x0200}}, programs)

	pid, ok := PMTPIDFromPAT(pkt)
	require.True(t, ok)
	assert.Equal(t, uint16(0x0100), pid, "first non-network program wins")
}

func TestParsePAT_Rejects(t *testing.T) {
	_, err := ParsePAT(packetWithPID(VideoPID, 0))
	assert.ErrorIs(t, err, ErrInvalidPacket)

	_, err = ParsePAT([]byte{SyncByte, 0, 0})
	assert.ErrorIs(t, err, ErrInvalidPacket)

	notPAT := buildPAT(Program{Number: 1, PMTPID: 0x100})
	notPAT[5] = 0x02
	_, err = ParsePAT(notPAT)
	assert.ErrorIs(t, err, ErrNotPAT)

	_, ok := PMTPIDFromPAT(buildPAT())
	assert.False(t, ok)
}

func TestTableCache_ObserveDiscoversPMTPID(t *testing.T) {
	c := NewTableCache()
	assert.Equal(t, DefaultPMTPID, c.PMTPID())
	assert.False(t, c.Ready())

	assert.Equal(t, MessageConfigPMT, c.Observe(packetWithPID(DefaultPMTPID, 1)))

	pat := buildPAT(Program{Number: 1, PMTPID: 0x0042})
	assert.Equal(t, MessageConfigPAT, c.Observe(pat))
	assert.Equal(t, uint16(0x0042), c.PMTPID())

	pmt := packetWithPID(0x0042, 2)
	assert.Equal(t, MessageConfigPMT, c.Observe(pmt))
	assert.Equal(t, MessageData, c.Observe(packetWithPID(DefaultPMTPID, 3)))
	assert.Equal(t, MessageVideo, c.Observe(packetWithPID(VideoPID, 4)))
	assert.Equal(t, MessageAudio, c.Observe(packetWithPID(AudioPID, 5)))

	assert.True(t, c.Ready())
	assert.Equal(t, pat, c.PAT())
	assert.Equal(t, pmt, c.PMT())

	got := c.PMT()
	got[10] = 0x00
	assert.Equal(t, pmt, c.PMT(), "returned tables are copies")
}

func TestPacketizer_ReassemblesSplitWrites(t *testing.T) {
	var got []Message
	p := NewPacketizer(nil, HandlerFunc(func(m Message) { got = append(got, m) }))

	stream := append(buildPAT(Program{Number: 1, PMTPID: DefaultPMTPID}), packetWithPID(DefaultPMTPID, 1)...)
	stream = append(stream, packetWithPID(VideoPID, 2)...)

	for _, cut := range [][2]int{{0, 7}, {7, 200}, {200, 376}, {376, len(stream)}} {
		n, err := p.Write(stream[cut[0]:cut[1]])
		require.NoError(t, err)
		assert.Equal(t, cut[1]-cut[0], n)
	}

	require.Len(t, got, 3)
	assert.Equal(t, MessageConfigPAT, got[0].Type)
	assert.Equal(t, MessageConfigPMT, got[1].Type)
	assert.Equal(t, MessageVideo, got[2].Type)
	for _, m := range got {
		assert.Len(t, m.Payload, PacketSize)
	}
}

func TestPacketizer_ResyncsOnGarbage(t *testing.T) {
	var got []Message
	p := NewPacketizer(nil, HandlerFunc(func(m Message) { got = append(got, m) }))

	_, _ = p.Write(append([]byte{0x00, 0x01, 0x02}, packetWithPID(AudioPID, 9)...))

	require.Len(t, got, 1)
	assert.Equal(t, MessageAudio, got[0].Type)
	assert.Equal(t, 3, p.Dropped())
}

func TestEncoderConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     EncoderConfig
		wantErr bool
	}{
		{"video and audio", EncoderConfig{VideoCodec: CodecH264, AudioCodec: CodecLPCM, SampleRate: 44100, Channels: 2}, false},
		{"video only", EncoderConfig{VideoCodec: CodecH264}, false},
		{"audio only", EncoderConfig{AudioCodec: CodecLPCM, SampleRate: 48000, Channels: 1}, false},
		{"nothing", EncoderConfig{}, true},
		{"unknown video", EncoderConfig{VideoCodec: "vp9"}, true},
		{"unknown audio", EncoderConfig{AudioCodec: "opus", SampleRate: 48000, Channels: 2}, true},
		{"bad rate", EncoderConfig{AudioCodec: CodecLPCM, Channels: 2}, true},
		{"bad channels", EncoderConfig{AudioCodec: CodecLPCM, SampleRate: 44100, Channels: 9}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNegotiation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsKeyframe(t *testing.T) {
	assert.True(t, IsKeyframe(testKeyframe))
	assert.False(t, IsKeyframe(testDeltaFrame))
	assert.False(t, IsKeyframe(nil))
}

func TestEncodePCM(t *testing.T) {
	assert.Equal(t, []byte{0x00, 0x01, 0xff, 0xff, 0x80, 0x00}, EncodePCM([]int16{1, -1, -32768}))
}

func TestEncoder_EmitsDecodableStream(t *testing.T) {
	var messages []Message
	var out bytes.Buffer
	sink := NewPacketizer(nil, HandlerFunc(func(m Message) {
		messages = append(messages, m)
		out.Write(m.Payload)
	}))

	enc, err := NewEncoder(EncoderConfig{VideoCodec: CodecH264, AudioCodec: CodecLPCM, SampleRate: 44100, Channels: 2}, sink)
	require.NoError(t, err)
	require.NoError(t, enc.Open())

	require.NoError(t, enc.WriteVideo(testKeyframe, 0))
	require.NoError(t, enc.WriteAudio(make([]int16, 882), 10*time.Millisecond))
	require.NoError(t, enc.WriteVideo(testDeltaFrame, 40*time.Millisecond))
	require.NoError(t, enc.Close())
	require.NoError(t, enc.Close())

	require.NotEmpty(t, messages)
	assert.Equal(t, MessageHeader, messages[0].Type)
	assert.Equal(t, MessageConfigPAT, messages[1].Type)
	assert.Equal(t, MessageConfigPMT, messages[2].Type)
	assert.Equal(t, MessageEndOfStream, messages[len(messages)-1].Type)
	assert.True(t, sink.Cache().Ready())

	assert.ErrorIs(t, enc.WriteVideo(testKeyframe, time.Second), ErrEncoderClosed)

	dmx := astits.NewDemuxer(context.Background(), bytes.NewReader(out.Bytes()))
	var sawPMT, sawVideo bool
	for {
		d, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			require.NoError(t, err)
		}
		if d.PMT != nil {
			sawPMT = true
			var types []astits.StreamType
			for _, es := range d.PMT.ElementaryStreams {
				types = append(types, es.StreamType)
			}
			assert.Contains(t, types, astits.StreamTypeH264Video)
			assert.Contains(t, types, lpcmStreamType)
		}
		if d.PES != nil && d.PID == VideoPID {
			sawVideo = true
		}
	}
	assert.True(t, sawPMT)
	assert.True(t, sawVideo)
}

func TestEncoder_RejectsUnconfiguredTrack(t *testing.T) {
	sink := NewPacketizer(nil, HandlerFunc(func(Message) {}))
	enc, err := NewEncoder(EncoderConfig{VideoCodec: CodecH264}, sink)
	require.NoError(t, err)

	assert.ErrorIs(t, enc.WriteAudio([]int16{1, 2}, 0), ErrTrackNotConfigured)
	assert.ErrorIs(t, enc.WriteVideo([]byte{1, 2, 3}, 0), ErrInvalidAccessUnit)
}

func TestNewEncoder_NegotiationFailure(t *testing.T) {
	_, err := NewEncoder(EncoderConfig{VideoCodec: "mpeg2"}, NewPacketizer(nil, HandlerFunc(func(Message) {})))
	assert.ErrorIs(t, err, ErrNegotiation)
}
