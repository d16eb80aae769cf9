package mpegts

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

const (
	CodecH264 = "h264"
	CodecLPCM = "lpcm"
	CodecNone = "none"

	// lpcmStreamType is the registered stream type for LPCM audio.
	lpcmStreamType astits.StreamType = 0x80

	streamIDVideo   = 0xe0
	streamIDPrivate = 0xbd
)

var (
	ErrNegotiation        = errors.New("mpegts: codec negotiation failed")
	ErrEncoderClosed      = errors.New("mpegts: encoder closed")
	ErrInvalidAccessUnit  = errors.New("mpegts: invalid H.264 access unit")
	ErrTrackNotConfigured = errors.New("mpegts: track not configured")
)

// EncoderConfig describes the output elementary streams.
type EncoderConfig struct {
	VideoCodec string
	AudioCodec string
	SampleRate int
	Channels   int
}

// Validate checks that the requested codecs can be carried.
func (c EncoderConfig) Validate() error {
	switch c.VideoCodec {
	case CodecH264, CodecNone, "":
	default:
		return fmt.Errorf("%w: unsupported video codec %q", ErrNegotiation, c.VideoCodec)
	}
	switch c.AudioCodec {
	case CodecLPCM, CodecNone, "":
	default:
		return fmt.Errorf("%w: unsupported audio codec %q", ErrNegotiation, c.AudioCodec)
	}
	if !c.HasVideo() && !c.HasAudio() {
		return fmt.Errorf("%w: no elementary streams", ErrNegotiation)
	}
	if c.HasAudio() {
		if c.SampleRate <= 0 {
			return fmt.Errorf("%w: sample rate %d", ErrNegotiation, c.SampleRate)
		}
		if c.Channels < 1 || c.Channels > 8 {
			return fmt.Errorf("%w: channel count %d", ErrNegotiation, c.Channels)
		}
	}
	return nil
}

func (c EncoderConfig) HasVideo() bool { return c.VideoCodec == CodecH264 }
func (c EncoderConfig) HasAudio() bool { return c.AudioCodec == CodecLPCM }

// Encoder muxes H.264 access units and PCM audio into the Packetizer.
type Encoder struct {
	mu     sync.Mutex
	cfg    EncoderConfig
	sink   *Packetizer
	mux    *astits.Muxer
	opened bool
	closed bool
}

// NewEncoder negotiates the configured streams. A negotiation error is fatal
// for the stream.
func NewEncoder(cfg EncoderConfig, sink *Packetizer) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mux := astits.NewMuxer(context.Background(), sink)

	if cfg.HasVideo() {
		if err := mux.AddElementaryStream(astits.PMTElementaryStream{
			ElementaryPID: VideoPID,
			StreamType:    astits.StreamTypeH264Video,
		}); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNegotiation, err)
		}
	}
	if cfg.HasAudio() {
		if err := mux.AddElementaryStream(astits.PMTElementaryStream{
			ElementaryPID: AudioPID,
			StreamType:    lpcmStreamType,
		}); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNegotiation, err)
		}
	}

	if cfg.HasVideo() {
		mux.SetPCRPID(VideoPID)
	} else {
		mux.SetPCRPID(AudioPID)
	}

	return &Encoder{cfg: cfg, sink: sink, mux: mux}, nil
}

func (e *Encoder) Config() EncoderConfig { return e.cfg }

// Open announces the stream and emits the first PAT/PMT.
func (e *Encoder) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEncoderClosed
	}
	if e.opened {
		return nil
	}
	e.opened = true

	e.sink.Signal(MessageHeader)
	if _, err := e.mux.WriteTables(); err != nil {
		return fmt.Errorf("writing tables: %w", err)
	}
	return nil
}

// WriteVideo muxes one Annex-B access unit presented at ts.
func (e *Encoder) WriteVideo(data []byte, ts time.Duration) error {
	if !e.cfg.HasVideo() {
		return ErrTrackNotConfigured
	}

	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAccessUnit, err)
	}
	payload, err := au.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAccessUnit, err)
	}

	pts := toClock(ts)

	return e.write(&astits.MuxerData{
		PID: VideoPID,
		AdaptationField: &astits.PacketAdaptationField{
			RandomAccessIndicator: h264.IsRandomAccess(au),
			HasPCR:                true,
			PCR:                   &astits.ClockReference{Base: pts},
		},
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: &astits.PESOptionalHeader{
					MarkerBits:             2,
					DataAlignmentIndicator: true,
					PTSDTSIndicator:        astits.PTSDTSIndicatorOnlyPTS,
					PTS:                    &astits.ClockReference{Base: pts},
				},
				StreamID: streamIDVideo,
			},
			Data: payload,
		},
	})
}

// WriteAudio muxes interleaved signed 16-bit samples presented at ts.
func (e *Encoder) WriteAudio(samples []int16, ts time.Duration) error {
	if !e.cfg.HasAudio() {
		return ErrTrackNotConfigured
	}
	if len(samples) == 0 {
		return nil
	}

	pts := toClock(ts)
	d := &astits.MuxerData{
		PID: AudioPID,
		PES: &astits.PESData{
			Header: &astits.PESHeader{
				OptionalHeader: &astits.PESOptionalHeader{
					MarkerBits:             2,
					DataAlignmentIndicator: true,
					PTSDTSIndicator:        astits.PTSDTSIndicatorOnlyPTS,
					PTS:                    &astits.ClockReference{Base: pts},
				},
				StreamID: streamIDPrivate,
			},
			Data: EncodePCM(samples),
		},
	}
	if !e.cfg.HasVideo() {
		d.AdaptationField = &astits.PacketAdaptationField{
			RandomAccessIndicator: true,
			HasPCR:                true,
			PCR:                   &astits.ClockReference{Base: pts},
		}
	}
	return e.write(d)
}

func (e *Encoder) write(d *astits.MuxerData) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEncoderClosed
	}
	if _, err := e.mux.WriteData(d); err != nil {
		return fmt.Errorf("muxing pid %d: %w", d.PID, err)
	}
	return nil
}

// Close ends the stream. The end-of-stream marker is delivered exactly once.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.sink.Signal(MessageEndOfStream)
	return nil
}

func (e *Encoder) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// IsKeyframe reports whether an Annex-B access unit starts a GOP.
func IsKeyframe(data []byte) bool {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return false
	}
	return h264.IsRandomAccess(au)
}

// EncodePCM converts interleaved samples to big-endian LPCM bytes.
func EncodePCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.BigEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// toClock converts a media timestamp to 90kHz ticks.
func toClock(ts time.Duration) int64 {
	return int64(ts/time.Microsecond) * 9 / 100
}
