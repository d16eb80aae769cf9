package mpegts

// MessageType classifies what the encoder pushed into the sink.
type MessageType int

const (
	MessageData MessageType = iota
	MessageAudio
	MessageVideo
	MessageConfigPAT
	MessageConfigPMT
	// MessageHeader is sent once when the encoder opens. It carries no payload.
	MessageHeader
	// MessageEndOfStream is sent when the encoder closes. It carries no payload.
	MessageEndOfStream
)

func (t MessageType) String() string {
	switch t {
	case MessageAudio:
		return "audio"
	case MessageVideo:
		return "video"
	case MessageConfigPAT:
		return "config-pat"
	case MessageConfigPMT:
		return "config-pmt"
	case MessageHeader:
		return "header"
	case MessageEndOfStream:
		return "end-of-stream"
	default:
		return "data"
	}
}

// IsConfig reports whether the message carries a PSI table.
func (t MessageType) IsConfig() bool {
	return t == MessageConfigPAT || t == MessageConfigPMT
}

// Message is one unit delivered by the Packetizer. Payload is a single
// 188-byte packet for packet-bearing types.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Handler consumes messages produced by the Packetizer.
type Handler interface {
	HandleMessage(Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Message)

func (f HandlerFunc) HandleMessage(m Message) { f(m) }
