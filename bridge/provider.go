package bridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/natejonesbaby/PropertyCall-Local-sub002/audio"
)

// ProviderEventKind classifies a decoded carrier media-stream message.
type ProviderEventKind int

const (
	ProviderUnknown ProviderEventKind = iota
	ProviderConnected
	ProviderStart
	ProviderMedia
	ProviderStop
	ProviderMark
	ProviderDTMF
)

func (k ProviderEventKind) String() string {
	switch k {
	case ProviderConnected:
		return "connected"
	case ProviderStart:
		return "start"
	case ProviderMedia:
		return "media"
	case ProviderStop:
		return "stop"
	case ProviderMark:
		return "mark"
	case ProviderDTMF:
		return "dtmf"
	default:
		return "unknown"
	}
}

// ProviderEvent is a carrier message in provider-neutral form.
type ProviderEvent struct {
	Kind     ProviderEventKind
	Name     string // raw event name
	StreamID string
	CallID   string

	// start
	Format     audio.Format
	Parameters map[string]string

	// media
	Track   string
	Payload []byte

	Digit string
	Mark  string
}

// Inbound reports whether a media event carries the caller's audio.
func (e ProviderEvent) Inbound() bool {
	return e.Track == "" || e.Track == "inbound" || e.Track == "inbound_track"
}

// ProviderAdapter translates between a carrier's media-stream protocol and
// the bridge.
type ProviderAdapter interface {
	Name() string
	Decode(data []byte) (ProviderEvent, error)
	EncodeMedia(streamID string, payload []byte) ([]byte, error)
	// EncodeClear asks the carrier to drop audio it has buffered but not
	// yet played.
	EncodeClear(streamID string) ([]byte, error)
}

// AdapterFor returns the adapter for a provider name.
func AdapterFor(name string) (ProviderAdapter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "twilio":
		return TwilioAdapter{}, nil
	case "telnyx":
		return TelnyxAdapter{}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

func kindOf(event string) ProviderEventKind {
	switch event {
	case "connected":
		return ProviderConnected
	case "start":
		return ProviderStart
	case "media":
		return ProviderMedia
	case "stop":
		return ProviderStop
	case "mark":
		return ProviderMark
	case "dtmf":
		return ProviderDTMF
	default:
		return ProviderUnknown
	}
}

// formatFromWire maps a carrier encoding name to an audio format. Unknown
// encodings fall back to the carrier default.
func formatFromWire(encoding string, rate, channels int) audio.Format {
	f := audio.CarrierFormat
	switch strings.ToLower(encoding) {
	case "audio/x-mulaw", "pcmu", "mulaw", "ulaw":
		f.Encoding = audio.EncodingMulaw
	case "l16", "audio/l16", "linear16", "pcm":
		f.Encoding = audio.EncodingLinear16
	}
	if rate > 0 {
		f.SampleRate = rate
	}
	if channels > 0 {
		f.Channels = channels
	}
	return f
}

func decodePayload(p string) ([]byte, error) {
	if p == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(p)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return b, nil
}

type streamMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type streamMark struct {
	Name string `json:"name"`
}

type streamDTMF struct {
	Digit string `json:"digit"`
}

// TwilioAdapter speaks Twilio Media Streams.
type TwilioAdapter struct{}

type twilioStreamMsg struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *twilioStart `json:"start,omitempty"`
	Media     *streamMedia `json:"media,omitempty"`
	Mark      *streamMark  `json:"mark,omitempty"`
	DTMF      *streamDTMF  `json:"dtmf,omitempty"`
	Stop      *struct {
		CallSID string `json:"callSid"`
	} `json:"stop,omitempty"`
}

type twilioStart struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

func (TwilioAdapter) Name() string { return "twilio" }

func (TwilioAdapter) Decode(data []byte) (ProviderEvent, error) {
	var msg twilioStreamMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return ProviderEvent{}, fmt.Errorf("parse twilio message: %w", err)
	}

	ev := ProviderEvent{Kind: kindOf(msg.Event), Name: msg.Event, StreamID: msg.StreamSID}
	switch ev.Kind {
	case ProviderStart:
		if msg.Start == nil {
			return ev, fmt.Errorf("twilio start without start block")
		}
		if ev.StreamID == "" {
			ev.StreamID = msg.Start.StreamSID
		}
		ev.CallID = msg.Start.CallSID
		ev.Parameters = msg.Start.CustomParameters
		mf := msg.Start.MediaFormat
		ev.Format = formatFromWire(mf.Encoding, mf.SampleRate, mf.Channels)
	case ProviderMedia:
		if msg.Media == nil {
			return ev, fmt.Errorf("twilio media without media block")
		}
		payload, err := decodePayload(msg.Media.Payload)
		if err != nil {
			return ev, err
		}
		ev.Track = msg.Media.Track
		ev.Payload = payload
	case ProviderStop:
		if msg.Stop != nil {
			ev.CallID = msg.Stop.CallSID
		}
	case ProviderMark:
		if msg.Mark != nil {
			ev.Mark = msg.Mark.Name
		}
	case ProviderDTMF:
		if msg.DTMF != nil {
			ev.Digit = msg.DTMF.Digit
		}
	}
	return ev, nil
}

func (TwilioAdapter) EncodeMedia(streamID string, payload []byte) ([]byte, error) {
	return json.Marshal(twilioStreamMsg{
		Event:     "media",
		StreamSID: streamID,
		Media:     &streamMedia{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
}

func (TwilioAdapter) EncodeClear(streamID string) ([]byte, error) {
	return json.Marshal(twilioStreamMsg{Event: "clear", StreamSID: streamID})
}

// TelnyxAdapter speaks Telnyx media streaming.
type TelnyxAdapter struct{}

type telnyxStreamMsg struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequence_number,omitempty"`
	StreamID       string       `json:"stream_id,omitempty"`
	Start          *telnyxStart `json:"start,omitempty"`
	Media          *streamMedia `json:"media,omitempty"`
	Mark           *streamMark  `json:"mark,omitempty"`
	DTMF           *streamDTMF  `json:"dtmf,omitempty"`
	Stop           *struct {
		CallControlID string `json:"call_control_id"`
	} `json:"stop,omitempty"`
}

type telnyxStart struct {
	CallControlID string `json:"call_control_id"`
	ClientState   string `json:"client_state"`
	MediaFormat   struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sample_rate"`
		Channels   int    `json:"channels"`
	} `json:"media_format"`
}

func (TelnyxAdapter) Name() string { return "telnyx" }

func (TelnyxAdapter) Decode(data []byte) (ProviderEvent, error) {
	var msg telnyxStreamMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return ProviderEvent{}, fmt.Errorf("parse telnyx message: %w", err)
	}

	ev := ProviderEvent{Kind: kindOf(msg.Event), Name: msg.Event, StreamID: msg.StreamID}
	switch ev.Kind {
	case ProviderStart:
		if msg.Start == nil {
			return ev, fmt.Errorf("telnyx start without start block")
		}
		ev.CallID = msg.Start.CallControlID
		ev.Parameters = decodeClientState(msg.Start.ClientState)
		mf := msg.Start.MediaFormat
		ev.Format = formatFromWire(mf.Encoding, mf.SampleRate, mf.Channels)
	case ProviderMedia:
		if msg.Media == nil {
			return ev, fmt.Errorf("telnyx media without media block")
		}
		payload, err := decodePayload(msg.Media.Payload)
		if err != nil {
			return ev, err
		}
		ev.Track = msg.Media.Track
		ev.Payload = payload
	case ProviderStop:
		if msg.Stop != nil {
			ev.CallID = msg.Stop.CallControlID
		}
	case ProviderMark:
		if msg.Mark != nil {
			ev.Mark = msg.Mark.Name
		}
	case ProviderDTMF:
		if msg.DTMF != nil {
			ev.Digit = msg.DTMF.Digit
		}
	}
	return ev, nil
}

// decodeClientState unpacks the base64 JSON object we attach to outbound
// Telnyx calls. Anything else yields nil.
func decodeClientState(s string) map[string]string {
	if s == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	var params map[string]string
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil
	}
	return params
}

func (TelnyxAdapter) EncodeMedia(_ string, payload []byte) ([]byte, error) {
	return json.Marshal(telnyxStreamMsg{
		Event: "media",
		Media: &streamMedia{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
}

func (TelnyxAdapter) EncodeClear(_ string) ([]byte, error) {
	return json.Marshal(telnyxStreamMsg{Event: "clear"})
}
