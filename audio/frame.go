package audio

import (
	"fmt"
	"time"
)

// Encoding names a sample encoding on the wire.
type Encoding string

const (
	EncodingMulaw    Encoding = "mulaw"
	EncodingLinear16 Encoding = "linear16"
)

// Source tags which party a frame came from.
type Source string

const (
	SourceCaller Source = "caller"
	SourceAgent  Source = "agent"
)

// Format describes the layout of a frame's bytes.
type Format struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
}

var (
	// CarrierFormat is what telephony media streams carry.
	CarrierFormat = Format{Encoding: EncodingMulaw, SampleRate: 8000, Channels: 1}
	// AgentFormat is what the voice agent consumes and produces by default.
	AgentFormat = Format{Encoding: EncodingLinear16, SampleRate: 16000, Channels: 1}
)

func (f Format) String() string {
	return fmt.Sprintf("%s@%dHz/%dch", f.Encoding, f.SampleRate, f.Channels)
}

// BytesPerSample returns the width of one mono sample.
func (f Format) BytesPerSample() int {
	if f.Encoding == EncodingLinear16 {
		return 2
	}
	return 1
}

// Frame is one chunk of audio as received from a leg. Frames are never
// modified after construction; conversions return new frames.
type Frame struct {
	data     []byte
	format   Format
	source   Source
	received time.Time
}

// NewFrame wraps data without copying it; the caller must not reuse the slice.
func NewFrame(data []byte, format Format, source Source, received time.Time) Frame {
	return Frame{data: data, format: format, source: source, received: received}
}

func (f Frame) Bytes() []byte        { return f.data }
func (f Frame) Format() Format       { return f.format }
func (f Frame) Source() Source       { return f.source }
func (f Frame) Timestamp() time.Time { return f.received }
func (f Frame) Len() int             { return len(f.data) }

// Duration is the playback length implied by the frame's format.
func (f Frame) Duration() time.Duration {
	if f.format.SampleRate == 0 {
		return 0
	}
	samples := len(f.data) / f.format.BytesPerSample()
	return time.Duration(samples) * time.Second / time.Duration(f.format.SampleRate)
}

func (f Frame) withData(data []byte, format Format) Frame {
	return Frame{data: data, format: format, source: f.source, received: f.received}
}
