package audio

import (
	"fmt"
	"log"
)

// Direction labels a conversion for logging and metrics.
type Direction string

const (
	ProviderToAgent Direction = "provider_to_agent"
	AgentToProvider Direction = "agent_to_provider"
)

// Pipeline composes the transcoder and resampler into the two one-way
// conversions the bridge needs. A failed conversion never drops audio:
// the original bytes are passed on and the failure is reported.
//
// Pipeline holds no per-call state and is safe for concurrent use as long
// as OnFallback is.
type Pipeline struct {
	// Agent is the format the voice agent leg speaks.
	Agent Format
	// Carrier is the format of the telephony media stream.
	Carrier   Format
	Resampler Resampler
	Logger    *log.Logger
	// OnFallback, if set, is called whenever a frame is passed through unconverted.
	OnFallback func(dir Direction, err error)
}

// NewPipeline returns a pipeline converting CarrierFormat <-> AgentFormat.
func NewPipeline() *Pipeline {
	return &Pipeline{
		Agent:     AgentFormat,
		Carrier:   CarrierFormat,
		Resampler: Fixed2x{},
	}
}

// Passthrough reports whether both legs speak the same format.
func (p *Pipeline) Passthrough() bool {
	return p.Agent == p.Carrier
}

// ProviderToAgent converts a carrier frame (mulaw@8k) for the agent (linear16@16k by default).
func (p *Pipeline) ProviderToAgent(f Frame) Frame {
	return p.convert(ProviderToAgent, f, p.Agent)
}

// AgentToProvider converts an agent frame (linear16@16k by default) for the carrier (mulaw@8k).
func (p *Pipeline) AgentToProvider(f Frame) Frame {
	return p.convert(AgentToProvider, f, p.Carrier)
}

func (p *Pipeline) convert(dir Direction, f Frame, to Format) (out Frame) {
	defer func() {
		if r := recover(); r != nil {
			out = p.fallback(dir, f, fmt.Errorf("panic: %v", r))
		}
	}()

	data, err := p.transform(f.Bytes(), f.Format(), to)
	if err != nil {
		return p.fallback(dir, f, err)
	}
	return f.withData(data, to)
}

// transform goes through Linear16 at the source rate, resamples, then
// encodes to the destination encoding.
func (p *Pipeline) transform(data []byte, from, to Format) ([]byte, error) {
	if from == to {
		return data, nil
	}
	if from.Channels != to.Channels {
		return nil, fmt.Errorf("channel conversion %d -> %d not supported", from.Channels, to.Channels)
	}

	var pcm []byte
	switch from.Encoding {
	case EncodingMulaw:
		pcm = MulawToPCM16(data)
	case EncodingLinear16:
		if len(data)%2 != 0 {
			return nil, ErrOddLength
		}
		pcm = data
	default:
		return nil, fmt.Errorf("unknown source encoding %q", from.Encoding)
	}

	if from.SampleRate != to.SampleRate {
		rs := p.Resampler
		if rs == nil {
			rs = Fixed2x{}
		}
		var err error
		pcm, err = rs.Resample(pcm, from.SampleRate, to.SampleRate)
		if err != nil {
			return nil, err
		}
	}

	switch to.Encoding {
	case EncodingLinear16:
		return pcm, nil
	case EncodingMulaw:
		return PCM16ToMulaw(pcm)
	}
	return nil, fmt.Errorf("unknown target encoding %q", to.Encoding)
}

func (p *Pipeline) fallback(dir Direction, f Frame, err error) Frame {
	logger := p.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("[Audio] %s conversion failed (%d bytes, %s), passing through: %v", dir, f.Len(), f.Format(), err)
	if p.OnFallback != nil {
		p.OnFallback(dir, err)
	}
	return f
}
