package audio

import (
	"errors"
	"fmt"
)

// ErrUnsupportedRate is returned by a Resampler asked for a ratio it cannot produce.
var ErrUnsupportedRate = errors.New("audio: unsupported sample rate conversion")

// Resampler converts Linear16 buffers between sample rates.
type Resampler interface {
	Resample(pcm []byte, fromRate, toRate int) ([]byte, error)
}

// Fixed2x handles the only ratios the bridge needs: 8kHz<->16kHz.
type Fixed2x struct{}

// Resample implements Resampler for identity, 2x up and 2x down.
func (Fixed2x) Resample(pcm []byte, fromRate, toRate int) ([]byte, error) {
	switch {
	case fromRate == toRate:
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	case fromRate*2 == toRate:
		return Upsample2x(pcm), nil
	case fromRate == toRate*2:
		return Downsample2x(pcm), nil
	}
	return nil, fmt.Errorf("%w: %d -> %d", ErrUnsupportedRate, fromRate, toRate)
}

// Upsample2x doubles the sample count of a Linear16 buffer. Each sample is
// followed by the rounded midpoint to its successor; the last sample is
// repeated because there is nothing to interpolate towards.
func Upsample2x(pcm []byte) []byte {
	return SamplesToBytes(UpsampleSamples2x(BytesToSamples(pcm)))
}

// Downsample2x halves the sample count of a Linear16 buffer by keeping every
// other sample. An odd trailing sample is dropped.
func Downsample2x(pcm []byte) []byte {
	return SamplesToBytes(DownsampleSamples2x(BytesToSamples(pcm)))
}

// UpsampleSamples2x is Upsample2x on decoded samples.
func UpsampleSamples2x(in []int16) []int16 {
	out := make([]int16, len(in)*2)
	for i, s := range in {
		out[i*2] = s
		if i+1 < len(in) {
			out[i*2+1] = midpoint(s, in[i+1])
		} else {
			out[i*2+1] = s
		}
	}
	return out
}

// DownsampleSamples2x is Downsample2x on decoded samples.
func DownsampleSamples2x(in []int16) []int16 {
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = in[i*2]
	}
	return out
}

// midpoint rounds half away from zero.
func midpoint(a, b int16) int16 {
	sum := int32(a) + int32(b)
	if sum >= 0 {
		return int16((sum + 1) / 2)
	}
	return int16((sum - 1) / 2)
}
