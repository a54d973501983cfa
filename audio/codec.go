// Package audio converts telephony audio between the carrier's G.711 mu-law
// stream and the 16-bit linear PCM the voice agent speaks.
//
// Carrier: mu-law 8kHz 8-bit mono
// Agent:   Linear16 16kHz 16-bit signed LE mono
package audio

import "errors"

// ErrOddLength is returned when a Linear16 buffer does not hold a whole
// number of 16-bit samples.
var ErrOddLength = errors.New("audio: linear16 buffer has odd length")

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// mulawDecodeTable maps every mu-law byte to its 16-bit linear value (ITU-T G.711).
var mulawDecodeTable = [256]int16{
	-32124, -31100, -30076, -29052, -28028, -27004, -25980, -24956,
	-23932, -22908, -21884, -20860, -19836, -18812, -17788, -16764,
	-15996, -15484, -14972, -14460, -13948, -13436, -12924, -12412,
	-11900, -11388, -10876, -10364, -9852, -9340, -8828, -8316,
	-7932, -7676, -7420, -7164, -6908, -6652, -6396, -6140,
	-5884, -5628, -5372, -5116, -4860, -4604, -4348, -4092,
	-3900, -3772, -3644, -3516, -3388, -3260, -3132, -3004,
	-2876, -2748, -2620, -2492, -2364, -2236, -2108, -1980,
	-1884, -1820, -1756, -1692, -1628, -1564, -1500, -1436,
	-1372, -1308, -1244, -1180, -1116, -1052, -988, -924,
	-876, -844, -812, -780, -748, -716, -684, -652,
	-620, -588, -556, -524, -492, -460, -428, -396,
	-372, -356, -340, -324, -308, -292, -276, -260,
	-244, -228, -212, -196, -180, -164, -148, -132,
	-120, -112, -104, -96, -88, -80, -72, -64,
	-56, -48, -40, -32, -24, -16, -8, 0,
	32124, 31100, 30076, 29052, 28028, 27004, 25980, 24956,
	23932, 22908, 21884, 20860, 19836, 18812, 17788, 16764,
	15996, 15484, 14972, 14460, 13948, 13436, 12924, 12412,
	11900, 11388, 10876, 10364, 9852, 9340, 8828, 8316,
	7932, 7676, 7420, 7164, 6908, 6652, 6396, 6140,
	5884, 5628, 5372, 5116, 4860, 4604, 4348, 4092,
	3900, 3772, 3644, 3516, 3388, 3260, 3132, 3004,
	2876, 2748, 2620, 2492, 2364, 2236, 2108, 1980,
	1884, 1820, 1756, 1692, 1628, 1564, 1500, 1436,
	1372, 1308, 1244, 1180, 1116, 1052, 988, 924,
	876, 844, 812, 780, 748, 716, 684, 652,
	620, 588, 556, 524, 492, 460, 428, 396,
	372, 356, 340, 324, 308, 292, 276, 260,
	244, 228, 212, 196, 180, 164, 148, 132,
	120, 112, 104, 96, 88, 80, 72, 64,
	56, 48, 40, 32, 24, 16, 8, 0,
}

// DecodeMulaw converts a single mu-law byte to a 16-bit PCM sample.
func DecodeMulaw(b byte) int16 {
	return mulawDecodeTable[b]
}

// EncodeMulaw converts a 16-bit PCM sample to a mu-law byte.
// Magnitudes above 32635 are clamped, never wrapped.
func EncodeMulaw(sample int16) byte {
	// int32 so that -32768 negates cleanly
	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for i := byte(0); i < 8; i++ {
		if s < 1<<(i+8) {
			exponent = i
			break
		}
	}

	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// MulawToPCM16 decodes a mu-law buffer into little-endian Linear16.
// The output is twice the input length.
func MulawToPCM16(mulaw []byte) []byte {
	pcm := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		s := mulawDecodeTable[b]
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

// PCM16ToMulaw encodes little-endian Linear16 into mu-law.
// The output is half the input length.
func PCM16ToMulaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	mulaw := make([]byte, len(pcm)/2)
	for i := range mulaw {
		mulaw[i] = EncodeMulaw(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}
	return mulaw, nil
}

// BytesToSamples converts little-endian bytes to PCM 16-bit samples.
// A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes converts PCM 16-bit samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}
