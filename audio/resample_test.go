package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsampleDegenerateInputs(t *testing.T) {
	assert.NotPanics(t, func() {
		assert.Empty(t, Upsample2x(nil))
		assert.Empty(t, Upsample2x([]byte{}))
	})

	one := SamplesToBytes([]int16{-1234})
	assert.Equal(t, []int16{-1234, -1234}, BytesToSamples(Upsample2x(one)))
}

func TestUpsampleInterpolatesMidpoints(t *testing.T) {
	in := []int16{0, 100, 101, -3, -6}
	out := UpsampleSamples2x(in)
	assert.Equal(t, []int16{0, 50, 100, 101, 101, 49, -3, -5, -6, -6}, out)
}

func TestUpsampleDoublesLength(t *testing.T) {
	for _, n := range []int{2, 3, 160, 321} {
		pcm := make([]byte, n*2)
		assert.Len(t, Upsample2x(pcm), n*4)
	}
}

func TestUpsampleNoOverflowAtExtremes(t *testing.T) {
	out := UpsampleSamples2x([]int16{32767, 32767, -32768, -32768})
	assert.Equal(t, []int16{32767, 32767, 32767, -1, -32768, -32768, -32768, -32768}, out)
}

func TestDownsampleKeepsEvenSamples(t *testing.T) {
	assert.Equal(t, []int16{1, 3, 5}, DownsampleSamples2x([]int16{1, 2, 3, 4, 5, 6}))
	assert.Equal(t, []int16{1, 3}, DownsampleSamples2x([]int16{1, 2, 3, 4, 5}))
	assert.Empty(t, DownsampleSamples2x([]int16{7}))
}

func TestDownsampleUndoesUpsample(t *testing.T) {
	in := []int16{5, -7, 32767, -32768, 0, 12, 13}
	buf := SamplesToBytes(in)

	up := Upsample2x(buf)
	back := Downsample2x(up)
	require.Len(t, back, len(buf))
	assert.Equal(t, in, BytesToSamples(back))

	upSamples := BytesToSamples(up)
	for i, s := range in {
		assert.Equal(t, s, upSamples[i*2])
	}
}

func TestFixed2xResampler(t *testing.T) {
	var rs Resampler = Fixed2x{}
	pcm := SamplesToBytes([]int16{10, 20})

	up, err := rs.Resample(pcm, 8000, 16000)
	require.NoError(t, err)
	assert.Equal(t, []int16{10, 15, 20, 20}, BytesToSamples(up))

	down, err := rs.Resample(up, 16000, 8000)
	require.NoError(t, err)
	assert.Equal(t, pcm, down)

	same, err := rs.Resample(pcm, 16000, 16000)
	require.NoError(t, err)
	assert.Equal(t, pcm, same)

	_, err = rs.Resample(pcm, 8000, 24000)
	assert.ErrorIs(t, err, ErrUnsupportedRate)
}
