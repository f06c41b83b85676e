package audio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalWAVRoundTrip(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 0.999, -0.999, 0.25, -0.125, 1, -1}

	wav, err := EncodeCanonicalWAV(samples, 48000)
	require.NoError(t, err)
	require.Len(t, wav, WAVHeaderSize+len(samples)*2)

	h, pcm, err := DecodeWAV(wav)
	require.NoError(t, err)
	assert.Equal(t, uint32(48000), h.SampleRate)
	assert.Equal(t, uint16(1), h.NumChannels)
	assert.Equal(t, uint16(16), h.BitsPerSample)
	assert.Equal(t, uint16(1), h.AudioFormat)
	assert.Equal(t, uint32(48000*2), h.ByteRate)
	assert.Equal(t, uint16(2), h.BlockAlign)
	assert.Equal(t, uint32(len(samples)*2), h.DataSize)
	assert.Equal(t, uint32(36+len(samples)*2), h.ChunkSize)

	got := PCM16ToFloat32(pcm)
	require.Len(t, got, len(samples))
	step := 1.0 / 32767.0
	for i := range samples {
		assert.InDeltaf(t, samples[i], got[i], step, "sample %d", i)
	}
}

func TestCanonicalWAVHeaderLayout(t *testing.T) {
	wav, err := EncodeCanonicalWAV([]float32{0.1, -0.1}, 16000)
	require.NoError(t, err)

	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "fmt ", string(wav[12:16]))
	assert.Equal(t, uint32(16), binary.LittleEndian.Uint32(wav[16:20]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[20:22]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[22:24]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(wav[34:36]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(wav[40:44]))
}

func TestQuantizeClampsOutOfRange(t *testing.T) {
	pcm := QuantizePCM16([]float32{1.7, -3.2, float32(math.NaN())})
	assert.Equal(t, int16(32767), int16(binary.LittleEndian.Uint16(pcm[0:2])))
	assert.Equal(t, int16(-32768), int16(binary.LittleEndian.Uint16(pcm[2:4])))
	assert.Equal(t, int16(0), int16(binary.LittleEndian.Uint16(pcm[4:6])))
}

func TestDecodeWAVSkipsUnknownChunks(t *testing.T) {
	base, err := EncodeWAVPCM16LE([]byte{0x10, 0x00, 0xF0, 0xFF}, 22050)
	require.NoError(t, err)

	// Splice a LIST chunk between fmt and data.
	list := append([]byte("LIST"), 0x04, 0x00, 0x00, 0x00, 'I', 'N', 'F', 'O')
	spliced := append([]byte{}, base[:36]...)
	spliced = append(spliced, list...)
	spliced = append(spliced, base[36:]...)

	h, pcm, err := DecodeWAV(spliced)
	require.NoError(t, err)
	assert.Equal(t, uint32(22050), h.SampleRate)
	assert.Equal(t, []byte{0x10, 0x00, 0xF0, 0xFF}, pcm)
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, _, err := DecodeWAV([]byte("not a wav file at all"))
	require.ErrorIs(t, err, ErrInvalidWAV)
}

func TestEncodeWAVRejectsBadInput(t *testing.T) {
	_, err := EncodeWAVPCM16LE([]byte{1, 2}, 0)
	require.Error(t, err)
	_, err = EncodeWAVPCM16LE([]byte{1, 2, 3}, 16000)
	require.Error(t, err)
}

func TestFrameTiming(t *testing.T) {
	f := Frame{Samples: make([]float32, 4800), SampleRate: 48000, Offset: 200_000_000}
	assert.Equal(t, int64(100_000_000), int64(f.Duration()))
	assert.Equal(t, int64(300_000_000), int64(f.End()))
}
