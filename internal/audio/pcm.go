package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Frame is one block of mono samples normalized to [-1, 1].
// Offset is the position of the first sample on the capture stream's sample clock.
type Frame struct {
	Samples    []float32
	SampleRate int
	Offset     time.Duration
}

// Duration returns how much audio the frame covers.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// End returns the stream offset just past the last sample.
func (f Frame) End() time.Duration {
	return f.Offset + f.Duration()
}

// SamplesDuration converts a sample count at sampleRate into a duration.
func SamplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(sampleRate))
}

// QuantizePCM16 clamps each sample to [-1, 1] and converts it to signed
// 16-bit little-endian. Positive values scale by 32767, negative by 32768.
func QuantizePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantizeSample(s)))
	}
	return out
}

func quantizeSample(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// PCM16ToFloat32 converts signed 16-bit little-endian samples to [-1, 1].
// A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if v < 0 {
			out[i] = float32(v) / 0x8000
		} else {
			out[i] = float32(v) / 0x7FFF
		}
	}
	return out
}
