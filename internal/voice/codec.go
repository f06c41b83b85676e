package voice

import (
	"fmt"
	"strings"

	"github.com/ent0n29/voicetutor/internal/audio"
)

// Codec encodes recorder chunks. The pipeline decodes them back to samples
// before building the canonical container, so the capture codec and the
// transcription format stay independent.
type Codec interface {
	Name() string
	Encode(samples []float32) []byte
	Decode(chunk []byte) ([]float32, error)
}

type pcm16Codec struct{}

// PCM16 stores chunks as signed 16-bit little-endian mono.
var PCM16 Codec = pcm16Codec{}

func (pcm16Codec) Name() string { return "pcm16" }

func (pcm16Codec) Encode(samples []float32) []byte { return audio.QuantizePCM16(samples) }

func (pcm16Codec) Decode(chunk []byte) ([]float32, error) {
	if len(chunk)%2 != 0 {
		return nil, fmt.Errorf("pcm16 chunk has odd length %d", len(chunk))
	}
	return audio.PCM16ToFloat32(chunk), nil
}

func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "pcm16", "pcm_s16le":
		return PCM16, nil
	default:
		return nil, fmt.Errorf("unsupported recorder codec %q", name)
	}
}
