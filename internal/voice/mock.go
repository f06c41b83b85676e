package voice

import (
	"context"
	"strings"
	"time"

	"github.com/ent0n29/voicetutor/internal/audio"
	"github.com/ent0n29/voicetutor/internal/vad"
)

const mockSpeechRate = 24000

// MockProvider stands in for real speech services during local runs. It
// "hears" an utterance only when its energy clears the detector threshold and
// speaks by returning silence sized to the text.
type MockProvider struct {
	Transcript string
}

func NewMockProvider() *MockProvider {
	return &MockProvider{Transcript: "simulated voice input"}
}

func (p *MockProvider) Transcribe(ctx context.Context, wav []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	_, pcm, err := audio.DecodeWAV(wav)
	if err != nil {
		return "", err
	}
	if vad.MeanAbs(audio.PCM16ToFloat32(pcm)) <= vad.DefaultThreshold/2 {
		return "", nil
	}
	return p.Transcript, nil
}

func (p *MockProvider) Synthesize(ctx context.Context, text, _ string) (Clip, error) {
	if err := ctx.Err(); err != nil {
		return Clip{}, err
	}
	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	dur := time.Duration(words) * 150 * time.Millisecond
	samples := make([]float32, int(int64(mockSpeechRate)*int64(dur)/int64(time.Second)))
	wav, err := audio.EncodeCanonicalWAV(samples, mockSpeechRate)
	if err != nil {
		return Clip{}, err
	}
	return Clip{Audio: wav, MIMEType: "audio/wav"}, nil
}
