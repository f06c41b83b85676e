package voice

import (
	"context"

	"github.com/ent0n29/voicetutor/internal/audio"
)

// Transcriber converts an utterance in a canonical container to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// Synthesizer converts reply text into playable audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) (Clip, error)
}

// Clip is one playable audio resource.
type Clip struct {
	ID       string
	Audio    []byte
	MIMEType string
	Text     string
}

// Constraints describe how the microphone must be acquired.
type Constraints struct {
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`
	SampleRate       int  `json:"sample_rate"`
	ChannelCount     int  `json:"channel_count"`
	FrameSize        int  `json:"frame_size"`
}

func DefaultConstraints() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       48000,
		ChannelCount:     1,
		FrameSize:        4096,
	}
}

// CaptureSource acquires a live microphone stream.
// Open returns *PermissionError when the user refuses microphone access.
type CaptureSource interface {
	Open(ctx context.Context, c Constraints) (Capture, error)
}

// Capture is an open microphone stream. Frames is closed when the stream ends.
type Capture interface {
	Frames() <-chan audio.Frame
	Close() error
}

// Sink is the single audio output. Play starts a clip without waiting for it
// to finish; Finished reports the IDs of clips that completed naturally.
type Sink interface {
	Play(ctx context.Context, clip Clip) error
	Stop(clipID string) error
	Finished() <-chan string
}
