// Package vad implements the energy-gate voice activity detector that decides
// when the user starts and stops talking.
//
// The detector is driven by the capture stream's sample clock: every frame
// carries its offset, and hang-time is measured against those offsets rather
// than wall time. Process never blocks and never allocates, so it can run
// inline on the frame delivery path.
package vad

import (
	"fmt"
	"time"

	"github.com/ent0n29/voicetutor/internal/audio"
)

const (
	DefaultThreshold = 0.01
	DefaultHangTime  = 1500 * time.Millisecond
)

// State is the detector's view of the user.
type State int

const (
	StateIdle State = iota
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// EventType identifies a detector transition.
type EventType int

const (
	SpeechStart EventType = iota + 1
	SpeechEnd
)

func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech-start"
	case SpeechEnd:
		return "speech-end"
	default:
		return "unknown"
	}
}

// Event is emitted on an idle/speaking transition. At is the stream offset
// at which the transition was decided.
type Event struct {
	Type  EventType
	At    time.Duration
	Level float64
}

// Config tunes the detector.
type Config struct {
	// Threshold is the mean absolute amplitude above which a frame is active.
	Threshold float64
	// HangTime is the silence required after the last active frame before speech ends.
	HangTime time.Duration
}

func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, HangTime: DefaultHangTime}
}

func (c Config) Validate() error {
	if c.Threshold <= 0 || c.Threshold >= 1 {
		return fmt.Errorf("vad threshold must be in (0,1), got %v", c.Threshold)
	}
	if c.HangTime <= 0 {
		return fmt.Errorf("vad hang time must be positive, got %s", c.HangTime)
	}
	return nil
}

// Detector is not safe for concurrent use; its owner serializes frames.
type Detector struct {
	cfg        Config
	state      State
	lastActive time.Duration
}

func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg}, nil
}

func (d *Detector) State() State { return d.state }

// Reset returns the detector to idle, forgetting any partial utterance.
func (d *Detector) Reset() {
	d.state = StateIdle
	d.lastActive = 0
}

// Process classifies one frame and reports a transition when one happens.
func (d *Detector) Process(f audio.Frame) (Event, bool) {
	level := MeanAbs(f.Samples)
	active := level > d.cfg.Threshold
	end := f.End()

	if active {
		d.lastActive = end
		if d.state == StateIdle {
			d.state = StateSpeaking
			return Event{Type: SpeechStart, At: f.Offset, Level: level}, true
		}
		return Event{}, false
	}

	if d.state == StateSpeaking && end-d.lastActive >= d.cfg.HangTime {
		d.state = StateIdle
		return Event{Type: SpeechEnd, At: end, Level: level}, true
	}
	return Event{}, false
}

// MeanAbs returns the mean absolute amplitude of samples.
func MeanAbs(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return sum / float64(len(samples))
}
