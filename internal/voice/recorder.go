package voice

import (
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/voicetutor/internal/audio"
)

const DefaultChunkInterval = 100 * time.Millisecond

// Utterance is one finished segment: codec chunks in arrival order.
type Utterance struct {
	Chunks     [][]byte
	Codec      Codec
	SampleRate int
	// StartedAt is the stream offset of the first recorded frame.
	StartedAt time.Duration
	Duration  time.Duration
}

// Samples decodes every chunk back to normalized samples.
func (u Utterance) Samples() ([]float32, error) {
	var out []float32
	for i, chunk := range u.Chunks {
		s, err := u.Codec.Decode(chunk)
		if err != nil {
			return nil, fmt.Errorf("decode chunk %d: %w", i, err)
		}
		out = append(out, s...)
	}
	return out, nil
}

type recorderState int

const (
	recorderIdle recorderState = iota
	recorderRecording
	recorderProcessing
)

// Recorder buffers encoded chunks between speech start and speech end.
// At most one segment is in flight: Start is refused until the previous
// segment has been released.
type Recorder struct {
	codec         Codec
	chunkInterval time.Duration

	mu         sync.Mutex
	state      recorderState
	chunks     [][]byte
	pending    []float32
	sampleRate int
	samples    int
	startedAt  time.Duration
}

func NewRecorder(codec Codec, chunkInterval time.Duration) *Recorder {
	if codec == nil {
		codec = PCM16
	}
	if chunkInterval <= 0 {
		chunkInterval = DefaultChunkInterval
	}
	return &Recorder{codec: codec, chunkInterval: chunkInterval}
}

// Start clears the buffer and begins recording. It returns false while a
// recording is open or a previous segment is still processing.
func (r *Recorder) Start() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != recorderIdle {
		return false
	}
	r.clearLocked()
	r.state = recorderRecording
	return true
}

// Append adds a frame to the open recording. Frames outside a recording are
// dropped and false is returned.
func (r *Recorder) Append(f audio.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != recorderRecording || len(f.Samples) == 0 {
		return false
	}
	if r.samples == 0 && len(r.pending) == 0 {
		r.startedAt = f.Offset
		r.sampleRate = f.SampleRate
	}
	r.pending = append(r.pending, f.Samples...)
	r.samples += len(f.Samples)

	per := r.chunkSamples()
	for len(r.pending) >= per {
		r.chunks = append(r.chunks, r.codec.Encode(r.pending[:per]))
		r.pending = append(r.pending[:0], r.pending[per:]...)
	}
	return true
}

// End finalizes the open recording. It reports false when idle, already
// processing, or when nothing was captured; an empty segment returns the
// recorder to idle without producing an utterance.
func (r *Recorder) End() (Utterance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != recorderRecording {
		return Utterance{}, false
	}
	if len(r.pending) > 0 {
		r.chunks = append(r.chunks, r.codec.Encode(r.pending))
		r.pending = nil
	}
	if len(r.chunks) == 0 {
		r.clearLocked()
		r.state = recorderIdle
		return Utterance{}, false
	}

	utt := Utterance{
		Chunks:     r.chunks,
		Codec:      r.codec,
		SampleRate: r.sampleRate,
		StartedAt:  r.startedAt,
		Duration:   audio.SamplesDuration(r.samples, r.sampleRate),
	}
	r.chunks = nil
	r.state = recorderProcessing
	return utt, true
}

// Release marks the in-flight segment as done so the next Start succeeds.
func (r *Recorder) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == recorderProcessing {
		r.state = recorderIdle
	}
}

// Reset discards everything, including an open recording.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearLocked()
	r.state = recorderIdle
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == recorderRecording
}

func (r *Recorder) Processing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == recorderProcessing
}

func (r *Recorder) clearLocked() {
	r.chunks = nil
	r.pending = nil
	r.samples = 0
	r.sampleRate = 0
	r.startedAt = 0
}

func (r *Recorder) chunkSamples() int {
	n := int(int64(r.sampleRate) * int64(r.chunkInterval) / int64(time.Second))
	if n <= 0 {
		return 1
	}
	return n
}
