package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/voicetutor/internal/audio"
	"github.com/ent0n29/voicetutor/internal/dialogue"
)

const (
	testRate      = 48000
	testFrameSize = 4096
)

type stubTranscriber struct {
	mu      sync.Mutex
	calls   int
	formats []string
	audio   [][]byte
	fn      func(ctx context.Context, call int) (string, error)
}

func (s *stubTranscriber) Transcribe(ctx context.Context, wav []byte, format string) (string, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.formats = append(s.formats, format)
	s.audio = append(s.audio, wav)
	s.mu.Unlock()
	if s.fn == nil {
		return "hola", nil
	}
	return s.fn(ctx, call)
}

func (s *stubTranscriber) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubSynthesizer struct {
	mu    sync.Mutex
	calls int
	texts []string
	voice []string
	fn    func(ctx context.Context, text string) (Clip, error)
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, text, voiceID string) (Clip, error) {
	s.mu.Lock()
	s.calls++
	s.texts = append(s.texts, text)
	s.voice = append(s.voice, voiceID)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, text)
	}
	return Clip{Audio: []byte("RIFF"), MIMEType: "audio/mpeg"}, nil
}

type stubDialogue struct {
	mu   sync.Mutex
	reqs []dialogue.Request
	fn   func(ctx context.Context, req dialogue.Request) (string, error)
}

func (s *stubDialogue) Complete(ctx context.Context, req dialogue.Request) (string, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, req)
	}
	return "reply to " + req.Input, nil
}

func (s *stubDialogue) Requests() []dialogue.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dialogue.Request, len(s.reqs))
	copy(out, s.reqs)
	return out
}

// fakeCapture is a CaptureSource whose frames the test pushes directly.
type fakeCapture struct {
	mu      sync.Mutex
	openErr error
	opened  int
	stream  *fakeStream
	gate    chan struct{}
}

func (f *fakeCapture) Open(ctx context.Context, _ Constraints) (Capture, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.stream = &fakeStream{frames: make(chan audio.Frame, 1024)}
	return f.stream, nil
}

func (f *fakeCapture) current() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stream
}

type fakeStream struct {
	mu     sync.Mutex
	frames chan audio.Frame
	offset time.Duration
	closed bool
}

func (s *fakeStream) Frames() <-chan audio.Frame { return s.frames }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

func (s *fakeStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// feed pushes n frames at a constant amplitude.
func (s *fakeStream) feed(level float32, n int) {
	for i := 0; i < n; i++ {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		f := audio.Frame{Samples: levelSamples(level, testFrameSize), SampleRate: testRate, Offset: s.offset}
		s.offset = f.End()
		s.frames <- f
		s.mu.Unlock()
	}
}

// feedFor pushes frames covering at least d of audio.
func (s *fakeStream) feedFor(level float32, d time.Duration) {
	per := audio.SamplesDuration(testFrameSize, testRate)
	n := int((d + per - 1) / per)
	s.feed(level, n)
}

func levelSamples(level float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = level
		} else {
			out[i] = -level
		}
	}
	return out
}

// fakeSink records plays and lets the test complete clips.
type fakeSink struct {
	mu       sync.Mutex
	played   []Clip
	stopped  []string
	playErr  error
	finished chan string
	playedCh chan Clip
}

func newFakeSink() *fakeSink {
	return &fakeSink{finished: make(chan string, 16), playedCh: make(chan Clip, 16)}
}

func (s *fakeSink) Play(_ context.Context, clip Clip) error {
	s.mu.Lock()
	if s.playErr != nil {
		s.mu.Unlock()
		return s.playErr
	}
	s.played = append(s.played, clip)
	s.mu.Unlock()
	s.playedCh <- clip
	return nil
}

func (s *fakeSink) Stop(clipID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, clipID)
	return nil
}

func (s *fakeSink) Finished() <-chan string { return s.finished }

func (s *fakeSink) Stopped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stopped...)
}

func (s *fakeSink) waitPlayed(t *testing.T) Clip {
	t.Helper()
	select {
	case c := <-s.playedCh:
		return c
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for a clip to play")
		return Clip{}
	}
}

// eventLog drains a controller's events in the background.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
	done   chan struct{}
}

func collectEvents(ch <-chan Event) *eventLog {
	l := &eventLog{notify: make(chan struct{}, 1), done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for ev := range ch {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
			select {
			case l.notify <- struct{}{}:
			default:
			}
		}
	}()
	return l
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// waitFor blocks until match returns true over the events seen so far.
func (l *eventLog) waitFor(t *testing.T, what string, match func([]Event) bool) []Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		evs := l.snapshot()
		if match(evs) {
			return evs
		}
		select {
		case <-l.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %s; events: %#v", what, evs)
			return nil
		}
	}
}

func countOf[T Event](evs []Event) int {
	n := 0
	for _, ev := range evs {
		if _, ok := ev.(T); ok {
			n++
		}
	}
	return n
}

func filter[T Event](evs []Event) []T {
	var out []T
	for _, ev := range evs {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func hasState(evs []Event, to State) bool {
	for _, ev := range evs {
		if st, ok := ev.(EventState); ok && st.To == to {
			return true
		}
	}
	return false
}

func countState(evs []Event, to State) int {
	n := 0
	for _, ev := range evs {
		if st, ok := ev.(EventState); ok && st.To == to {
			n++
		}
	}
	return n
}

var errProviderDown = errors.New("provider down")
