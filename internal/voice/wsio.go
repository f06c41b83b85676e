package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/voicetutor/internal/audio"
	"github.com/ent0n29/voicetutor/internal/protocol"
)

const (
	DefaultCaptureTimeout = 30 * time.Second
	frameBuffer           = 64
)

var (
	errCaptureAborted = errors.New("voice: capture request aborted")
	errCapturePending = errors.New("voice: capture request already pending")
	errNoCapture      = errors.New("voice: no open capture")
)

type captureReply struct {
	sampleRate int
	err        error
}

// wsCapture is a CaptureSource whose microphone lives in the browser at the
// other end of a websocket. Open asks the browser for the microphone and
// waits for capture_ready or capture_denied.
type wsCapture struct {
	sessionID string
	send      func(any) bool
	timeout   time.Duration
	onDrop    func()

	mu      sync.Mutex
	pending chan captureReply
	active  *wsStream
}

func newWSCapture(sessionID string, timeout time.Duration, send func(any) bool, onDrop func()) *wsCapture {
	if timeout <= 0 {
		timeout = DefaultCaptureTimeout
	}
	if onDrop == nil {
		onDrop = func() {}
	}
	return &wsCapture{sessionID: sessionID, send: send, timeout: timeout, onDrop: onDrop}
}

func (c *wsCapture) Open(ctx context.Context, cons Constraints) (Capture, error) {
	reply := make(chan captureReply, 1)
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return nil, errCapturePending
	}
	c.pending = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending == reply {
			c.pending = nil
		}
		c.mu.Unlock()
	}()

	req := protocol.CaptureRequest{
		Type:      protocol.TypeCaptureRequest,
		SessionID: c.sessionID,
		Constraints: protocol.CaptureConstraints{
			EchoCancellation: cons.EchoCancellation,
			NoiseSuppression: cons.NoiseSuppression,
			AutoGainControl:  cons.AutoGainControl,
			SampleRate:       cons.SampleRate,
			ChannelCount:     cons.ChannelCount,
			FrameSize:        cons.FrameSize,
		},
	}
	if !c.send(req) {
		return nil, errors.New("voice: capture request not delivered")
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case r := <-reply:
		if r.err != nil {
			return nil, r.err
		}
		rate := r.sampleRate
		if rate <= 0 {
			rate = cons.SampleRate
		}
		stream := &wsStream{owner: c, sampleRate: rate, frames: make(chan audio.Frame, frameBuffer)}
		c.mu.Lock()
		c.active = stream
		c.mu.Unlock()
		return stream, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("voice: capture request timed out after %s", c.timeout)
	}
}

func (c *wsCapture) resolve(r captureReply) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return false
	}
	select {
	case c.pending <- r:
		c.pending = nil
		return true
	default:
		return false
	}
}

func (c *wsCapture) ready(sampleRate int) bool {
	return c.resolve(captureReply{sampleRate: sampleRate})
}

func (c *wsCapture) denied(detail string) bool {
	return c.resolve(captureReply{err: &PermissionError{Detail: detail}})
}

// abort fails a pending Open so a disconnect does not wait on the browser.
func (c *wsCapture) abort() { c.resolve(captureReply{err: errCaptureAborted}) }

// push decodes one browser frame into the active stream.
func (c *wsCapture) push(msg protocol.ClientAudioFrame) error {
	c.mu.Lock()
	stream := c.active
	c.mu.Unlock()
	if stream == nil {
		return errNoCapture
	}
	pcm, err := base64.StdEncoding.DecodeString(msg.PCM16Base64)
	if err != nil {
		return fmt.Errorf("decode audio frame: %w", err)
	}
	if !stream.deliver(audio.PCM16ToFloat32(pcm), msg.SampleRate) {
		c.onDrop()
	}
	return nil
}

// end closes the active stream after the browser lost the microphone.
func (c *wsCapture) end() {
	c.mu.Lock()
	stream := c.active
	c.mu.Unlock()
	if stream != nil {
		stream.finish(false)
	}
}

type wsStream struct {
	owner      *wsCapture
	sampleRate int

	mu     sync.Mutex
	frames chan audio.Frame
	offset time.Duration
	closed bool
}

func (s *wsStream) Frames() <-chan audio.Frame { return s.frames }

// deliver appends samples on the stream clock. It reports false when the
// consumer fell behind and the frame was dropped; the clock still advances.
func (s *wsStream) deliver(samples []float32, sampleRate int) bool {
	if sampleRate <= 0 {
		sampleRate = s.sampleRate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	f := audio.Frame{Samples: samples, SampleRate: sampleRate, Offset: s.offset}
	s.offset = f.End()
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

func (s *wsStream) Close() error {
	s.finish(true)
	return nil
}

func (s *wsStream) finish(release bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.frames)
	s.mu.Unlock()

	c := s.owner
	c.mu.Lock()
	if c.active == s {
		c.active = nil
	}
	c.mu.Unlock()
	if release {
		c.send(protocol.CaptureRelease{Type: protocol.TypeCaptureRelease, SessionID: c.sessionID})
	}
}

// wsSink plays clips in the browser. The browser acknowledges natural
// completion with playback_ended.
type wsSink struct {
	sessionID string
	send      func(any) bool
	finished  chan string
}

func newWSSink(sessionID string, send func(any) bool) *wsSink {
	return &wsSink{sessionID: sessionID, send: send, finished: make(chan string, 8)}
}

func (s *wsSink) Play(_ context.Context, clip Clip) error {
	ok := s.send(protocol.AssistantAudio{
		Type:        protocol.TypeAssistantAudio,
		SessionID:   s.sessionID,
		ClipID:      clip.ID,
		MIMEType:    clip.MIMEType,
		AudioBase64: base64.StdEncoding.EncodeToString(clip.Audio),
	})
	if !ok {
		return errors.New("voice: audio clip not delivered")
	}
	return nil
}

func (s *wsSink) Stop(clipID string) error {
	if !s.send(protocol.PlaybackStop{Type: protocol.TypePlaybackStop, SessionID: s.sessionID, ClipID: clipID}) {
		return errors.New("voice: playback stop not delivered")
	}
	return nil
}

func (s *wsSink) Finished() <-chan string { return s.finished }

func (s *wsSink) ended(clipID string) {
	if clipID == "" {
		return
	}
	select {
	case s.finished <- clipID:
	default:
	}
}
