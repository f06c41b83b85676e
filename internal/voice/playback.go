package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const DefaultPlaybackAckTimeout = 90 * time.Second

var ErrPlaybackClosed = errors.New("voice: playback closed")

type PlaybackEventType int

const (
	PlayStarted PlaybackEventType = iota + 1
	PlayEnded
)

type PlaybackEvent struct {
	Type   PlaybackEventType
	ClipID string
	Text   string
	// Reason says why a clip ended: a sink completion, the watchdog giving
	// up on one, an explicit Stop, or a newer clip replacing it.
	Reason string
}

const (
	EndFinished   = "finished"
	EndAckTimeout = "ack_timeout"
	EndStopped    = "stopped"
	EndReplaced   = "replaced"
)

// Playback owns the single output sink. Only one clip is ever outstanding:
// Play stops the current clip before starting the next.
//
// onEvent runs with the playback lock held, which keeps started/ended
// strictly ordered. It must not call back into Playback.
type Playback struct {
	sink       Sink
	ackTimeout time.Duration
	onEvent    func(PlaybackEvent)
	logger     *slog.Logger

	mu       sync.Mutex
	current  *playing
	closed   bool
	done     chan struct{}
	loopDone chan struct{}
}

type playing struct {
	id       string
	text     string
	watchdog *time.Timer
}

func NewPlayback(sink Sink, ackTimeout time.Duration, logger *slog.Logger, onEvent func(PlaybackEvent)) *Playback {
	if ackTimeout <= 0 {
		ackTimeout = DefaultPlaybackAckTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if onEvent == nil {
		onEvent = func(PlaybackEvent) {}
	}
	p := &Playback{
		sink:       sink,
		ackTimeout: ackTimeout,
		onEvent:    onEvent,
		logger:     logger,
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	go p.watchSink()
	return p
}

// Play replaces whatever is playing with clip and emits PlayStarted once the
// sink accepted it. The clip's audio is not retained.
func (p *Playback) Play(ctx context.Context, clip Clip) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPlaybackClosed
	}
	if p.current != nil {
		_ = p.stopLocked(EndReplaced)
	}
	if err := p.sink.Play(ctx, clip); err != nil {
		return err
	}

	id := clip.ID
	p.current = &playing{
		id:   id,
		text: clip.Text,
		watchdog: time.AfterFunc(p.ackTimeout, func() {
			p.finish(id, EndAckTimeout)
		}),
	}
	p.onEvent(PlaybackEvent{Type: PlayStarted, ClipID: id, Text: clip.Text})
	return nil
}

// Current returns the ID of the outstanding clip.
func (p *Playback) Current() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return "", false
	}
	return p.current.id, true
}

// Stop halts the outstanding clip and emits PlayEnded.
func (p *Playback) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.current == nil {
		return nil
	}
	return p.stopLocked(EndStopped)
}

// Close stops playback and detaches from the sink. No PlayEnded is emitted;
// the owner is going away.
func (p *Playback) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var err error
	if p.current != nil {
		err = p.stopLocked("")
	}
	close(p.done)
	p.mu.Unlock()
	<-p.loopDone
	return err
}

// stopLocked halts the current clip. A non-empty reason emits PlayEnded
// even when the sink refused to stop, so started/ended stay paired.
func (p *Playback) stopLocked(reason string) error {
	cur := p.current
	p.current = nil
	cur.watchdog.Stop()
	err := p.sink.Stop(cur.id)
	if err != nil {
		p.logger.Warn("stop playback failed", "clip_id", cur.id, "err", err)
	}
	if reason != "" {
		p.onEvent(PlaybackEvent{Type: PlayEnded, ClipID: cur.id, Text: cur.text, Reason: reason})
	}
	return err
}

func (p *Playback) watchSink() {
	defer close(p.loopDone)
	finished := p.sink.Finished()
	for {
		select {
		case <-p.done:
			return
		case id, ok := <-finished:
			if !ok {
				return
			}
			p.finish(id, EndFinished)
		}
	}
}

// finish ends the clip if it is still the outstanding one; completions for
// superseded clips are ignored.
func (p *Playback) finish(id, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.current == nil || p.current.id != id {
		return
	}
	cur := p.current
	p.current = nil
	cur.watchdog.Stop()
	if reason == EndAckTimeout {
		p.logger.Warn("playback completion never arrived", "clip_id", id, "timeout", p.ackTimeout)
	}
	p.onEvent(PlaybackEvent{Type: PlayEnded, ClipID: id, Text: cur.text, Reason: reason})
}
