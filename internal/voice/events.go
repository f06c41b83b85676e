package voice

import (
	"sync"
	"time"
)

// Event is the closed set of notifications a TurnController publishes.
// The unexported marker keeps the set closed to this package.
type Event interface {
	event()
}

type Signal string

const (
	SignalSpeechStarted            Signal = "speech-started"
	SignalSpeechEnded              Signal = "speech-ended"
	SignalAssistantSpeakingStarted Signal = "assistant-speaking-started"
	SignalAssistantSpeakingEnded   Signal = "assistant-speaking-ended"
)

type EventUserTranscript struct {
	TurnID string
	Text   string
	At     time.Time
}

type EventAssistantReply struct {
	TurnID string
	Text   string
	At     time.Time
}

// EventError carries a message fit for the user. Err is the underlying cause.
type EventError struct {
	Text string
	Err  error
}

type EventSignal struct {
	Signal Signal
}

type EventState struct {
	From State
	To   State
}

func (EventUserTranscript) event() {}
func (EventAssistantReply) event() {}
func (EventError) event()          {}
func (EventSignal) event()         {}
func (EventState) event()          {}

// eventQueue is an unbounded FIFO with a single consumer channel. push never
// blocks, so engine code can publish while holding its own lock.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	wake   chan struct{}
	out    chan Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
	}
	go q.pump()
	return q
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.signal()
}

// close stops accepting events. Queued events are still delivered, then the
// output channel is closed.
func (q *eventQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		next := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		q.out <- next
	}
}
