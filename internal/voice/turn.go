package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/voicetutor/internal/audio"
	"github.com/ent0n29/voicetutor/internal/history"
	"github.com/ent0n29/voicetutor/internal/observability"
	"github.com/ent0n29/voicetutor/internal/policy"
	"github.com/ent0n29/voicetutor/internal/vad"
)

// State is the turn controller's position in the conversation.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateListening
	StateRecording
	StateProcessing
	StateResponding
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "idle-listening"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	case StateResponding:
		return "responding"
	default:
		return "unknown"
	}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const ModalityVoice = "voice"

// Turn is one immutable entry of the conversation transcript.
type Turn struct {
	ID       string
	Role     Role
	Text     string
	At       time.Time
	Modality string
}

// Session is one connected lifetime. It is created on connect and dropped on
// disconnect.
type Session struct {
	ID        string
	StartedAt time.Time
	Turns     []Turn
	Greeted   bool
}

var (
	ErrControllerClosed = errors.New("voice: controller closed")
	errConnectAborted   = errors.New("voice: connect aborted by disconnect")
)

const persistTimeout = 5 * time.Second

type ControllerConfig struct {
	Constraints        Constraints
	VAD                vad.Config
	Codec              Codec
	ChunkInterval      time.Duration
	PlaybackAckTimeout time.Duration
	// Greeting is spoken once per session right after connecting. Empty disables it.
	Greeting string
	// HistoryKey is the external session identifier turns are persisted under.
	HistoryKey string
	UserID     string
}

type Deps struct {
	Capture  CaptureSource
	Sink     Sink
	Pipeline *Pipeline
	// Store is optional; persistence failures never affect the conversation.
	Store   history.Store
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// TurnController runs the listen, record, process, respond cycle for one
// user. All state lives behind mu; external work (capture, providers,
// playback) runs outside it and reports back tagged with the connection
// generation so late results from an old connection are dropped.
type TurnController struct {
	cfg    ControllerConfig
	deps   Deps
	logger *slog.Logger
	events *eventQueue

	persistQ    chan history.TurnRecord
	persistDone chan struct{}

	mu      sync.Mutex
	state   State
	gen     uint64
	conn    *connection
	session *Session
	closed  bool
}

type connection struct {
	gen      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	capture  Capture
	detector *vad.Detector
	recorder *Recorder
	playback *Playback
	// turnStart is when the current utterance reached the pipeline.
	turnStart time.Time
}

func NewTurnController(cfg ControllerConfig, deps Deps) (*TurnController, error) {
	if deps.Capture == nil || deps.Sink == nil || deps.Pipeline == nil {
		return nil, errors.New("voice: capture, sink and pipeline are required")
	}
	if cfg.VAD == (vad.Config{}) {
		cfg.VAD = vad.DefaultConfig()
	}
	if err := cfg.VAD.Validate(); err != nil {
		return nil, err
	}
	if cfg.Constraints == (Constraints{}) {
		cfg.Constraints = DefaultConstraints()
	}
	if cfg.Codec == nil {
		cfg.Codec = PCM16
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryKey != "" {
		logger = logger.With("session_id", cfg.HistoryKey)
	}

	c := &TurnController{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		events: newEventQueue(),
	}
	if deps.Store != nil && cfg.HistoryKey != "" {
		c.persistQ = make(chan history.TurnRecord, 64)
		c.persistDone = make(chan struct{})
		go c.persistLoop()
	}
	return c, nil
}

// Events is the ordered notification stream. It is closed after Close once
// every queued event was delivered; consumers must drain it.
func (c *TurnController) Events() <-chan Event { return c.events.out }

func (c *TurnController) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Turns returns a copy of the current session's transcript.
func (c *TurnController) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	out := make([]Turn, len(c.session.Turns))
	copy(out, c.session.Turns)
	return out
}

func (c *TurnController) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

// ToggleConnection connects when disconnected and disconnects otherwise.
func (c *TurnController) ToggleConnection(ctx context.Context) error {
	if c.State() == StateDisconnected {
		return c.Connect(ctx)
	}
	c.Disconnect()
	return nil
}

// Connect acquires the microphone and arms the detector. It is a no-op unless
// disconnected. A denied microphone returns an error wrapping *PermissionError.
func (c *TurnController) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	detector, err := vad.New(c.cfg.VAD)
	if err != nil {
		c.abortConnect(gen)
		return err
	}
	capture, err := c.deps.Capture.Open(ctx, c.cfg.Constraints)
	if err != nil {
		c.mu.Lock()
		if c.gen != gen {
			// Disconnect already ran while we waited for the microphone.
			c.mu.Unlock()
			return errConnectAborted
		}
		c.setStateLocked(StateDisconnected)
		var perm *PermissionError
		if errors.As(err, &perm) {
			c.deps.Metrics.IncSessionEvent("capture_denied")
			c.events.push(EventError{Text: "Microphone access denied. Allow microphone access in your browser and try again.", Err: err})
		} else {
			c.deps.Metrics.IncSessionEvent("capture_failed")
			c.events.push(EventError{Text: "Could not start the voice chat. Please try again.", Err: err})
		}
		c.mu.Unlock()
		return fmt.Errorf("open capture: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn := &connection{
		gen:      gen,
		ctx:      connCtx,
		cancel:   cancel,
		capture:  capture,
		detector: detector,
		recorder: NewRecorder(c.cfg.Codec, c.cfg.ChunkInterval),
	}
	conn.playback = NewPlayback(c.deps.Sink, c.cfg.PlaybackAckTimeout, c.logger, func(ev PlaybackEvent) {
		c.onPlayback(conn, ev)
	})

	c.mu.Lock()
	if c.closed || c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		c.teardown(conn)
		return errConnectAborted
	}
	c.conn = conn
	c.session = &Session{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	// Every connect starts a fresh Session, so the greeting plays once per Session.
	greet := strings.TrimSpace(c.cfg.Greeting) != ""
	if greet {
		c.setStateLocked(StateResponding)
	} else {
		c.setStateLocked(StateListening)
	}
	c.logger.Info("voice connected", "conversation_id", c.session.ID, "sample_rate", c.cfg.Constraints.SampleRate)
	c.mu.Unlock()

	c.deps.Metrics.IncSessionEvent("connect")
	c.deps.Metrics.AddActiveConnections(1)

	go c.frameLoop(conn)
	if greet {
		go c.playGreeting(conn)
	}
	return nil
}

// Disconnect tears the connection down from any state. Cleanup failures are
// logged, never returned.
func (c *TurnController) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.gen++
	c.conn = nil
	c.session = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		c.teardown(conn)
		c.deps.Metrics.IncSessionEvent("disconnect")
		c.deps.Metrics.AddActiveConnections(-1)
		c.logger.Info("voice disconnected")
	}
}

func (c *TurnController) abortConnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.setStateLocked(StateDisconnected)
	}
}

// Close disconnects, flushes pending persistence and ends the event stream.
func (c *TurnController) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.Disconnect()

	if c.persistQ != nil {
		close(c.persistQ)
		<-c.persistDone
	}
	c.events.close()
}

func (c *TurnController) teardown(conn *connection) {
	conn.cancel()
	conn.recorder.Reset()

	var errs []error
	if err := conn.playback.Close(); err != nil {
		errs = append(errs, fmt.Errorf("stop playback: %w", err))
	}
	if err := conn.capture.Close(); err != nil {
		errs = append(errs, fmt.Errorf("release capture: %w", err))
	}
	if len(errs) > 0 {
		c.logger.Warn("teardown incomplete", "err", &TeardownError{Errs: errs})
	}
}

func (c *TurnController) frameLoop(conn *connection) {
	frames := conn.capture.Frames()
	for {
		select {
		case <-conn.ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				c.captureEnded(conn)
				return
			}
			c.handleFrame(conn, f)
		}
	}
}

// captureEnded handles the microphone stream going away underneath us.
func (c *TurnController) captureEnded(conn *connection) {
	c.mu.Lock()
	current := c.conn == conn
	c.mu.Unlock()
	if current {
		c.logger.Info("capture stream ended")
		c.Disconnect()
	}
}

func (c *TurnController) handleFrame(conn *connection, f audio.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	if c.state != StateListening && c.state != StateRecording {
		return
	}

	evt, changed := conn.detector.Process(f)
	if c.state == StateRecording {
		conn.recorder.Append(f)
	}
	if !changed {
		return
	}

	switch evt.Type {
	case vad.SpeechStart:
		c.events.push(EventSignal{Signal: SignalSpeechStarted})
		if conn.recorder.Start() {
			conn.recorder.Append(f)
			c.setStateLocked(StateRecording)
		}
	case vad.SpeechEnd:
		c.events.push(EventSignal{Signal: SignalSpeechEnded})
		utt, ok := conn.recorder.End()
		if !ok {
			c.setStateLocked(StateListening)
			return
		}
		c.setStateLocked(StateProcessing)
		conn.turnStart = time.Now()
		go c.process(conn, utt, conn.turnStart)
	}
}

func (c *TurnController) process(conn *connection, utt Utterance, turnStart time.Time) {
	p := c.deps.Pipeline

	text, err := p.Transcribe(conn.ctx, utt)
	if err != nil {
		c.failTurn(conn, err)
		return
	}
	prior, ok := c.recordUserTurn(conn, text)
	if !ok {
		return
	}

	reply, err := p.Reply(conn.ctx, c.cfg.HistoryKey, prior, text)
	if err != nil {
		c.failTurn(conn, err)
		return
	}
	clip, err := p.Synthesize(conn.ctx, reply)
	if err != nil {
		c.failTurn(conn, err)
		return
	}

	if !c.transition(conn, StateProcessing, StateResponding) {
		return
	}
	if err := conn.playback.Play(conn.ctx, clip); err != nil {
		c.failTurn(conn, fmt.Errorf("play reply: %w", err))
		return
	}
	c.deps.Metrics.ObserveStage("speech_end_to_reply", time.Since(turnStart))
	c.deps.Metrics.ObserveTurnOutcome("replied")
}

func (c *TurnController) playGreeting(conn *connection) {
	clip, err := c.deps.Pipeline.Synthesize(conn.ctx, c.cfg.Greeting)
	if err != nil {
		c.logger.Warn("greeting synthesis failed", "err", err)
		c.transition(conn, StateResponding, StateListening)
		return
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.session.Greeted = true
	c.mu.Unlock()

	if err := conn.playback.Play(conn.ctx, clip); err != nil {
		c.logger.Warn("greeting playback failed", "err", err)
		c.transition(conn, StateResponding, StateListening)
	}
}

// recordUserTurn appends the transcript and returns the history preceding it.
func (c *TurnController) recordUserTurn(conn *connection, text string) ([]Turn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn || c.state != StateProcessing {
		return nil, false
	}
	prior := make([]Turn, len(c.session.Turns))
	copy(prior, c.session.Turns)

	turn := c.appendTurnLocked(RoleUser, text)
	c.events.push(EventUserTranscript{TurnID: turn.ID, Text: turn.Text, At: turn.At})
	return prior, true
}

func (c *TurnController) onPlayback(conn *connection, ev PlaybackEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}

	switch ev.Type {
	case PlayStarted:
		turn := c.appendTurnLocked(RoleAssistant, ev.Text)
		c.events.push(EventAssistantReply{TurnID: turn.ID, Text: turn.Text, At: turn.At})
		c.events.push(EventSignal{Signal: SignalAssistantSpeakingStarted})
	case PlayEnded:
		c.events.push(EventSignal{Signal: SignalAssistantSpeakingEnded})
		if ev.Reason != EndFinished {
			c.deps.Metrics.IncSessionEvent("playback_" + ev.Reason)
		} else if !conn.turnStart.IsZero() {
			c.deps.Metrics.ObserveStage("turn_total", time.Since(conn.turnStart))
		}
		// A replaced clip hands the floor straight to the next one.
		if c.state == StateResponding && ev.Reason != EndReplaced {
			c.rearmLocked(conn)
		}
	}
}

// failTurn aborts the current turn and re-arms listening. An empty
// utterance is dropped silently; every other failure yields one error event.
func (c *TurnController) failTurn(conn *connection, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	if c.state != StateProcessing && c.state != StateResponding {
		return
	}
	c.rearmLocked(conn)

	if errors.Is(err, ErrEmptyUtterance) {
		c.logger.Debug("utterance had no speech")
		c.deps.Metrics.ObserveTurnOutcome("empty")
		return
	}
	c.logger.Warn("turn failed", "err", err)
	c.deps.Metrics.ObserveTurnOutcome("failed")
	c.events.push(EventError{Text: userMessage(err), Err: err})
}

func (c *TurnController) transition(conn *connection, from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn || c.state != from {
		return false
	}
	if to == StateListening {
		c.rearmLocked(conn)
		return true
	}
	c.setStateLocked(to)
	return true
}

func (c *TurnController) rearmLocked(conn *connection) {
	conn.detector.Reset()
	conn.recorder.Release()
	c.setStateLocked(StateListening)
}

func (c *TurnController) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.events.push(EventState{From: from, To: to})
	c.logger.Debug("turn state", "from", from.String(), "to", to.String())
}

func (c *TurnController) appendTurnLocked(role Role, text string) Turn {
	turn := Turn{
		ID:       uuid.NewString(),
		Role:     role,
		Text:     text,
		At:       time.Now().UTC(),
		Modality: ModalityVoice,
	}
	c.session.Turns = append(c.session.Turns, turn)
	c.enqueuePersistLocked(turn)
	return turn
}

func (c *TurnController) enqueuePersistLocked(turn Turn) {
	if c.persistQ == nil || c.closed {
		return
	}
	content, redacted := policy.RedactPII(turn.Text)
	rec := history.TurnRecord{
		ID:             turn.ID,
		ConversationID: c.session.ID,
		UserID:         c.cfg.UserID,
		Role:           string(turn.Role),
		Content:        content,
		Modality:       turn.Modality,
		PIIRedacted:    redacted,
		CreatedAt:      turn.At,
	}
	select {
	case c.persistQ <- rec:
	default:
		c.deps.Metrics.IncHistoryError("queue_full")
		c.logger.Warn("history queue full, dropping turn", "turn_id", turn.ID)
	}
}

// persistLoop writes turns one at a time so backends see them in order.
func (c *TurnController) persistLoop() {
	defer close(c.persistDone)
	for rec := range c.persistQ {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := c.deps.Store.RecordTurn(ctx, c.cfg.HistoryKey, rec)
		cancel()
		if err != nil {
			c.deps.Metrics.IncHistoryError("record_turn")
			c.logger.Warn("record turn failed", "turn_id", rec.ID, "err", err)
		}
	}
}
