package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ent0n29/voicetutor/internal/history"
	"github.com/ent0n29/voicetutor/internal/observability"
	"github.com/ent0n29/voicetutor/internal/protocol"
	"github.com/ent0n29/voicetutor/internal/session"
)

const (
	DefaultOutboundTimeout = 2 * time.Second
	DefaultInboundRate     = 50
	DefaultInboundBurst    = 100
)

type EngineConfig struct {
	// Controller is the template every connection's TurnController starts
	// from; HistoryKey and UserID are filled in per session.
	Controller      ControllerConfig
	CaptureTimeout  time.Duration
	OutboundTimeout time.Duration
	// InboundRate limits client messages per second on one websocket.
	InboundRate  float64
	InboundBurst int
}

// Engine holds the providers shared by every connection and runs one
// TurnController per websocket.
type Engine struct {
	cfg      EngineConfig
	pipeline *Pipeline
	store    history.Store
	sessions *session.Manager
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func NewEngine(cfg EngineConfig, pipeline *Pipeline, store history.Store, sessions *session.Manager, metrics *observability.Metrics, logger *slog.Logger) *Engine {
	if cfg.OutboundTimeout <= 0 {
		cfg.OutboundTimeout = DefaultOutboundTimeout
	}
	if cfg.InboundRate <= 0 {
		cfg.InboundRate = DefaultInboundRate
	}
	if cfg.InboundBurst <= 0 {
		cfg.InboundBurst = DefaultInboundBurst
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		pipeline: pipeline,
		store:    store,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger,
	}
}

// RunConnection drives one browser connection until ctx is cancelled or
// inbound is closed. Every outbound write is bounded by OutboundTimeout.
func (e *Engine) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	logger := e.logger.With("session_id", s.ID)
	send := func(msg any) bool { return e.send(ctx, logger, outbound, msg) }

	capture := newWSCapture(s.ID, e.cfg.CaptureTimeout, send, func() {
		e.metrics.IncSessionEvent("frame_dropped")
	})
	sink := newWSSink(s.ID, send)

	ccfg := e.cfg.Controller
	ccfg.HistoryKey = s.ID
	ccfg.UserID = s.UserID
	ctrl, err := NewTurnController(ccfg, Deps{
		Capture:  capture,
		Sink:     sink,
		Pipeline: e.pipeline.ForSession(s.VoiceID, s.Language),
		Store:    e.store,
		Metrics:  e.metrics,
		Logger:   logger,
	})
	if err != nil {
		send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: s.ID,
			Code:      "engine_unavailable",
			Source:    "engine",
			Detail:    err.Error(),
		})
		return err
	}

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for ev := range ctrl.Events() {
			e.forward(s.ID, ev, send)
		}
	}()

	var connecting sync.WaitGroup
	connect := func() {
		connecting.Add(1)
		go func() {
			defer connecting.Done()
			if err := ctrl.Connect(ctx); err != nil && !errors.Is(err, errConnectAborted) {
				logger.Info("voice connect failed", "err", err)
			}
		}()
	}
	// Disconnect first so a connect still waiting on the browser sees it was
	// superseded when abort wakes it.
	disconnect := func() {
		ctrl.Disconnect()
		capture.abort()
	}
	defer func() {
		capture.abort()
		connecting.Wait()
		ctrl.Close()
		<-forwardDone
	}()

	limiter := rate.NewLimiter(rate.Limit(e.cfg.InboundRate), e.cfg.InboundBurst)
	for {
		var (
			msg any
			ok  bool
		)
		select {
		case <-ctx.Done():
			return nil
		case msg, ok = <-inbound:
			if !ok {
				return nil
			}
		}
		// Control messages drive the state machine and are never dropped.
		if _, control := msg.(protocol.ClientControl); !control && !limiter.Allow() {
			e.metrics.IncSessionEvent("inbound_rate_limited")
			continue
		}
		if e.sessions != nil {
			_ = e.sessions.Touch(s.ID)
		}

		switch m := msg.(type) {
		case protocol.ClientAudioFrame:
			if m.SessionID != s.ID {
				continue
			}
			if err := capture.push(m); err != nil && !errors.Is(err, errNoCapture) {
				logger.Debug("audio frame rejected", "seq", m.Seq, "err", err)
			}
		case protocol.ClientControl:
			if m.SessionID != s.ID {
				continue
			}
			switch m.Action {
			case protocol.ActionConnect:
				connect()
			case protocol.ActionDisconnect:
				disconnect()
			case protocol.ActionToggle:
				if ctrl.State() == StateDisconnected {
					connect()
				} else {
					disconnect()
				}
			case protocol.ActionCaptureReady:
				capture.ready(m.SampleRate)
			case protocol.ActionCaptureDenied:
				capture.denied(m.Detail)
			case protocol.ActionCaptureEnded:
				capture.end()
			case protocol.ActionPlaybackStarted:
				logger.Debug("browser started playback", "clip_id", m.ClipID)
			case protocol.ActionPlaybackEnded:
				sink.ended(m.ClipID)
			default:
				send(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: s.ID,
					Code:      "invalid_action",
					Source:    "gateway",
					Detail:    "unknown control action: " + m.Action,
				})
			}
		}
	}
}

// forward translates a controller event into its wire message.
func (e *Engine) forward(sessionID string, ev Event, send func(any) bool) {
	switch ev := ev.(type) {
	case EventState:
		send(protocol.StateChange{
			Type:      protocol.TypeStateChange,
			SessionID: sessionID,
			From:      ev.From.String(),
			To:        ev.To.String(),
		})
	case EventSignal:
		send(protocol.Signal{Type: protocol.TypeSignal, SessionID: sessionID, Signal: string(ev.Signal)})
	case EventUserTranscript:
		e.countTurn(sessionID)
		send(protocol.UserTranscript{
			Type:      protocol.TypeUserTranscript,
			SessionID: sessionID,
			TurnID:    ev.TurnID,
			Text:      ev.Text,
			TSMs:      ev.At.UnixMilli(),
		})
	case EventAssistantReply:
		e.countTurn(sessionID)
		send(protocol.AssistantReply{
			Type:      protocol.TypeAssistantReply,
			SessionID: sessionID,
			TurnID:    ev.TurnID,
			Text:      ev.Text,
			TSMs:      ev.At.UnixMilli(),
		})
	case EventError:
		code, source, retryable := classifyEventError(ev.Err)
		send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      code,
			Source:    source,
			Retryable: retryable,
			Detail:    ev.Text,
		})
	}
}

func (e *Engine) countTurn(sessionID string) {
	if e.sessions == nil {
		return
	}
	_ = e.sessions.RecordTurn(sessionID)
}

func classifyEventError(err error) (code, source string, retryable bool) {
	var perm *PermissionError
	if errors.As(err, &perm) {
		return "capture_denied", "capture", false
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return "service_error", string(se.Stage), se.Retryable
	}
	return "voice_error", "engine", false
}

func (e *Engine) send(ctx context.Context, logger *slog.Logger, outbound chan<- any, msg any) bool {
	timer := time.NewTimer(e.cfg.OutboundTimeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		e.metrics.IncSessionEvent("outbound_drop")
		logger.Warn("outbound message dropped", "type", protocol.MessageTypeOf(msg))
		return false
	}
}
