package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ent0n29/voicetutor/internal/config"
	"github.com/ent0n29/voicetutor/internal/dialogue"
	"github.com/ent0n29/voicetutor/internal/history"
	"github.com/ent0n29/voicetutor/internal/httpapi"
	"github.com/ent0n29/voicetutor/internal/observability"
	"github.com/ent0n29/voicetutor/internal/reliability"
	"github.com/ent0n29/voicetutor/internal/session"
	"github.com/ent0n29/voicetutor/internal/vad"
	"github.com/ent0n29/voicetutor/internal/voice"
)

const (
	historyConnectAttempts = 4
	historyBackoffBase     = 250 * time.Millisecond
	historyBackoffCap      = 4 * time.Second
)

type VoiceInfo struct {
	Provider       string
	Detail         string
	DefaultVoiceID string
	HistoryBackend string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Engine   *voice.Engine
	Metrics  *observability.Metrics
	Voice    VoiceInfo

	// Cleanup releases external resources (database pool, redis client).
	Cleanup func() error
}

// Options overrides pieces of the build for tests and tools.
type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	store, err := connectHistory(ctx, history.Config{
		DatabaseURL: cfg.DatabaseURL,
		RedisURL:    cfg.RedisURL,
		TTL:         cfg.HistoryTTL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	dlg, err := dialogue.NewClient(dialogue.Config{
		Mode:        cfg.DialogueMode,
		HTTPURL:     cfg.DialogueHTTPURL,
		OpenAIKey:   cfg.OpenAIAPIKey,
		OpenAIBase:  cfg.OpenAIBaseURL,
		OpenAIModel: cfg.OpenAIChatModel,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("dialogue client init failed: %w", err)
	}

	voiceSetup, err := resolveVoiceProviders(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	cfg.VoiceProvider = voiceSetup.resolvedProvider

	codec, err := voice.CodecByName("pcm16")
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	pipeline := voice.NewPipeline(voice.PipelineConfig{
		SystemPrompt: cfg.Persona.SystemPrompt,
		VoiceID:      voiceSetup.defaultVoiceID,
		Params: dialogue.Params{
			Temperature: cfg.DialogueTemperature,
			MaxTokens:   cfg.DialogueMaxTokens,
		},
		HistoryTurns: cfg.DialogueHistoryTurns,
		StepTimeout:  cfg.ServiceTimeout,
	}, voiceSetup.transcriber, dlg, voiceSetup.synthesizer, metrics)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.IncSessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
	})

	engine := voice.NewEngine(voice.EngineConfig{
		Controller: voice.ControllerConfig{
			Constraints:        voice.DefaultConstraints(),
			VAD:                vad.Config{Threshold: cfg.VADThreshold, HangTime: cfg.VADHangTime},
			Codec:              codec,
			ChunkInterval:      cfg.RecorderChunkInterval,
			PlaybackAckTimeout: cfg.PlaybackAckTimeout,
			Greeting:           cfg.Greeting(),
		},
		CaptureTimeout: cfg.CaptureTimeout,
		InboundRate:    cfg.InboundMsgRate,
	}, pipeline, store, sessions, metrics, logger)

	api := httpapi.New(cfg, sessions, engine, store, metrics, logger)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Engine:   engine,
		Metrics:  metrics,
		Voice: VoiceInfo{
			Provider:       voiceSetup.resolvedProvider,
			Detail:         voiceSetup.detail,
			DefaultVoiceID: voiceSetup.defaultVoiceID,
			HistoryBackend: history.Backend(store),
		},
		Cleanup: store.Close,
	}, nil
}

// connectHistory retries the store dial with exponential backoff so the
// service survives a database that starts a little after it does.
func connectHistory(ctx context.Context, cfg history.Config, logger *slog.Logger) (history.Store, error) {
	var lastErr error
	for attempt := 0; attempt < historyConnectAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, historyBackoffBase, historyBackoffCap)
			logger.Warn("history store unavailable, retrying", "attempt", attempt, "wait", wait, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, errors.Join(ctx.Err(), lastErr)
			case <-time.After(wait):
			}
		}
		store, err := history.NewStore(ctx, cfg)
		if err == nil {
			return store, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
