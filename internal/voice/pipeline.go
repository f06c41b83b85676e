package voice

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/voicetutor/internal/audio"
	"github.com/ent0n29/voicetutor/internal/dialogue"
	"github.com/ent0n29/voicetutor/internal/observability"
	"github.com/ent0n29/voicetutor/internal/reliability"
)

const (
	DefaultStepTimeout  = 30 * time.Second
	DefaultHistoryTurns = 8
)

type PipelineConfig struct {
	SystemPrompt string
	VoiceID      string
	Params       dialogue.Params
	// HistoryTurns bounds how many earlier turns accompany each dialogue call.
	// Zero means DefaultHistoryTurns; a negative value sends none.
	HistoryTurns int
	// StepTimeout applies to each external call separately.
	StepTimeout time.Duration
}

// Pipeline runs one utterance through transcription, dialogue and synthesis.
// Each step is exposed separately so the controller can publish the
// transcript before the reply exists.
type Pipeline struct {
	cfg         PipelineConfig
	transcriber Transcriber
	dialogue    dialogue.Client
	synthesizer Synthesizer
	metrics     *observability.Metrics
}

func NewPipeline(cfg PipelineConfig, t Transcriber, d dialogue.Client, s Synthesizer, metrics *observability.Metrics) *Pipeline {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.Params == (dialogue.Params{}) {
		cfg.Params = dialogue.DefaultParams()
	}
	switch {
	case cfg.HistoryTurns == 0:
		cfg.HistoryTurns = DefaultHistoryTurns
	case cfg.HistoryTurns < 0:
		cfg.HistoryTurns = 0
	}
	return &Pipeline{cfg: cfg, transcriber: t, dialogue: d, synthesizer: s, metrics: metrics}
}

// ForSession returns a copy of p that speaks with voiceID and tells the
// dialogue service which language the learner practises. Empty values keep
// the configured defaults.
func (p *Pipeline) ForSession(voiceID, language string) *Pipeline {
	cp := *p
	if v := strings.TrimSpace(voiceID); v != "" {
		cp.cfg.VoiceID = v
	}
	if lang := strings.TrimSpace(language); lang != "" {
		cp.cfg.SystemPrompt = strings.TrimSpace(cp.cfg.SystemPrompt + "\nThe learner is practising " + lang + ".")
	}
	return &cp
}

// Encode converts an utterance to the canonical WAV container.
func (p *Pipeline) Encode(utt Utterance) ([]byte, error) {
	start := time.Now()
	samples, err := utt.Samples()
	if err != nil {
		return nil, p.wrap(StageEncode, err)
	}
	wav, err := audio.EncodeCanonicalWAV(samples, utt.SampleRate)
	if err != nil {
		return nil, p.wrap(StageEncode, err)
	}
	p.metrics.ObserveStage(string(StageEncode), time.Since(start))
	return wav, nil
}

// Transcribe encodes and transcribes utt. Blank text yields ErrEmptyUtterance.
func (p *Pipeline) Transcribe(ctx context.Context, utt Utterance) (string, error) {
	wav, err := p.Encode(utt)
	if err != nil {
		return "", err
	}
	var text string
	err = p.step(ctx, StageTranscribe, func(ctx context.Context) error {
		var err error
		text, err = p.transcriber.Transcribe(ctx, wav, "wav")
		return err
	})
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyUtterance
	}
	return text, nil
}

// Reply asks the dialogue service for the assistant's answer to input.
// history holds the session's earlier turns, oldest first.
func (p *Pipeline) Reply(ctx context.Context, sessionID string, history []Turn, input string) (string, error) {
	req := dialogue.Request{
		SessionID:    sessionID,
		SystemPrompt: p.cfg.SystemPrompt,
		History:      p.historyMessages(history),
		Input:        input,
		Params:       p.cfg.Params,
	}
	var reply string
	err := p.step(ctx, StageDialogue, func(ctx context.Context) error {
		var err error
		reply, err = p.dialogue.Complete(ctx, req)
		if err != nil {
			return err
		}
		reply = strings.TrimSpace(reply)
		if reply == "" {
			return dialogue.ErrEmptyReply
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return reply, nil
}

// Synthesize renders text to a playable clip with a fresh ID.
func (p *Pipeline) Synthesize(ctx context.Context, text string) (Clip, error) {
	var clip Clip
	err := p.step(ctx, StageSynthesize, func(ctx context.Context) error {
		var err error
		clip, err = p.synthesizer.Synthesize(ctx, text, p.cfg.VoiceID)
		if err != nil {
			return err
		}
		if len(clip.Audio) == 0 {
			return errors.New("synthesizer returned no audio")
		}
		return nil
	})
	if err != nil {
		return Clip{}, err
	}
	if clip.ID == "" {
		clip.ID = uuid.NewString()
	}
	clip.Text = text
	return clip, nil
}

func (p *Pipeline) historyMessages(history []Turn) []dialogue.Message {
	if p.cfg.HistoryTurns == 0 || len(history) == 0 {
		return nil
	}
	if len(history) > p.cfg.HistoryTurns {
		history = history[len(history)-p.cfg.HistoryTurns:]
	}
	out := make([]dialogue.Message, 0, len(history))
	for _, t := range history {
		role := dialogue.RoleUser
		if t.Role == RoleAssistant {
			role = dialogue.RoleAssistant
		}
		out = append(out, dialogue.Message{Role: role, Content: t.Text})
	}
	return out
}

func (p *Pipeline) step(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	p.metrics.ObserveStage(string(stage), time.Since(start))
	if err != nil {
		return p.wrap(stage, err)
	}
	return nil
}

func (p *Pipeline) wrap(stage Stage, err error) error {
	retryable := reliability.IsRetryable(err)
	p.metrics.ObserveProviderError(string(stage), retryable)
	return &ServiceError{Stage: stage, Err: err, Retryable: retryable}
}
