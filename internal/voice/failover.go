package voice

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// NewFailoverPair builds a transcriber and synthesizer that prefer the
// primary backend and switch to the fallback when a primary call fails.
// Once the fallback succeeds it stays active until it fails; then the
// primary is retried. Both halves share the switch so a session never mixes
// providers mid-turn.
func NewFailoverPair(
	primarySTT Transcriber,
	primaryTTS Synthesizer,
	fallbackSTT Transcriber,
	fallbackTTS Synthesizer,
	fallbackVoiceID string,
) (Transcriber, Synthesizer) {
	state := &failoverState{}
	return &failoverTranscriber{
			state:    state,
			primary:  primarySTT,
			fallback: fallbackSTT,
		}, &failoverSynthesizer{
			state:           state,
			primary:         primaryTTS,
			fallback:        fallbackTTS,
			fallbackVoiceID: strings.TrimSpace(fallbackVoiceID),
		}
}

type failoverState struct {
	fallbackActive atomic.Bool
}

func (s *failoverState) activateFallback()      { s.fallbackActive.Store(true) }
func (s *failoverState) deactivateFallback()    { s.fallbackActive.Store(false) }
func (s *failoverState) isFallbackActive() bool { return s.fallbackActive.Load() }

type failoverTranscriber struct {
	state    *failoverState
	primary  Transcriber
	fallback Transcriber
}

func (p *failoverTranscriber) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if p.state.isFallbackActive() {
		text, fbErr := p.fallback.Transcribe(ctx, audio, format)
		if fbErr == nil {
			return text, nil
		}
		text, prErr := p.primary.Transcribe(ctx, audio, format)
		if prErr == nil {
			p.state.deactivateFallback()
			return text, nil
		}
		return "", fmt.Errorf("stt fallback failed: %v; stt primary failed: %w", fbErr, prErr)
	}

	text, prErr := p.primary.Transcribe(ctx, audio, format)
	if prErr == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", prErr
	}
	text, fbErr := p.fallback.Transcribe(ctx, audio, format)
	if fbErr != nil {
		return "", fmt.Errorf("stt primary failed: %v; stt fallback failed: %w", prErr, fbErr)
	}
	p.state.activateFallback()
	return text, nil
}

type failoverSynthesizer struct {
	state           *failoverState
	primary         Synthesizer
	fallback        Synthesizer
	fallbackVoiceID string
}

func (p *failoverSynthesizer) Synthesize(ctx context.Context, text, voiceID string) (Clip, error) {
	if p.state.isFallbackActive() {
		clip, fbErr := p.fallback.Synthesize(ctx, text, p.fallbackVoice(voiceID))
		if fbErr == nil {
			return clip, nil
		}
		clip, prErr := p.primary.Synthesize(ctx, text, voiceID)
		if prErr == nil {
			p.state.deactivateFallback()
			return clip, nil
		}
		return Clip{}, fmt.Errorf("tts fallback failed: %v; tts primary failed: %w", fbErr, prErr)
	}

	clip, prErr := p.primary.Synthesize(ctx, text, voiceID)
	if prErr == nil {
		return clip, nil
	}
	if ctx.Err() != nil {
		return Clip{}, prErr
	}
	clip, fbErr := p.fallback.Synthesize(ctx, text, p.fallbackVoice(voiceID))
	if fbErr != nil {
		return Clip{}, fmt.Errorf("tts primary failed: %v; tts fallback failed: %w", prErr, fbErr)
	}
	p.state.activateFallback()
	return clip, nil
}

// fallbackVoice maps the primary's voice to one the fallback understands.
func (p *failoverSynthesizer) fallbackVoice(voiceID string) string {
	if p.fallbackVoiceID != "" {
		return p.fallbackVoiceID
	}
	return voiceID
}
