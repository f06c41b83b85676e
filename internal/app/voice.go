package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/voicetutor/internal/config"
	"github.com/ent0n29/voicetutor/internal/voice"
)

type voiceSetup struct {
	transcriber      voice.Transcriber
	synthesizer      voice.Synthesizer
	resolvedProvider string
	defaultVoiceID   string
	detail           string
}

func resolveVoiceProviders(cfg config.Config) (voiceSetup, error) {
	voiceMode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if voiceMode == "" {
		voiceMode = "auto"
	}

	tryOpenAI := func() (voiceSetup, bool) {
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return voiceSetup{}, false
		}
		p := voice.NewOpenAIProvider(voice.OpenAIConfig{
			APIKey:       cfg.OpenAIAPIKey,
			BaseURL:      cfg.OpenAIBaseURL,
			STTModel:     cfg.OpenAISTTModel,
			TTSModel:     cfg.OpenAITTSModel,
			Voice:        cfg.OpenAITTSVoice,
			OutputFormat: cfg.OpenAITTSFormat,
		})
		return voiceSetup{
			transcriber:      p,
			synthesizer:      p,
			resolvedProvider: "openai",
			defaultVoiceID:   cfg.OpenAITTSVoice,
			detail:           fmt.Sprintf("openai (%s + %s)", cfg.OpenAISTTModel, cfg.OpenAITTSModel),
		}, true
	}

	tryElevenLabs := func() (voiceSetup, bool) {
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
			return voiceSetup{}, false
		}
		p := voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
			APIKey:       cfg.ElevenLabsAPIKey,
			BaseURL:      cfg.ElevenLabsBaseURL,
			STTModelID:   cfg.ElevenLabsSTTModel,
			TTSModelID:   cfg.ElevenLabsTTSModel,
			VoiceID:      cfg.ElevenLabsVoiceID,
			OutputFormat: cfg.ElevenLabsOutputFmt,
			Settings: voice.ElevenLabsVoiceSettings{
				Stability:       cfg.ElevenLabsStability,
				SimilarityBoost: cfg.ElevenLabsSimilarity,
				Speed:           cfg.ElevenLabsSpeed,
			},
		})
		return voiceSetup{
			transcriber:      p,
			synthesizer:      p,
			resolvedProvider: "elevenlabs",
			defaultVoiceID:   cfg.ElevenLabsVoiceID,
			detail:           fmt.Sprintf("elevenlabs (%s + %s)", cfg.ElevenLabsSTTModel, cfg.ElevenLabsTTSModel),
		}, true
	}

	mock := func(detail string) voiceSetup {
		p := voice.NewMockProvider()
		return voiceSetup{transcriber: p, synthesizer: p, resolvedProvider: "mock", detail: detail}
	}

	switch voiceMode {
	case "openai":
		if setup, ok := tryOpenAI(); ok {
			return setup, nil
		}
		return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=openai but OPENAI_API_KEY is not set")
	case "elevenlabs":
		if setup, ok := tryElevenLabs(); ok {
			return setup, nil
		}
		// Be forgiving: an ElevenLabs request without a key still talks when
		// OpenAI is configured.
		if setup, ok := tryOpenAI(); ok {
			setup.detail += " (elevenlabs unavailable)"
			return setup, nil
		}
		return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
	case "mock":
		return mock("mock"), nil
	case "auto":
		openaiSetup, hasOpenAI := tryOpenAI()
		elevenSetup, hasEleven := tryElevenLabs()
		if hasOpenAI && hasEleven {
			stt, tts := voice.NewFailoverPair(
				openaiSetup.transcriber,
				openaiSetup.synthesizer,
				elevenSetup.transcriber,
				elevenSetup.synthesizer,
				elevenSetup.defaultVoiceID,
			)
			return voiceSetup{
				transcriber:      stt,
				synthesizer:      tts,
				resolvedProvider: "openai",
				defaultVoiceID:   openaiSetup.defaultVoiceID,
				detail:           openaiSetup.detail + " with elevenlabs fallback",
			}, nil
		}
		if hasOpenAI {
			return openaiSetup, nil
		}
		if hasEleven {
			return elevenSetup, nil
		}
		return mock("mock (no OPENAI_API_KEY or ELEVENLABS_API_KEY)"), nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|openai|elevenlabs|mock)", cfg.VoiceProvider)
	}
}
