package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice tutor service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool
	// InboundMsgRate caps client websocket messages per second.
	InboundMsgRate float64

	LogLevel  string
	LogFormat string

	VoiceProvider string

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAISTTModel  string
	OpenAIChatModel string
	OpenAITTSModel  string
	OpenAITTSVoice  string
	OpenAITTSFormat string

	ElevenLabsAPIKey     string
	ElevenLabsBaseURL    string
	ElevenLabsVoiceID    string
	ElevenLabsTTSModel   string
	ElevenLabsSTTModel   string
	ElevenLabsOutputFmt  string
	ElevenLabsStability  float64
	ElevenLabsSimilarity float64
	ElevenLabsSpeed      float64

	DialogueMode         string
	DialogueHTTPURL      string
	DialogueTemperature  float64
	DialogueMaxTokens    int
	DialogueHistoryTurns int

	VADThreshold          float64
	VADHangTime           time.Duration
	RecorderChunkInterval time.Duration
	ServiceTimeout        time.Duration
	PlaybackAckTimeout    time.Duration
	CaptureTimeout        time.Duration

	GreetingEnabled bool
	PersonaFile     string
	Persona         Persona

	DatabaseURL string
	RedisURL    string
	HistoryTTL  time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "voicetutor"),
		LogLevel:                 strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:                strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
		VoiceProvider:            strings.ToLower(envOrDefault("VOICE_PROVIDER", "auto")),
		OpenAIAPIKey:             stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:            envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAISTTModel:           envOrDefault("OPENAI_STT_MODEL", "whisper-1"),
		OpenAIChatModel:          envOrDefault("OPENAI_CHAT_MODEL", "gpt-3.5-turbo"),
		OpenAITTSModel:           envOrDefault("OPENAI_TTS_MODEL", "tts-1"),
		OpenAITTSVoice:           envOrDefault("OPENAI_TTS_VOICE", "alloy"),
		OpenAITTSFormat:          envOrDefault("OPENAI_TTS_FORMAT", "mp3"),
		ElevenLabsAPIKey:         stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL:        envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsVoiceID:        envOrDefault("ELEVENLABS_TTS_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		ElevenLabsTTSModel:       envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		ElevenLabsSTTModel:       envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v1"),
		ElevenLabsOutputFmt:      envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "mp3_44100_128"),
		ElevenLabsStability:      0.42,
		ElevenLabsSimilarity:     0.85,
		ElevenLabsSpeed:          1.0,
		DialogueMode:             strings.ToLower(envOrDefault("DIALOGUE_MODE", "auto")),
		DialogueHTTPURL:          stringsTrimSpace("DIALOGUE_HTTP_URL"),
		DialogueTemperature:      0.7,
		DialogueMaxTokens:        150,
		DialogueHistoryTurns:     8,
		VADThreshold:             0.01,
		VADHangTime:              1500 * time.Millisecond,
		RecorderChunkInterval:    100 * time.Millisecond,
		ServiceTimeout:           30 * time.Second,
		PlaybackAckTimeout:       90 * time.Second,
		CaptureTimeout:           30 * time.Second,
		GreetingEnabled:          true,
		PersonaFile:              stringsTrimSpace("PERSONA_FILE"),
		InboundMsgRate:           50,
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		RedisURL:                 stringsTrimSpace("REDIS_URL"),
		HistoryTTL:               7 * 24 * time.Hour,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"VAD_HANG_TIME", &cfg.VADHangTime},
		{"RECORDER_CHUNK_INTERVAL", &cfg.RecorderChunkInterval},
		{"SERVICE_TIMEOUT", &cfg.ServiceTimeout},
		{"PLAYBACK_ACK_TIMEOUT", &cfg.PlaybackAckTimeout},
		{"CAPTURE_TIMEOUT", &cfg.CaptureTimeout},
		{"HISTORY_TTL", &cfg.HistoryTTL},
	}
	for _, d := range durations {
		v, err := durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"APP_INBOUND_MSG_RATE", &cfg.InboundMsgRate},
		{"DIALOGUE_TEMPERATURE", &cfg.DialogueTemperature},
		{"VAD_THRESHOLD", &cfg.VADThreshold},
		{"ELEVENLABS_STABILITY", &cfg.ElevenLabsStability},
		{"ELEVENLABS_SIMILARITY_BOOST", &cfg.ElevenLabsSimilarity},
		{"ELEVENLABS_SPEED", &cfg.ElevenLabsSpeed},
	}
	for _, f := range floats {
		v, err := floatFromEnv(f.key, *f.dst)
		if err != nil {
			return Config{}, err
		}
		*f.dst = v
	}

	var err error
	cfg.DialogueMaxTokens, err = intFromEnv("DIALOGUE_MAX_TOKENS", cfg.DialogueMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.DialogueHistoryTurns, err = intFromEnv("DIALOGUE_HISTORY_TURNS", cfg.DialogueHistoryTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.GreetingEnabled, err = boolFromEnv("GREETING_ENABLED", cfg.GreetingEnabled)
	if err != nil {
		return Config{}, err
	}

	cfg.Persona = DefaultPersona()
	if cfg.PersonaFile != "" {
		p, err := LoadPersona(cfg.PersonaFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Persona = p
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	switch c.VoiceProvider {
	case "auto", "openai", "elevenlabs", "mock":
	default:
		return fmt.Errorf("VOICE_PROVIDER must be one of auto, openai, elevenlabs, mock; got %q", c.VoiceProvider)
	}
	switch c.DialogueMode {
	case "auto", "openai", "http", "mock":
	default:
		return fmt.Errorf("DIALOGUE_MODE must be one of auto, openai, http, mock; got %q", c.DialogueMode)
	}
	if c.DialogueMode == "http" && c.DialogueHTTPURL == "" {
		return fmt.Errorf("DIALOGUE_HTTP_URL is required when DIALOGUE_MODE=http")
	}
	if c.VADThreshold <= 0 || c.VADThreshold >= 1 {
		return fmt.Errorf("VAD_THRESHOLD must be in (0,1)")
	}
	if c.VADHangTime <= 0 {
		return fmt.Errorf("VAD_HANG_TIME must be positive")
	}
	if c.RecorderChunkInterval <= 0 {
		return fmt.Errorf("RECORDER_CHUNK_INTERVAL must be positive")
	}
	if c.ServiceTimeout <= 0 {
		return fmt.Errorf("SERVICE_TIMEOUT must be positive")
	}
	if c.DialogueTemperature < 0 || c.DialogueTemperature > 2 {
		return fmt.Errorf("DIALOGUE_TEMPERATURE must be in [0,2]")
	}
	if c.DialogueMaxTokens <= 0 {
		return fmt.Errorf("DIALOGUE_MAX_TOKENS must be positive")
	}
	if c.InboundMsgRate <= 0 {
		return fmt.Errorf("APP_INBOUND_MSG_RATE must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}
	return nil
}

// Greeting is the text spoken on connect, or empty when disabled.
func (c Config) Greeting() string {
	if !c.GreetingEnabled {
		return ""
	}
	return c.Persona.Greeting
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
