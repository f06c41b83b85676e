package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/voicetutor/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string
	STTModelID   string
	TTSModelID   string
	VoiceID      string
	OutputFormat string
	Settings     ElevenLabsVoiceSettings
	HTTPClient   *http.Client
}

type ElevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed"`
}

// ElevenLabsProvider implements Transcriber and Synthesizer over the
// ElevenLabs REST API.
type ElevenLabsProvider struct {
	cfg ElevenLabsConfig
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v1"
	}
	if strings.TrimSpace(cfg.TTSModelID) == "" {
		cfg.TTSModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	cfg.Settings = cfg.Settings.normalized()
	return &ElevenLabsProvider{cfg: cfg}
}

func (s ElevenLabsVoiceSettings) normalized() ElevenLabsVoiceSettings {
	if s.Stability <= 0 {
		s.Stability = 0.42
	}
	s.Stability = clamp(s.Stability, 0, 1)
	if s.SimilarityBoost <= 0 {
		s.SimilarityBoost = 0.85
	}
	s.SimilarityBoost = clamp(s.SimilarityBoost, 0, 1)
	if s.Speed <= 0 {
		s.Speed = 1.0
	}
	s.Speed = clamp(s.Speed, 0.7, 1.2)
	return s
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (p *ElevenLabsProvider) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("elevenlabs transcribe: empty audio")
	}
	if format == "" {
		format = "wav"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("model_id", p.cfg.STTModelID); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	part, err := w.CreateFormFile("file", "audio."+format)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/speech-to-text", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("xi-api-key", p.cfg.APIKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	body, err := p.do(req, "elevenlabs transcribe")
	if err != nil {
		return "", err
	}
	var out struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}
	if out.Text == nil {
		return "", fmt.Errorf("decode transcription: missing text field")
	}
	return *out.Text, nil
}

func (p *ElevenLabsProvider) Synthesize(ctx context.Context, text, voiceID string) (Clip, error) {
	if strings.TrimSpace(text) == "" {
		return Clip{}, fmt.Errorf("elevenlabs speech: empty text")
	}
	if strings.TrimSpace(voiceID) == "" {
		voiceID = p.cfg.VoiceID
	}
	if strings.TrimSpace(voiceID) == "" {
		return Clip{}, fmt.Errorf("elevenlabs speech: voice_id is required")
	}

	u, err := url.Parse(p.cfg.BaseURL + "/v1/text-to-speech/" + url.PathEscape(voiceID))
	if err != nil {
		return Clip{}, err
	}
	q := u.Query()
	q.Set("output_format", p.cfg.OutputFormat)
	u.RawQuery = q.Encode()

	payload, err := json.Marshal(map[string]any{
		"text":           text,
		"model_id":       p.cfg.TTSModelID,
		"voice_settings": p.cfg.Settings,
	})
	if err != nil {
		return Clip{}, fmt.Errorf("marshal speech request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return Clip{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("xi-api-key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	body, err := p.do(req, "elevenlabs speech")
	if err != nil {
		return Clip{}, err
	}
	format, _, _ := strings.Cut(p.cfg.OutputFormat, "_")
	return Clip{Audio: body, MIMEType: mimeForFormat(format)}, nil
}

func (p *ElevenLabsProvider) do(req *http.Request, service string) ([]byte, error) {
	res, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: send request: %w", service, err)
	}
	defer res.Body.Close()

	body, err := readResponseBody(res.Body, maxAudioResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", service, err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, &reliability.StatusError{Service: service, StatusCode: res.StatusCode, Body: string(body)}
	}
	return body, nil
}
