package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voicetutor/internal/reliability"
)

const (
	openAIBaseURL            = "https://api.openai.com/v1"
	openAITranscribeEndpoint = "/audio/transcriptions"
	openAISpeechEndpoint     = "/audio/speech"
	defaultOpenAITimeout     = 60 * time.Second
	maxAudioResponseBytes    = 16 << 20
)

// OpenAIConfig configures the OpenAI transcription and speech clients.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	STTModel     string
	TTSModel     string
	Voice        string
	OutputFormat string
	// Language is an optional ISO-639-1 hint for transcription.
	Language   string
	HTTPClient *http.Client
}

func (c OpenAIConfig) withDefaults() OpenAIConfig {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = openAIBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.STTModel == "" {
		c.STTModel = "whisper-1"
	}
	if c.TTSModel == "" {
		c.TTSModel = "tts-1"
	}
	if c.Voice == "" {
		c.Voice = "alloy"
	}
	if c.OutputFormat == "" {
		c.OutputFormat = "mp3"
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaultOpenAITimeout}
	}
	return c
}

// OpenAIProvider implements Transcriber with Whisper and Synthesizer with
// the speech endpoint.
type OpenAIProvider struct {
	cfg OpenAIConfig
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	return &OpenAIProvider{cfg: cfg.withDefaults()}
}

func (p *OpenAIProvider) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("openai transcribe: empty audio")
	}
	if format == "" {
		format = "wav"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "audio."+format)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := w.WriteField("model", p.cfg.STTModel); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if p.cfg.Language != "" {
		if err := w.WriteField("language", p.cfg.Language); err != nil {
			return "", fmt.Errorf("write language field: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+openAITranscribeEndpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	body, err := p.do(req, "openai transcribe")
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

type openAISpeechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format,omitempty"`
}

func (p *OpenAIProvider) Synthesize(ctx context.Context, text, voiceID string) (Clip, error) {
	if strings.TrimSpace(text) == "" {
		return Clip{}, fmt.Errorf("openai speech: empty text")
	}
	if voiceID == "" {
		voiceID = p.cfg.Voice
	}
	payload, err := json.Marshal(openAISpeechRequest{
		Model:          p.cfg.TTSModel,
		Input:          text,
		Voice:          voiceID,
		ResponseFormat: p.cfg.OutputFormat,
	})
	if err != nil {
		return Clip{}, fmt.Errorf("marshal speech request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+openAISpeechEndpoint, bytes.NewReader(payload))
	if err != nil {
		return Clip{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	body, err := p.do(req, "openai speech")
	if err != nil {
		return Clip{}, err
	}
	return Clip{Audio: body, MIMEType: mimeForFormat(p.cfg.OutputFormat)}, nil
}

func (p *OpenAIProvider) do(req *http.Request, service string) ([]byte, error) {
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

var errResponseTooLarge = errors.New("voice: response body exceeds size limit")

// readResponseBody reads at most limit bytes and fails rather than truncate.
func readResponseBody(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", errResponseTooLarge, limit)
	}
	return body, nil
}

func mimeForFormat(format string) string {
	switch strings.ToLower(format) {
	case "mp3", "mpeg":
		return "audio/mpeg"
	case "opus", "ogg":
		return "audio/ogg"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	case "wav":
		return "audio/wav"
	case "pcm":
		return "audio/L16"
	default:
		return "application/octet-stream"
	}
}
