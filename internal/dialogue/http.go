package dialogue

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voicetutor/internal/reliability"
)

// HTTPClient forwards requests to a self-hosted reply endpoint. The endpoint
// receives the Request as JSON and may answer with a JSON object, plain text,
// SSE or NDJSON deltas.
type HTTPClient struct {
	url    string
	strict bool
	client *http.Client
}

func NewHTTPClient(url string, strict bool) *HTTPClient {
	return &HTTPClient{
		url:    strings.TrimSpace(url),
		strict: strict,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *HTTPClient) Complete(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &reliability.StatusError{Service: "dialogue http", StatusCode: res.StatusCode, Body: string(body)}
	}

	var text string
	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"), strings.Contains(ct, "application/x-ndjson"):
		text, err = c.consumeStream(res.Body)
	default:
		text, err = c.consumeBody(res.Body)
	}
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

func (c *HTTPClient) consumeBody(r io.Reader) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		if c.strict {
			return "", fmt.Errorf("decode response: %w", err)
		}
		return string(body), nil
	}
	return extractText(obj), nil
}

// consumeStream concatenates SSE "data:" lines or NDJSON objects.
func (c *HTTPClient) consumeStream(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "[DONE]" {
			break
		}

		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractText(obj)
		} else if c.strict {
			return "", fmt.Errorf("decode stream line: %w", err)
		}
		out.WriteString(delta)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	return out.String(), nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "reply", "delta", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
