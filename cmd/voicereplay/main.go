// Command voicereplay drives a running voice tutor over its websocket the
// way the browser does: it answers the microphone request, streams WAV
// utterances as PCM16 frames, acknowledges every assistant clip and reports
// per-turn latency.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voicetutor/internal/audio"
	"github.com/ent0n29/voicetutor/internal/protocol"
)

type options struct {
	baseURL     string
	userID      string
	language    string
	wavFiles    []string
	turns       int
	realtime    float64
	frameSize   int
	trailing    time.Duration
	turnTimeout time.Duration
	verbose     bool
}

type utterance struct {
	Name       string
	PCM16LE    []byte
	SampleRate int
}

type turnResult struct {
	Transcript     string
	Reply          string
	TranscriptWait time.Duration
	ReplyWait      time.Duration
	AudioWait      time.Duration
}

type wsEnvelope struct {
	Type   string `json:"type"`
	ClipID string `json:"clip_id,omitempty"`
	To     string `json:"to,omitempty"`
	Text   string `json:"text,omitempty"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicereplay: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voicereplay: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("voicereplay", flag.ContinueOnError)
	var cfg options
	var wavRaw string
	var trailingMS, turnTimeoutMS int

	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "voice tutor base URL")
	fs.StringVar(&cfg.userID, "user-id", "voice-replay", "user_id for the replay session")
	fs.StringVar(&cfg.language, "language", "", "practice language for the session")
	fs.StringVar(&wavRaw, "wav", "", "comma separated 16-bit PCM WAV files; a synthetic tone is used when empty")
	fs.IntVar(&cfg.turns, "turns", 3, "number of turns to replay")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "frame pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.IntVar(&cfg.frameSize, "frame-size", 4096, "samples per audio frame")
	fs.IntVar(&trailingMS, "trailing-silence-ms", 2000, "silence appended to each utterance so the detector ends it")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 30000, "timeout per turn in milliseconds")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if cfg.frameSize < 128 || cfg.frameSize > 16384 {
		return options{}, fmt.Errorf("frame-size must be in [128,16384]")
	}
	cfg.trailing = time.Duration(max(trailingMS, 0)) * time.Millisecond
	cfg.turnTimeout = time.Duration(max(turnTimeoutMS, 1000)) * time.Millisecond
	for _, part := range strings.Split(wavRaw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			cfg.wavFiles = append(cfg.wavFiles, p)
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	utts, err := loadUtterances(cfg.wavFiles)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	c := &client{conn: conn, sessionID: sessionID, sampleRate: utts[0].SampleRate, events: make(chan wsEnvelope, 256)}
	if cfg.verbose {
		fmt.Printf("voicereplay: session=%s turns=%d realtime=%.2f\n", sessionID, cfg.turns, cfg.realtime)
	}

	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	var (
		g       errgroup.Group
		results []turnResult
		runErr  error
	)
	g.Go(func() error { return c.readLoop(readCtx) })
	g.Go(func() error {
		defer stopReading()
		defer conn.Close()
		results, runErr = c.drive(ctx, cfg, utts)
		_ = c.control(protocol.ActionDisconnect, "")
		return nil
	})
	// The reader always ends with an error once the connection closes; only
	// the driver's outcome matters.
	_ = g.Wait()
	printSummary(os.Stdout, results)
	return runErr
}

// client plays the browser's part of the protocol.
type client struct {
	conn       *websocket.Conn
	sessionID  string
	sampleRate int
	events     chan wsEnvelope

	writeMu sync.Mutex
	seq     int
}

func (c *client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *client) control(action, clipID string) error {
	return c.write(protocol.ClientControl{
		Type:       protocol.TypeClientControl,
		SessionID:  c.sessionID,
		Action:     action,
		ClipID:     clipID,
		SampleRate: c.sampleRate,
	})
}

// readLoop answers microphone requests and acknowledges clips immediately,
// then forwards every message to the driver.
func (c *client) readLoop(ctx context.Context) error {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeCaptureRequest:
			if err := c.control(protocol.ActionCaptureReady, ""); err != nil {
				return err
			}
		case protocol.TypeAssistantAudio:
			if err := c.control(protocol.ActionPlaybackStarted, env.ClipID); err != nil {
				return err
			}
			if err := c.control(protocol.ActionPlaybackEnded, env.ClipID); err != nil {
				return err
			}
		}
		select {
		case c.events <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *client) drive(ctx context.Context, cfg options, utts []utterance) ([]turnResult, error) {
	if err := c.control(protocol.ActionConnect, ""); err != nil {
		return nil, err
	}
	if _, err := c.await(ctx, cfg.turnTimeout, isState("idle-listening")); err != nil {
		return nil, fmt.Errorf("await listening: %w", err)
	}

	results := make([]turnResult, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		utt := utts[i%len(utts)]
		if cfg.verbose {
			fmt.Printf("voicereplay: turn %d/%d source=%s sample_rate=%dHz bytes=%d\n", i+1, cfg.turns, utt.Name, utt.SampleRate, len(utt.PCM16LE))
		}
		res, err := c.replayTurn(ctx, cfg, utt)
		if err != nil {
			return results, fmt.Errorf("turn %d: %w", i+1, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (c *client) replayTurn(ctx context.Context, cfg options, utt utterance) (turnResult, error) {
	var res turnResult
	pcm := append(append([]byte(nil), utt.PCM16LE...), silencePCM16(cfg.trailing, utt.SampleRate)...)
	speechEnd, err := c.streamPCM(ctx, pcm, utt.SampleRate, len(utt.PCM16LE), cfg)
	if err != nil {
		return res, err
	}

	env, err := c.await(ctx, cfg.turnTimeout, isType(protocol.TypeUserTranscript))
	if err != nil {
		return res, fmt.Errorf("await transcript: %w", err)
	}
	res.Transcript, res.TranscriptWait = env.Text, time.Since(speechEnd)

	// The clip reaches the browser before the reply text is announced.
	var gotReply, gotAudio bool
	for !gotReply || !gotAudio {
		env, err = c.await(ctx, cfg.turnTimeout, func(env wsEnvelope) bool {
			t := protocol.MessageType(env.Type)
			return t == protocol.TypeAssistantReply || t == protocol.TypeAssistantAudio
		})
		if err != nil {
			return res, fmt.Errorf("await reply: %w", err)
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeAssistantReply:
			gotReply = true
			res.Reply, res.ReplyWait = env.Text, time.Since(speechEnd)
		case protocol.TypeAssistantAudio:
			gotAudio = true
			res.AudioWait = time.Since(speechEnd)
		}
	}

	if _, err := c.await(ctx, cfg.turnTimeout, isState("idle-listening")); err != nil {
		return res, fmt.Errorf("await listening: %w", err)
	}
	return res, nil
}

// streamPCM sends pcm in frames paced by cfg.realtime and returns when the
// voiced part (the first speechBytes) finished sending.
func (c *client) streamPCM(ctx context.Context, pcm []byte, sampleRate, speechBytes int, cfg options) (time.Time, error) {
	frameBytes := cfg.frameSize * 2
	frameDur := time.Duration(float64(audio.SamplesDuration(cfg.frameSize, sampleRate)) / cfg.realtime)
	speechEnd := time.Now()
	ticker := time.NewTicker(frameDur)
	defer ticker.Stop()
	for off := 0; off < len(pcm); off += frameBytes {
		end := min(off+frameBytes, len(pcm))
		c.seq++
		err := c.write(protocol.ClientAudioFrame{
			Type:        protocol.TypeClientAudioFrame,
			SessionID:   c.sessionID,
			Seq:         c.seq,
			PCM16Base64: base64.StdEncoding.EncodeToString(pcm[off:end]),
			SampleRate:  sampleRate,
		})
		if err != nil {
			return time.Time{}, err
		}
		if off < speechBytes && end >= speechBytes {
			speechEnd = time.Now()
		}
		select {
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		case <-ticker.C:
		}
	}
	return speechEnd, nil
}

func (c *client) await(ctx context.Context, timeout time.Duration, match func(wsEnvelope) bool) (wsEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env, ok := <-c.events:
			if !ok {
				return wsEnvelope{}, fmt.Errorf("connection closed")
			}
			if protocol.MessageType(env.Type) == protocol.TypeErrorEvent {
				fmt.Fprintf(os.Stderr, "voicereplay: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
			if match(env) {
				return env, nil
			}
		case <-ctx.Done():
			return wsEnvelope{}, ctx.Err()
		case <-timer.C:
			return wsEnvelope{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func isType(t protocol.MessageType) func(wsEnvelope) bool {
	return func(env wsEnvelope) bool { return protocol.MessageType(env.Type) == t }
}

func isState(state string) func(wsEnvelope) bool {
	return func(env wsEnvelope) bool {
		return protocol.MessageType(env.Type) == protocol.TypeStateChange && env.To == state
	}
}

func printSummary(w io.Writer, results []turnResult) {
	if len(results) == 0 {
		return
	}
	var sumT, sumR, sumA time.Duration
	for i, r := range results {
		fmt.Fprintf(w, "turn %d transcript=%q reply=%q transcript_ms=%d reply_ms=%d audio_ms=%d\n",
			i+1, r.Transcript, r.Reply, r.TranscriptWait.Milliseconds(), r.ReplyWait.Milliseconds(), r.AudioWait.Milliseconds())
		sumT += r.TranscriptWait
		sumR += r.ReplyWait
		sumA += r.AudioWait
	}
	n := time.Duration(len(results))
	fmt.Fprintf(w, "mean transcript_ms=%d reply_ms=%d audio_ms=%d\n",
		(sumT / n).Milliseconds(), (sumR / n).Milliseconds(), (sumA / n).Milliseconds())
}

func loadUtterances(paths []string) ([]utterance, error) {
	if len(paths) == 0 {
		return []utterance{toneUtterance(48000, 1200*time.Millisecond)}, nil
	}
	out := make([]utterance, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		pcm, sampleRate, err := decodeWAVPCM16(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", p, err)
		}
		if len(pcm) == 0 {
			return nil, fmt.Errorf("%s has no samples", p)
		}
		out = append(out, utterance{Name: p, PCM16LE: pcm, SampleRate: sampleRate})
	}
	return out, nil
}

// toneUtterance is a 220 Hz tone loud enough to open the activity detector.
func toneUtterance(sampleRate int, d time.Duration) utterance {
	n := int(d.Seconds() * float64(sampleRate))
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.2 * math.Sin(2*math.Pi*220*float64(i)/float64(sampleRate)))
	}
	return utterance{Name: "tone", PCM16LE: audio.QuantizePCM16(samples), SampleRate: sampleRate}
}

func silencePCM16(d time.Duration, sampleRate int) []byte {
	n := int(d.Seconds() * float64(sampleRate))
	return make([]byte, n*2)
}

// decodeWAVPCM16 returns mono PCM16 and the sample rate, downmixing
// multichannel input by averaging.
func decodeWAVPCM16(data []byte) ([]byte, int, error) {
	h, pcm, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, 0, err
	}
	sampleRate := int(h.SampleRate)
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	channels := int(h.NumChannels)
	if channels == 0 {
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if channels == 1 {
		return pcm, sampleRate, nil
	}

	frameBytes := channels * 2
	frameCount := len(pcm) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < channels; ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcm[base+ch*2 : base+ch*2+2])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(int16(sum/channels)))
	}
	return mono, sampleRate, nil
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(map[string]string{"user_id": cfg.userID, "language": cfg.language})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/voice/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/voice/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/voice/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
