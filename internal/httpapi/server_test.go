package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ent0n29/voicetutor/internal/config"
	"github.com/ent0n29/voicetutor/internal/history"
	"github.com/ent0n29/voicetutor/internal/observability"
	"github.com/ent0n29/voicetutor/internal/protocol"
	"github.com/ent0n29/voicetutor/internal/session"
)

// ackEngine answers every control message with a system event naming the action.
type ackEngine struct{}

func (ackEngine) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			c, ok := msg.(protocol.ClientControl)
			if !ok {
				continue
			}
			select {
			case outbound <- protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: s.ID, Code: "ack_" + c.Action}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

type testServer struct {
	*httptest.Server
	sessions *session.Manager
	store    *history.InMemoryStore
	metrics  *observability.Metrics
}

func newTestServer(t *testing.T, engine Engine) *testServer {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		VoiceProvider:            "mock",
		DialogueMode:             "mock",
		Persona:                  config.Persona{Language: "Italian", VoiceID: "alloy"},
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	store := history.NewInMemoryStore()
	metrics := observability.NewMetricsWithRegistry("test_httpapi", prometheus.NewRegistry())
	srv := New(cfg, sessions, engine, store, metrics, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, sessions: sessions, store: store, metrics: metrics}
}

func (ts *testServer) createSession(t *testing.T, body string) map[string]any {
	t.Helper()
	res, err := http.Post(ts.URL+"/v1/voice/session", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return created
}

func (ts *testServer) wsURL(sessionID string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/session/ws?session_id=" + sessionID
}

func TestCreateAndEndSession(t *testing.T) {
	ts := newTestServer(t, nil)

	created := ts.createSession(t, `{"user_id":"user-1"}`)
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if created["session_type"] != session.TypeVoice {
		t.Fatalf("session_type = %v, want %q", created["session_type"], session.TypeVoice)
	}
	if created["language"] != "Italian" || created["voice_id"] != "alloy" {
		t.Fatalf("persona defaults not applied: %+v", created)
	}

	endRes, err := http.Post(ts.URL+"/v1/voice/session/"+sessionID+"/end", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	missing, err := http.Post(ts.URL+"/v1/voice/session/nope/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end unknown session error = %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("end unknown status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}
}

func TestActiveSessionLookup(t *testing.T) {
	ts := newTestServer(t, nil)

	created := ts.createSession(t, `{"user_id":"user-2"}`)
	sessionID, _ := created["session_id"].(string)

	res, err := http.Get(ts.URL + "/v1/voice/session/active?user_id=user-2")
	if err != nil {
		t.Fatalf("active session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("active status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode active session: %v", err)
	}
	if body["session_id"] != sessionID {
		t.Fatalf("active session_id = %v, want %q", body["session_id"], sessionID)
	}

	for _, tc := range []struct {
		query string
		want  int
	}{
		{"", http.StatusBadRequest},
		{"?user_id=nobody", http.StatusNotFound},
	} {
		r, err := http.Get(ts.URL + "/v1/voice/session/active" + tc.query)
		if err != nil {
			t.Fatalf("GET active%s error = %v", tc.query, err)
		}
		r.Body.Close()
		if r.StatusCode != tc.want {
			t.Fatalf("GET active%s status = %d, want %d", tc.query, r.StatusCode, tc.want)
		}
	}
}

func TestCreateSessionRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t, nil)
	res, err := http.Post(ts.URL+"/v1/voice/session", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestUIRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	rootRes, err := client.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}
	defer rootRes.Body.Close()
	if rootRes.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("GET / status = %d, want %d", rootRes.StatusCode, http.StatusTemporaryRedirect)
	}
	if got := rootRes.Header.Get("Location"); got != "/ui/" {
		t.Fatalf("GET / location = %q, want %q", got, "/ui/")
	}

	uiRes, err := http.Get(ts.URL + "/ui/")
	if err != nil {
		t.Fatalf("GET /ui/ error = %v", err)
	}
	defer uiRes.Body.Close()
	if uiRes.StatusCode != http.StatusOK {
		t.Fatalf("GET /ui/ status = %d, want %d", uiRes.StatusCode, http.StatusOK)
	}

	var body bytes.Buffer
	if _, err := body.ReadFrom(uiRes.Body); err != nil {
		t.Fatalf("reading /ui/ body failed: %v", err)
	}
	if !strings.Contains(body.String(), "id=\"transcript\"") {
		t.Fatalf("GET /ui/ body missing transcript element")
	}
}

func TestReadyRequiresEngine(t *testing.T) {
	ts := newTestServer(t, nil)
	res, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}

	ready := newTestServer(t, ackEngine{})
	res, err = http.Get(ready.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer res.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	if res.StatusCode != http.StatusOK || payload["history_store"] != "memory" {
		t.Fatalf("readyz = %d %+v", res.StatusCode, payload)
	}
}

func TestSessionTurns(t *testing.T) {
	ts := newTestServer(t, nil)
	created := ts.createSession(t, `{}`)
	sessionID := created["session_id"].(string)

	ctx := context.Background()
	for _, rec := range []history.TurnRecord{
		{Role: "assistant", Content: "Ciao!", Modality: "voice"},
		{Role: "user", Content: "Buongiorno", Modality: "voice"},
	} {
		if err := ts.store.RecordTurn(ctx, sessionID, rec); err != nil {
			t.Fatalf("RecordTurn() error = %v", err)
		}
	}

	res, err := http.Get(ts.URL + "/v1/voice/session/" + sessionID + "/turns?limit=1")
	if err != nil {
		t.Fatalf("GET turns error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var payload struct {
		Turns []history.TurnRecord `json:"turns"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode turns: %v", err)
	}
	if len(payload.Turns) != 1 || payload.Turns[0].Content != "Buongiorno" {
		t.Fatalf("turns = %+v, want the latest user turn", payload.Turns)
	}

	for path, want := range map[string]int{
		"/v1/voice/session/unknown/turns":                    http.StatusNotFound,
		"/v1/voice/session/" + sessionID + "/turns?limit=-1": http.StatusBadRequest,
	} {
		res, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != want {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, want)
		}
	}
}

func TestSessionWebsocketRoundTrip(t *testing.T) {
	ts := newTestServer(t, ackEngine{})
	sessionID := ts.createSession(t, `{}`)["session_id"].(string)

	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(sessionID), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	var errEvent protocol.ErrorEvent
	if err := conn.ReadJSON(&errEvent); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if errEvent.Code != "invalid_client_message" {
		t.Fatalf("error code = %q, want invalid_client_message", errEvent.Code)
	}

	ctrl := protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: sessionID, Action: protocol.ActionToggle}
	if err := conn.WriteJSON(ctrl); err != nil {
		t.Fatalf("write control error = %v", err)
	}
	var ack protocol.SystemEvent
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack error = %v", err)
	}
	if ack.Code != "ack_toggle" {
		t.Fatalf("ack code = %q, want ack_toggle", ack.Code)
	}

	sess, err := ts.sessions.Get(sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !sess.Attached {
		t.Fatalf("session not attached while websocket is live")
	}
}

func TestSessionWebsocketSingleConnection(t *testing.T) {
	ts := newTestServer(t, ackEngine{})
	sessionID := ts.createSession(t, `{}`)["session_id"].(string)

	first, _, err := websocket.DefaultDialer.Dial(ts.wsURL(sessionID), nil)
	if err != nil {
		t.Fatalf("first dial error = %v", err)
	}

	_, res, err := websocket.DefaultDialer.Dial(ts.wsURL(sessionID), nil)
	if err == nil {
		t.Fatalf("second dial succeeded, want conflict")
	}
	if res == nil || res.StatusCode != http.StatusConflict {
		t.Fatalf("second dial response = %v, want %d", res, http.StatusConflict)
	}

	first.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		sess, err := ts.sessions.Get(sessionID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !sess.Attached {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session still attached after websocket closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionWebsocketGaugeIsSeparateFromControllers(t *testing.T) {
	ts := newTestServer(t, ackEngine{})
	sessionID := ts.createSession(t, `{}`)["session_id"].(string)

	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(sessionID), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	ctrl := protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: sessionID, Action: protocol.ActionConnect}
	if err := conn.WriteJSON(ctrl); err != nil {
		t.Fatalf("write control error = %v", err)
	}
	var ack protocol.SystemEvent
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack error = %v", err)
	}

	if got := testutil.ToFloat64(ts.metrics.WSConnections); got != 1 {
		t.Fatalf("ws_connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ts.metrics.ActiveConnections); got != 0 {
		t.Fatalf("active_connections = %v, want 0 without a running controller", got)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(ts.metrics.WSConnections) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ws_connections not released after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionWebsocketRejectsUnknownSession(t *testing.T) {
	ts := newTestServer(t, ackEngine{})
	_, res, err := websocket.DefaultDialer.Dial(ts.wsURL("missing"), nil)
	if err == nil {
		t.Fatalf("dial succeeded, want not found")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("dial response = %v, want %d", res, http.StatusNotFound)
	}
}

func TestPerfLatency(t *testing.T) {
	ts := newTestServer(t, nil)
	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	defer res.Body.Close()
	var snap observability.StageSnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.WindowSize == 0 {
		t.Fatalf("window_size = 0, want configured window")
	}
}
