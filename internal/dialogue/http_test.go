package dialogue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientJSONReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "bonjour", req.Input)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply":"Bonjour ! Comment ça va ?"}`))
	}))
	defer srv.Close()

	reply, err := NewHTTPClient(srv.URL, false).Complete(context.Background(), Request{Input: "bonjour"})
	require.NoError(t, err)
	assert.Equal(t, "Bonjour ! Comment ça va ?", reply)
}

func TestHTTPClientConsumeSSE(t *testing.T) {
	c := NewHTTPClient("http://example.test", false)
	stream := strings.NewReader(strings.Join([]string{
		": keepalive",
		"",
		`data: {"delta":"Hel"}`,
		"",
		`data: {"delta":"lo"}`,
		"",
		"data: [DONE]",
		"",
	}, "\n"))

	text, err := c.consumeStream(stream)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
}

func TestHTTPClientConsumeNDJSONStrictInvalid(t *testing.T) {
	c := NewHTTPClient("http://example.test", true)
	_, err := c.consumeStream(strings.NewReader("not-json\n"))
	require.Error(t, err)
}

func TestHTTPClientPlainTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Ciao!"))
	}))
	defer srv.Close()

	reply, err := NewHTTPClient(srv.URL, false).Complete(context.Background(), Request{Input: "ciao"})
	require.NoError(t, err)
	assert.Equal(t, "Ciao!", reply)
}

func TestHTTPClientEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, false).Complete(context.Background(), Request{Input: "x"})
	require.ErrorIs(t, err, ErrEmptyReply)
}
