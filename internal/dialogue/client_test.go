package dialogue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	reply string
	err   error
	calls int
}

func (s *stubClient) Complete(context.Context, Request) (string, error) {
	s.calls++
	return s.reply, s.err
}

func TestNewClientModes(t *testing.T) {
	c, err := NewClient(Config{Mode: "mock"})
	require.NoError(t, err)
	assert.IsType(t, &MockClient{}, c)

	_, err = NewClient(Config{Mode: "openai"})
	require.Error(t, err)

	_, err = NewClient(Config{Mode: "http"})
	require.Error(t, err)

	_, err = NewClient(Config{Mode: "telepathy"})
	require.Error(t, err)
}

func TestNewClientAuto(t *testing.T) {
	c, err := NewClient(Config{})
	require.NoError(t, err)
	assert.IsType(t, &MockClient{}, c)

	c, err = NewClient(Config{OpenAIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, c)

	c, err = NewClient(Config{OpenAIKey: "k", HTTPURL: "http://localhost:9/reply"})
	require.NoError(t, err)
	assert.IsType(t, &FallbackClient{}, c)
}

func TestFallbackClientUsesSecondaryOnError(t *testing.T) {
	primary := &stubClient{err: errors.New("down")}
	secondary := &stubClient{reply: "fallback"}

	reply, err := NewFallbackClient(primary, secondary).Complete(context.Background(), Request{Input: "x"})
	require.NoError(t, err)
	assert.Equal(t, "fallback", reply)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
}

func TestFallbackClientStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	primary := &stubClient{err: context.Canceled}
	secondary := &stubClient{reply: "fallback"}

	_, err := NewFallbackClient(primary, secondary).Complete(ctx, Request{Input: "x"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, secondary.calls)
}

func TestFallbackClientBothFail(t *testing.T) {
	primary := &stubClient{err: errors.New("primary down")}
	secondary := &stubClient{err: errors.New("secondary down")}

	_, err := NewFallbackClient(primary, secondary).Complete(context.Background(), Request{Input: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary down")
	assert.Contains(t, err.Error(), "secondary down")
}

func TestMockClientEchoesInput(t *testing.T) {
	reply, err := NewMockClient().Complete(context.Background(), Request{Input: "je suis content"})
	require.NoError(t, err)
	assert.Contains(t, reply, "je suis content")
}
