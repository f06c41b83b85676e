package dialogue

import (
	"context"
	"fmt"
	"strings"
)

// MockClient returns deterministic replies for local runs without credentials.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Complete(ctx context.Context, req Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	input := strings.TrimSpace(req.Input)
	if input == "" {
		return "I am listening. Try saying a sentence in the language you are practising.", nil
	}
	return fmt.Sprintf("I heard you say: %q. Can you say it again using a different verb?", input), nil
}
