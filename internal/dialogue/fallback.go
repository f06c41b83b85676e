package dialogue

import (
	"context"
	"errors"
	"fmt"
)

// FallbackClient tries primary first and falls back on any error other than
// cancellation of the caller's context.
type FallbackClient struct {
	primary  Client
	fallback Client
}

func NewFallbackClient(primary, fallback Client) *FallbackClient {
	return &FallbackClient{primary: primary, fallback: fallback}
}

func (c *FallbackClient) Complete(ctx context.Context, req Request) (string, error) {
	if c.primary == nil {
		if c.fallback == nil {
			return "", errors.New("fallback client misconfigured")
		}
		return c.fallback.Complete(ctx, req)
	}

	text, err := c.primary.Complete(ctx, req)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil || c.fallback == nil {
		return "", err
	}

	text, fbErr := c.fallback.Complete(ctx, req)
	if fbErr != nil {
		return "", fmt.Errorf("primary dialogue error: %w; fallback dialogue error: %v", err, fbErr)
	}
	return text, nil
}
