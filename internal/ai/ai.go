// Package ai defines the collaborator contract for language-model backends.
// The core submits instructions plus context and gets text back; retry and
// backoff live behind this interface, not in the pipeline.
package ai

import (
	"context"
	"errors"
)

var (
	ErrRateLimited = errors.New("ai provider rate limited")
	ErrTimeout     = errors.New("ai provider timeout")
	ErrUnavailable = errors.New("ai provider unavailable")
)

// Request is a single completion call.
type Request struct {
	Instructions string
	Context      string
	// Model overrides the client's default model when set.
	Model string
}

type Client interface {
	Invoke(ctx context.Context, req Request) (string, error)
}
