package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrCancelled is returned once a pipeline observes cancellation of its
// context. Implementations wrap the context error alongside it.
var ErrCancelled = errors.New("pipeline cancelled")

// Command is the normalized request handed to an agent pipeline.
type Command struct {
	TaskID            string          `json:"task_id"`
	SessionID         string          `json:"session_id"`
	TenantID          string          `json:"tenant_id,omitempty"`
	UserID            string          `json:"user_id,omitempty"`
	Source            string          `json:"source"`
	Query             string          `json:"query"`
	Data              json.RawMessage `json:"data,omitempty"`
	ForceAgent        string          `json:"force_agent,omitempty"`
	ActionSuggestions map[string]any  `json:"action_suggestions,omitempty"`
}

// Result is the final outcome of one invocation.
type Result struct {
	Response          string         `json:"response"`
	FormattedResponse string         `json:"formatted_response,omitempty"`
	Agent             string         `json:"agent,omitempty"`
	ActionSuggestions map[string]any `json:"action_suggestions,omitempty"`
}

// Empty reports whether the result carries neither text nor suggestions.
func (r Result) Empty() bool {
	return strings.TrimSpace(r.Response) == "" && len(r.ActionSuggestions) == 0
}

// Pipeline runs one long agent computation. Implementations must check ctx
// between units of work and return ErrCancelled once it is done.
type Pipeline interface {
	Invoke(ctx context.Context, cmd Command) (Result, error)
}

// Func adapts a function to Pipeline.
type Func func(ctx context.Context, cmd Command) (Result, error)

func (f Func) Invoke(ctx context.Context, cmd Command) (Result, error) {
	return f(ctx, cmd)
}

type Config struct {
	Mode       string
	HTTPURL    string
	Timeout    time.Duration
	MaxRetries int
	ChunkDelay time.Duration
}

func New(cfg Config) (Pipeline, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "mock"
	}

	switch mode {
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("pipeline HTTP url is required for http mode")
		}
		return NewHTTPPipeline(HTTPOptions{
			URL:        cfg.HTTPURL,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		}), nil
	case "mock":
		return NewMockPipeline(cfg.ChunkDelay), nil
	default:
		return nil, fmt.Errorf("unsupported pipeline mode %q", cfg.Mode)
	}
}

// cancelled converts a done context into the package error.
func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}
