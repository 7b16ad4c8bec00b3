package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockPipeline produces a deterministic reply in word-sized chunks, pausing
// between chunks so cancellation behaves like a real streaming backend.
type MockPipeline struct {
	chunkDelay time.Duration
}

func NewMockPipeline(chunkDelay time.Duration) *MockPipeline {
	if chunkDelay < 0 {
		chunkDelay = 0
	}
	return &MockPipeline{chunkDelay: chunkDelay}
}

func (p *MockPipeline) Invoke(ctx context.Context, cmd Command) (Result, error) {
	if err := cancelled(ctx); err != nil {
		return Result{}, err
	}

	reply := buildMockReply(cmd)
	var out strings.Builder
	for i, word := range strings.Fields(reply) {
		if p.chunkDelay > 0 {
			t := time.NewTimer(p.chunkDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return Result{}, cancelled(ctx)
			case <-t.C:
			}
		}
		if err := cancelled(ctx); err != nil {
			return Result{}, err
		}
		if i > 0 {
			out.WriteByte(' ')
		}
		out.WriteString(word)
	}

	text := out.String()
	return Result{
		Response:          text,
		FormattedResponse: text,
		Agent:             mockAgent(cmd),
		ActionSuggestions: cmd.ActionSuggestions,
	}, nil
}

func buildMockReply(cmd Command) string {
	base := strings.TrimSpace(cmd.Query)
	if base == "" {
		return "Processed the provided data."
	}
	if cmd.Source == "tool" {
		return fmt.Sprintf("Update received: %s", base)
	}
	return fmt.Sprintf("I heard you: %s", base)
}

func mockAgent(cmd Command) string {
	if a := strings.TrimSpace(cmd.ForceAgent); a != "" {
		return a
	}
	return "mock_router"
}
