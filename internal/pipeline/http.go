package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/lexwire/internal/reliability"
)

const (
	retryBase = 200 * time.Millisecond
	retryCap  = 2 * time.Second
)

// StatusError is returned for non-2xx upstream replies.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("pipeline http status %d: %s", e.Code, e.Body)
}

type HTTPOptions struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
	Client     *http.Client
}

// HTTPPipeline forwards commands to an agent endpoint speaking JSON, NDJSON
// or server-sent events.
type HTTPPipeline struct {
	url        string
	client     *http.Client
	maxRetries int
}

func NewHTTPPipeline(opts HTTPOptions) *HTTPPipeline {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &HTTPPipeline{
		url:        strings.TrimSpace(opts.URL),
		client:     client,
		maxRetries: retries,
	}
}

func (p *HTTPPipeline) Invoke(ctx context.Context, cmd Command) (Result, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return Result{}, fmt.Errorf("marshal command: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			if err := reliability.Sleep(ctx, reliability.ExponentialBackoff(attempt-1, retryBase, retryCap)); err != nil {
				return Result{}, cancelled(ctx)
			}
		}
		res, err := p.send(ctx, payload)
		if err != nil {
			if cerr := cancelled(ctx); cerr != nil {
				return Result{}, cerr
			}
			lastErr = err
			var se *StatusError
			if errors.As(err, &se) && reliability.IsRetryableHTTPStatus(se.Code) {
				continue
			}
			if reliability.IsRetryableError(err) {
				continue
			}
			return Result{}, err
		}
		return p.consume(ctx, res)
	}
	return Result{}, fmt.Errorf("pipeline retries exhausted: %w", lastErr)
}

func (p *HTTPPipeline) send(ctx context.Context, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson, text/event-stream, application/json")

	res, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return res, nil
}

func (p *HTTPPipeline) consume(ctx context.Context, res *http.Response) (Result, error) {
	defer res.Body.Close()

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return consumeStream(ctx, res.Body)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		if cerr := cancelled(ctx); cerr != nil {
			return Result{}, cerr
		}
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		text := strings.TrimSpace(string(body))
		return Result{Response: text}, nil
	}
	var out Result
	if err := applyFrame(&out, obj); err != nil {
		return Result{}, err
	}
	if out.Response == "" {
		out.Response = extractText(obj)
	}
	return out, nil
}

// consumeStream reads NDJSON or SSE frames, checking ctx between frames.
// Text deltas accumulate into Response unless a frame carries a final
// response of its own.
func consumeStream(ctx context.Context, body io.Reader) (Result, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		out    Result
		deltas strings.Builder
	)
	for scanner.Scan() {
		if err := cancelled(ctx); err != nil {
			return Result{}, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") || strings.HasPrefix(line, "id:") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "[DONE]" {
			break
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			deltas.WriteString(line)
			continue
		}
		if err := applyFrame(&out, obj); err != nil {
			return Result{}, err
		}
		deltas.WriteString(extractText(obj))
	}
	if err := scanner.Err(); err != nil {
		if cerr := cancelled(ctx); cerr != nil {
			return Result{}, cerr
		}
		return Result{}, fmt.Errorf("stream read: %w", err)
	}
	if err := cancelled(ctx); err != nil {
		return Result{}, err
	}
	if out.Response == "" {
		out.Response = deltas.String()
	}
	return out, nil
}

func applyFrame(out *Result, obj map[string]any) error {
	if msg, ok := obj["error"].(string); ok && msg != "" {
		return fmt.Errorf("pipeline reported error: %s", msg)
	}
	if v, ok := obj["response"].(string); ok {
		out.Response = v
	}
	if v, ok := obj["formatted_response"].(string); ok {
		out.FormattedResponse = v
	}
	if v, ok := obj["agent"].(string); ok {
		out.Agent = v
	}
	if v, ok := obj["action_suggestions"].(map[string]any); ok && len(v) > 0 {
		out.ActionSuggestions = v
	}
	return nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"delta", "text", "output"} {
		if v, ok := obj[k].(string); ok {
			return v
		}
	}
	return ""
}
