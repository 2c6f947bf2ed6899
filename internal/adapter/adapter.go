// Package adapter performs tool invocations on behalf of the gate.
//
// The remote side is a black box that may fail or hang. Every invocation is
// bounded by the configured timeout and the credential is threaded through as
// a parameter on each call — adapters hold no ambient credential state, so
// concurrent invocations with different credentials cannot interfere.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/opsgate/opsgate/pkg/models"
)

// Adapter executes one tool invocation.
type Adapter interface {
	Invoke(ctx context.Context, tool string, args map[string]interface{}, cred models.Credential) (map[string]interface{}, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrTimeout is returned when the adapter did not answer within the bound.
// The remote side effect may or may not have happened; callers must not
// assume the invocation had no effect.
type ErrTimeout struct {
	Tool    string
	Timeout time.Duration
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("tool %s timed out after %s", e.Tool, e.Timeout)
}

// ErrFailure wraps any non-timeout adapter failure.
type ErrFailure struct {
	Tool string
	Err  error
}

func (e *ErrFailure) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ErrFailure) Unwrap() error { return e.Err }

// ── HTTP Adapter ────────────────────────────────────────────

// HTTPAdapter relays invocations to a remote tool service:
// POST {base}/tools/{tool} with the arguments as the JSON body and the
// resolved credential as a bearer token.
type HTTPAdapter struct {
	base    string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPAdapter creates an adapter against the given base URL.
func NewHTTPAdapter(baseURL string, timeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{
		base:    strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (a *HTTPAdapter) Invoke(ctx context.Context, tool string, args map[string]interface{}, cred models.Credential) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	body, err := json.Marshal(args)
	if err != nil {
		return nil, &ErrFailure{Tool: tool, Err: fmt.Errorf("marshal args: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/tools/"+url.PathEscape(tool), bytes.NewReader(body))
	if err != nil {
		return nil, &ErrFailure{Tool: tool, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &urlErr) && urlErr.Timeout()) {
			return nil, &ErrTimeout{Tool: tool, Timeout: a.timeout}
		}
		return nil, &ErrFailure{Tool: tool, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ErrFailure{Tool: tool, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode >= 400 {
		return nil, &ErrFailure{Tool: tool, Err: fmt.Errorf("adapter returned status %d: %s", resp.StatusCode, firstLine(respBody))}
	}

	result := map[string]interface{}{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, &ErrFailure{Tool: tool, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return result, nil
}

// firstLine keeps error messages readable when the remote answers with a page.
func firstLine(body []byte) string {
	s := strings.TrimSpace(string(body))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// ── Local Adapter ───────────────────────────────────────────

// ToolFunc is an in-process tool implementation.
type ToolFunc func(ctx context.Context, args map[string]interface{}, cred models.Credential) (map[string]interface{}, error)

// LocalAdapter dispatches to registered in-process tools. It backs dev mode
// (no OPSGATE_ADAPTER_URL configured) and tests.
type LocalAdapter struct {
	mu      sync.RWMutex
	tools   map[string]ToolFunc
	timeout time.Duration
}

// NewLocalAdapter creates an empty local registry.
func NewLocalAdapter(timeout time.Duration) *LocalAdapter {
	return &LocalAdapter{tools: make(map[string]ToolFunc), timeout: timeout}
}

// Register adds or replaces a tool implementation.
func (a *LocalAdapter) Register(tool string, fn ToolFunc) {
	a.mu.Lock()
	a.tools[tool] = fn
	a.mu.Unlock()
}

func (a *LocalAdapter) Invoke(ctx context.Context, tool string, args map[string]interface{}, cred models.Credential) (map[string]interface{}, error) {
	a.mu.RLock()
	fn, ok := a.tools[tool]
	a.mu.RUnlock()
	if !ok {
		return nil, &ErrFailure{Tool: tool, Err: fmt.Errorf("unknown tool %q", tool)}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type outcome struct {
		out map[string]interface{}
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		out, err := fn(ctx, args, cred)
		ch <- outcome{out, err}
	}()

	select {
	case <-ctx.Done():
		return nil, &ErrTimeout{Tool: tool, Timeout: a.timeout}
	case o := <-ch:
		if o.err != nil {
			if errors.Is(o.err, context.DeadlineExceeded) {
				return nil, &ErrTimeout{Tool: tool, Timeout: a.timeout}
			}
			return nil, &ErrFailure{Tool: tool, Err: o.err}
		}
		return o.out, nil
	}
}
