package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/vtcode/core/internal/mcp"
)

func newTestProxy() *mcp.Proxy {
	return mcp.NewProxy(nil)
}

func TestExecuteSuccess(t *testing.T) {
	proxy := newTestProxy()
	proxy.RegisterTool(mcp.Tool{Name: "Read"}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "ok"}}}, nil
	})
	d := NewDispatcher(proxy)

	status := d.Execute(context.Background(), "Read", json.RawMessage(`{}`), make(chan struct{}))
	if status.Kind != StatusSuccess {
		t.Fatalf("expected success, got %v (%v)", status.Kind, status.Err)
	}
	if status.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", status.Attempts)
	}
}

func TestExecuteUnknownToolFailsWithoutRetry(t *testing.T) {
	proxy := newTestProxy()
	d := NewDispatcher(proxy)

	status := d.Execute(context.Background(), "NoSuchTool", json.RawMessage(`{}`), make(chan struct{}))
	if status.Kind != StatusFailure {
		t.Fatalf("expected failure, got %v", status.Kind)
	}
	if status.Attempts != 1 {
		t.Fatalf("unregistered/unknown tools are not retry-safe by default, expected 1 attempt, got %d", status.Attempts)
	}
}

func TestExecuteRetriesRetrySafeTimeout(t *testing.T) {
	proxy := newTestProxy()
	var calls int
	proxy.RegisterTool(mcp.Tool{Name: "WebFetch"}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("request timeout")
		}
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "fetched"}}}, nil
	})
	d := NewDispatcher(proxy)

	status := d.Execute(context.Background(), "WebFetch", json.RawMessage(`{}`), make(chan struct{}))
	if status.Kind != StatusSuccess {
		t.Fatalf("expected eventual success, got %v (%v)", status.Kind, status.Err)
	}
	if status.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", status.Attempts)
	}
	if status.RetriesUsed != 2 {
		t.Fatalf("expected 2 retries, got %d", status.RetriesUsed)
	}
}

func TestExecuteDoesNotRetryMutatingTool(t *testing.T) {
	proxy := newTestProxy()
	var calls int
	proxy.RegisterTool(mcp.Tool{Name: "Edit"}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		calls++
		return nil, errors.New("timeout writing file")
	})
	d := NewDispatcher(proxy)

	status := d.Execute(context.Background(), "Edit", json.RawMessage(`{}`), make(chan struct{}))
	if status.Kind == StatusSuccess {
		t.Fatalf("expected non-retried failure")
	}
	if calls != 1 {
		t.Fatalf("Edit is not retry-safe, expected exactly 1 call, got %d", calls)
	}
}

func TestExecuteCancellation(t *testing.T) {
	proxy := newTestProxy()
	proxy.RegisterTool(mcp.Tool{Name: "Shell"}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	d := NewDispatcher(proxy)

	cancel := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(cancel)
	}()

	status := d.Execute(context.Background(), "Shell", json.RawMessage(`{}`), cancel)
	if status.Kind != StatusCancelled {
		t.Fatalf("expected cancelled, got %v", status.Kind)
	}
}

func TestBackoffFormula(t *testing.T) {
	for attempt := 1; attempt <= 6; attempt++ {
		d := backoffFor(attempt)
		if d < 350*time.Millisecond {
			t.Fatalf("attempt %d: backoff %v under the 350ms floor", attempt, d)
		}
		if d > maxRetryBackoff {
			t.Fatalf("attempt %d: backoff %v exceeds ceiling", attempt, d)
		}
	}
	// attempt=1: base = max(175ms*2^1, 350ms) = 350ms; + jitter(75..225ms) => [425ms, 575ms]
	for i := 0; i < 50; i++ {
		d := backoffFor(1)
		if d < 425*time.Millisecond || d > 575*time.Millisecond {
			t.Fatalf("attempt 1 backoff %v outside expected [425ms,575ms] band", d)
		}
	}
}

func TestExecuteBatchPreservesOrder(t *testing.T) {
	proxy := newTestProxy()
	proxy.RegisterTool(mcp.Tool{Name: "Read"}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		var delay time.Duration
		json.Unmarshal(args, &delay)
		time.Sleep(delay)
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: string(args)}}}, nil
	})
	d := NewDispatcher(proxy)

	calls := []Call{
		{ID: "1", Name: "Read", Arguments: json.RawMessage(`30000000`)},
		{ID: "2", Name: "Read", Arguments: json.RawMessage(`1`)},
		{ID: "3", Name: "Read", Arguments: json.RawMessage(`1`)},
	}
	results := d.ExecuteBatch(context.Background(), calls, make(chan struct{}))
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Kind != StatusSuccess {
			t.Fatalf("call %d: expected success, got %v", i, r.Kind)
		}
	}
	if results[0].Value.Content[0].Text != `30000000` {
		t.Fatalf("results out of order: %+v", results)
	}
}

func TestRegisterAndIsRetrySafe(t *testing.T) {
	proxy := newTestProxy()
	d := NewDispatcher(proxy)
	d.Register(Registration{Name: "Custom", RetrySafeDefault: true})
	if !d.IsRetrySafe("Custom", nil) {
		t.Fatalf("expected Custom to be retry-safe")
	}
	if d.IsRetrySafe("Edit", nil) {
		t.Fatalf("expected Edit to be retry-unsafe by default")
	}
}
