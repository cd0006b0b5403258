package runloop

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/vtcode/core/internal/mcp"
	"github.com/vtcode/core/internal/provider"
	"github.com/vtcode/core/internal/registry"
)

// fakeToolCaller scripts registry.Dispatcher's upstream handler map for
// tests, standing in for *mcp.Proxy the way internal/acp's
// PermissionGatedProxy does in production.
type fakeToolCaller struct {
	delay  time.Duration
	fail   int // number of leading calls to fail with a retryable error before succeeding
	calls  int
	result *mcp.ToolResult
}

func (f *fakeToolCaller) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*mcp.ToolResult, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.calls <= f.fail {
		return nil, errors.New("connection reset by peer")
	}
	if f.result != nil {
		return f.result, nil
	}
	return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "ok"}}}, nil
}

// fixedFactory always returns the same pre-scripted provider instance,
// letting a test configure one MockProvider and hand it to the runloop via
// the normal Registry.Create path.
type fixedFactory struct {
	name string
	p    provider.Provider
}

func (f *fixedFactory) Name() string                                  { return f.name }
func (f *fixedFactory) Create(string, provider.Options) provider.Provider { return f.p }

func newTestRunloop(mock *provider.MockProvider, caller registry.ToolCaller) (*Runloop, *Session) {
	reg := provider.NewRegistry()
	reg.RegisterFactory(mock.Name(), &fixedFactory{name: mock.Name(), p: mock})

	if caller == nil {
		caller = &fakeToolCaller{}
	}
	dispatcher := registry.NewDispatcher(caller)
	rl := New(reg, dispatcher, nil)
	sess := NewSession(mock.Name(), "mock-model")
	return rl, sess
}

// scenario 1 (§8): simple completion — one user prompt, one assistant
// response, stop_reason end_turn.
func TestPromptSimpleCompletion(t *testing.T) {
	mock := provider.NewMock("mock", "hello there").WithStreamingDisabled()
	rl, sess := newTestRunloop(mock, nil)

	reason := rl.Prompt(context.Background(), sess, NopFrontend{}, "hi", PromptOptions{})

	if reason != StopEndTurn {
		t.Fatalf("expected StopEndTurn, got %v", reason)
	}
	last := sess.Messages[len(sess.Messages)-1]
	if last.Role != "assistant" || last.Content != "hello there" {
		t.Fatalf("expected final assistant message 'hello there', got %+v", last)
	}
}

// scenario 2 (§8): streaming tokens — concatenation of content deltas
// equals the full response, captured via a recording Frontend.
type recordingFrontend struct {
	NopFrontend
	chunks []string
}

func (f *recordingFrontend) EmitAssistantChunk(text string) {
	f.chunks = append(f.chunks, text)
}

func TestPromptStreamingTokensConcatenate(t *testing.T) {
	mock := provider.NewMock("mock", "").WithTokens("he", "llo")
	rl, sess := newTestRunloop(mock, nil)
	fe := &recordingFrontend{}

	reason := rl.Prompt(context.Background(), sess, fe, "hi", PromptOptions{
		ProviderOpts: provider.Options{},
	})

	if reason != StopEndTurn {
		t.Fatalf("expected StopEndTurn, got %v", reason)
	}
	got := ""
	for _, c := range fe.chunks {
		got += c
	}
	if got != "hello" {
		t.Fatalf("expected concatenated chunks 'hello', got %q", got)
	}
}

// scenario 3 (§8): single tool call — a tool-capable request with a
// provider.Tool present takes the non-streaming tool-loop branch, executes
// the call, and folds the result back into the conversation before the
// final assistant turn.
func TestPromptSingleToolCall(t *testing.T) {
	mock := provider.NewMock("mock", "").WithToolCalls([]provider.ToolCall{
		{ID: "call-1", Name: "Read", Arguments: json.RawMessage(`{"path":"a.go"}`)},
	})
	// WithToolCalls scripts every round identically, so the tool loop keeps
	// dispatching until DefaultMaxToolRounds; the assertion only needs the
	// first round's result to have reached the conversation.
	caller := &fakeToolCaller{result: &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "file contents"}}}}
	rl, sess := newTestRunloop(mock, caller)

	tools := []provider.Tool{{Name: "Read", Description: "reads a file"}}
	reason := rl.Prompt(context.Background(), sess, NopFrontend{}, "read a.go", PromptOptions{
		Tools:        tools,
		EnabledTools: map[string]bool{"Read": true},
	})

	if caller.calls == 0 {
		t.Fatalf("expected the tool to be dispatched at least once")
	}
	var sawToolResult bool
	for _, m := range sess.Messages {
		if m.Role == "tool" && m.Content == "file contents" {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Fatalf("expected a tool-result message with the dispatched content, messages=%+v", sess.Messages)
	}
	_ = reason
}

// stallingProvider streams nothing and never closes its channel on its own,
// standing in for a backend mid-response. It exists to prove runStreaming's
// select observes Session.Cancel() the instant it fires rather than only on
// the next poll — MockProvider's own delay knob blocks before the stream
// channel is even handed back, which can't exercise that path.
type stallingProvider struct {
	ch chan provider.StreamEvent
}

func newStallingProvider() *stallingProvider {
	return &stallingProvider{ch: make(chan provider.StreamEvent)}
}

func (p *stallingProvider) Name() string { return "stalling" }
func (p *stallingProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	return p.ch, nil
}
func (p *stallingProvider) Generate(ctx context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	return provider.CollectStream(p.ch)
}
func (p *stallingProvider) ValidateRequest(provider.ChatRequest) error   { return nil }
func (p *stallingProvider) SupportsStreaming() bool                     { return true }
func (p *stallingProvider) SupportsTools(string) bool                   { return false }
func (p *stallingProvider) SupportsReasoningEffort(string) bool         { return false }
func (p *stallingProvider) SupportedModels() []string                  { return []string{"mock-model"} }
func (p *stallingProvider) ListModels(context.Context) ([]provider.Model, error) { return nil, nil }
func (p *stallingProvider) Close() error                                { return nil }

// scenario 4 (§8): cancelled mid-stream — Cancel() arriving while
// runStreaming blocks on the event channel must be observed immediately,
// not only on the next poll.
func TestPromptCancelledMidStream(t *testing.T) {
	stub := newStallingProvider()
	reg := provider.NewRegistry()
	reg.RegisterFactory("stalling", &fixedFactory{name: "stalling", p: stub})
	dispatcher := registry.NewDispatcher(&fakeToolCaller{})
	rl := New(reg, dispatcher, nil)
	sess := NewSession("stalling", "mock-model")

	sess.ResetCancel()
	go func() {
		time.Sleep(20 * time.Millisecond)
		sess.Cancel()
	}()

	start := time.Now()
	reason := rl.Prompt(context.Background(), sess, NopFrontend{}, "hi", PromptOptions{})
	elapsed := time.Since(start)

	if reason != StopCancelled {
		t.Fatalf("expected StopCancelled, got %v", reason)
	}
	if elapsed > 100*time.Millisecond {
		t.Fatalf("cancel should have interrupted the stall almost immediately, took %v", elapsed)
	}
}

// scenario 5 (§8): tool timeout + retry — a call that fails with a
// retryable error is retried by the dispatcher and the runloop sees the
// eventual success.
func TestPromptToolTimeoutThenRetrySucceeds(t *testing.T) {
	mock := provider.NewMock("mock", "").WithToolCalls([]provider.ToolCall{
		{ID: "call-1", Name: "Grep", Arguments: json.RawMessage(`{"pattern":"x"}`)},
	})
	caller := &fakeToolCaller{fail: 1, result: &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "match found"}}}}
	rl, sess := newTestRunloop(mock, caller)

	tools := []provider.Tool{{Name: "Grep", Description: "search"}}
	rl.Prompt(context.Background(), sess, NopFrontend{}, "search", PromptOptions{
		Tools:        tools,
		EnabledTools: map[string]bool{"Grep": true},
	})

	if caller.calls < 2 {
		t.Fatalf("expected at least one retry after the first failure, got %d calls", caller.calls)
	}
	var sawSuccess bool
	for _, m := range sess.Messages {
		if m.Role == "tool" && m.Content == "match found" {
			sawSuccess = true
		}
	}
	if !sawSuccess {
		t.Fatalf("expected the retried call's success to reach the conversation, messages=%+v", sess.Messages)
	}
}

// scenario 6 (§8): dangerous command despite policy allow — a tool flagged
// IsMutating still routes through the dispatcher and its result (allowed
// or denied) lands as a normal tool message; the runloop itself never
// special-cases "dangerous", that's the registry/safety layer's job.
func TestPromptDangerousCommandRoutesAsToolResult(t *testing.T) {
	mock := provider.NewMock("mock", "").WithToolCalls([]provider.ToolCall{
		{ID: "call-1", Name: "Shell", Arguments: json.RawMessage(`{"command":"rm -rf /tmp/x"}`)},
	})
	caller := &fakeToolCaller{result: &mcp.ToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: "blocked by safety policy"}},
		IsError: true,
	}}
	rl, sess := newTestRunloop(mock, caller)

	tools := []provider.Tool{{Name: "Shell", Description: "runs a shell command"}}
	rl.Prompt(context.Background(), sess, NopFrontend{}, "clean up", PromptOptions{
		Tools:        tools,
		EnabledTools: map[string]bool{"Shell": true},
	})

	var sawDenial bool
	for _, m := range sess.Messages {
		if m.Role == "tool" && m.Content == "error: blocked by safety policy" {
			sawDenial = true
		}
	}
	if !sawDenial {
		t.Fatalf("expected the blocked command's denial to surface as a tool error message, messages=%+v", sess.Messages)
	}
}

// Session.Cancel must be idempotent and never panic on a double call,
// since ACP's cancel RPC and a session teardown can race.
func TestSessionCancelIdempotent(t *testing.T) {
	sess := NewSession("mock", "mock-model")
	sess.Cancel()
	sess.Cancel()
	if !sess.Cancelled() {
		t.Fatalf("expected Cancelled() true after Cancel()")
	}
}

// ResetCancel must hand out a fresh channel so a cancel from a prior turn
// can't leak into the next one.
func TestSessionResetCancelFreshensChannel(t *testing.T) {
	sess := NewSession("mock", "mock-model")
	sess.Cancel()
	sess.ResetCancel()
	select {
	case <-sess.cancelChan():
		t.Fatalf("expected a fresh cancel channel to be open after ResetCancel")
	default:
	}
}
