package acp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/vtcode/core/internal/mcp"
	"github.com/vtcode/core/internal/provider"
	"github.com/vtcode/core/internal/registry"
	"github.com/vtcode/core/internal/runloop"
	"github.com/vtcode/core/internal/session"
)

// fakeNotifier records every Notify/Call invocation in order and lets a
// test script a fixed response for Call, standing in for the jsonrpc2.Conn
// the bridge talks to in production.
type fakeNotifier struct {
	mu            sync.Mutex
	notifications []notifyCall
	calls         []notifyCall
	callResult    interface{} // copied into the result pointer on Call
	callErr       error
}

type notifyCall struct {
	method string
	params interface{}
}

func (f *fakeNotifier) Notify(_ context.Context, method string, params interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, notifyCall{method, params})
	return nil
}

func (f *fakeNotifier) Call(_ context.Context, method string, params interface{}, result interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifyCall{method, params})
	if f.callErr != nil {
		return f.callErr
	}
	if f.callResult != nil {
		data, err := json.Marshal(f.callResult)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, result)
	}
	return nil
}

func (f *fakeNotifier) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

// fakeToolCaller is a minimal registry.ToolCaller for agent-level tests
// that don't need the real mcp.Proxy wiring.
type fakeToolCaller struct {
	result *mcp.ToolResult
}

func (f *fakeToolCaller) CallTool(_ context.Context, _ string, _ json.RawMessage) (*mcp.ToolResult, error) {
	if f.result != nil {
		return f.result, nil
	}
	return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "ok"}}}, nil
}

type fixedFactory struct {
	name string
	p    provider.Provider
}

func (f *fixedFactory) Name() string { return f.name }
func (f *fixedFactory) Create(string, provider.Options) provider.Provider {
	return f.p
}

func newTestAgent(mock *provider.MockProvider) *Agent {
	reg := provider.NewRegistry()
	reg.RegisterFactory(mock.Name(), &fixedFactory{name: mock.Name(), p: mock})

	dispatcher := registry.NewDispatcher(&fakeToolCaller{})
	rl := runloop.New(reg, dispatcher, session.NewPromptCache())

	tools := []provider.Tool{{Name: "Read"}, {Name: "Edit"}, {Name: "Grep"}}
	return NewAgent(rl, dispatcher, tools)
}

func TestInitializeRecordsClientCapabilities(t *testing.T) {
	a := newTestAgent(provider.NewMock("anthropic", "hi"))

	caps := ClientCapabilities{}
	caps.FS.ReadTextFile = true
	result, err := a.Initialize(context.Background(), InitializeParams{ProtocolVersion: protocolVersion, ClientCaps: caps})
	if err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	if result.ProtocolVersion != protocolVersion {
		t.Fatalf("expected protocol version %d, got %d", protocolVersion, result.ProtocolVersion)
	}
	if !result.AgentCaps.LoadSession {
		t.Fatal("expected LoadSession capability to be advertised")
	}

	a.mu.Lock()
	got := a.clientCaps
	a.mu.Unlock()
	if !got.FS.ReadTextFile {
		t.Fatal("expected client capabilities to be recorded on the agent")
	}
}

func TestInitializeProceedsOnVersionMismatch(t *testing.T) {
	a := newTestAgent(provider.NewMock("anthropic", "hi"))
	result, err := a.Initialize(context.Background(), InitializeParams{ProtocolVersion: protocolVersion + 1})
	if err != nil {
		t.Fatalf("expected version mismatch to proceed without error, got %v", err)
	}
	if result.ProtocolVersion != protocolVersion {
		t.Fatalf("expected agent to still report its own version, got %d", result.ProtocolVersion)
	}
}

func TestNewSessionRegistersAndEmitsAvailableCommands(t *testing.T) {
	a := newTestAgent(provider.NewMock("anthropic", "hi"))
	notifier := &fakeNotifier{}

	result, err := a.NewSession(context.Background(), notifier, NewSessionParams{CWD: "/tmp"})
	if err != nil {
		t.Fatalf("NewSession returned error: %v", err)
	}
	if result.SessionID == "" {
		t.Fatal("expected a non-empty session id")
	}
	if result.Modes == nil || result.Modes.Current != string(runloop.ModeCode) {
		t.Fatalf("expected initial mode to be code, got %+v", result.Modes)
	}

	a.mu.Lock()
	_, ok := a.sessions[result.SessionID]
	a.mu.Unlock()
	if !ok {
		t.Fatal("expected session to be registered on the agent")
	}

	if len(notifier.notifications) == 0 {
		t.Fatal("expected an available_commands_update notification after new_session")
	}
}

func TestLoadSessionUnknownID(t *testing.T) {
	a := newTestAgent(provider.NewMock("anthropic", "hi"))
	_, err := a.LoadSession(context.Background(), LoadSessionParams{SessionID: "does-not-exist"})
	if err == nil {
		t.Fatal("expected an error for an unknown session id")
	}
}

func TestSetSessionModeValidatesAndUpdates(t *testing.T) {
	a := newTestAgent(provider.NewMock("anthropic", "hi"))
	notifier := &fakeNotifier{}
	created, err := a.NewSession(context.Background(), notifier, NewSessionParams{})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	if err := a.SetSessionMode(context.Background(), notifier, SetSessionModeParams{SessionID: created.SessionID, ModeID: "ask"}); err != nil {
		t.Fatalf("SetSessionMode failed: %v", err)
	}

	a.mu.Lock()
	mode := a.sessions[created.SessionID].rl.Mode
	a.mu.Unlock()
	if mode != runloop.Mode("ask") {
		t.Fatalf("expected mode to be updated to ask, got %v", mode)
	}

	if err := a.SetSessionMode(context.Background(), notifier, SetSessionModeParams{SessionID: created.SessionID, ModeID: "not-a-mode"}); err == nil {
		t.Fatal("expected an error for an invalid mode id")
	}
}

func TestCancelUnknownSession(t *testing.T) {
	a := newTestAgent(provider.NewMock("anthropic", "hi"))
	if err := a.Cancel(context.Background(), CancelParams{SessionID: "nope"}); err == nil {
		t.Fatal("expected an error cancelling an unknown session")
	}
}

func TestCancelLatchesSessionCancelFlag(t *testing.T) {
	a := newTestAgent(provider.NewMock("anthropic", "hi"))
	notifier := &fakeNotifier{}
	created, err := a.NewSession(context.Background(), notifier, NewSessionParams{})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	if err := a.Cancel(context.Background(), CancelParams{SessionID: created.SessionID}); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	a.mu.Lock()
	cancelled := a.sessions[created.SessionID].rl.Cancelled()
	a.mu.Unlock()
	if !cancelled {
		t.Fatal("expected session to be marked cancelled")
	}
}

func TestPromptReturnsStopReasonAndUpdatesTranscript(t *testing.T) {
	mock := provider.NewMock("anthropic", "hello from the bridge").WithStreamingDisabled()
	a := newTestAgent(mock)
	notifier := &fakeNotifier{}

	created, err := a.NewSession(context.Background(), notifier, NewSessionParams{})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	resp, err := a.Prompt(context.Background(), notifier, PromptParams{
		SessionID: created.SessionID,
		Blocks:    []ContentBlock{{Type: "text", Text: "hi there"}},
	})
	if err != nil {
		t.Fatalf("Prompt failed: %v", err)
	}
	if resp.StopReason != string(runloop.StopEndTurn) {
		t.Fatalf("expected stop reason %q, got %q", runloop.StopEndTurn, resp.StopReason)
	}

	a.mu.Lock()
	messages := a.sessions[created.SessionID].rl.Messages
	a.mu.Unlock()
	last := messages[len(messages)-1]
	if last.Content != "hello from the bridge" {
		t.Fatalf("expected final assistant message to reach the transcript, got %+v", last)
	}
}

func TestGatedToolsRequiresAdvertisedCapability(t *testing.T) {
	a := newTestAgent(provider.NewMock("anthropic", "hi"))

	noCaps := ClientCapabilities{}
	gated := a.gatedTools(noCaps)
	for _, tool := range gated {
		if tool.Name == "Read" || tool.Name == "Edit" {
			t.Fatalf("expected %s to be gated out without capabilities, got %+v", tool.Name, gated)
		}
	}

	fullCaps := ClientCapabilities{}
	fullCaps.FS.ReadTextFile = true
	fullCaps.FS.WriteTextFile = true
	gated = a.gatedTools(fullCaps)
	names := map[string]bool{}
	for _, tool := range gated {
		names[tool.Name] = true
	}
	if !names["Read"] || !names["Edit"] || !names["Grep"] {
		t.Fatalf("expected all tools available once capabilities are advertised, got %+v", gated)
	}
}

func TestPermissionGatedProxyDeniesOnNegativeOutcome(t *testing.T) {
	proxy := mcp.NewProxy(nil)
	proxy.RegisterTool(mcp.Tool{Name: "Edit"}, func(_ context.Context, _ json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "applied"}}}, nil
	})
	d := registry.NewDispatcher(proxy)
	d.Register(registry.Registration{Name: "Edit", IsMutating: true})

	notifier := &fakeNotifier{callResult: RequestPermissionResult{Outcome: "deny_once"}}
	gated := NewPermissionGatedProxy(proxy, d, notifier)

	ctx := context.WithValue(context.Background(), sessionIDContextKey{}, "sess-1")
	result, err := gated.CallTool(ctx, "Edit", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("CallTool returned error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected a denied permission to produce a tool error result")
	}
	if notifier.callCount("session/request_permission") != 1 {
		t.Fatalf("expected exactly one permission round trip, got %d", notifier.callCount("session/request_permission"))
	}
}

func TestPermissionGatedProxyAllowsNonMutatingWithoutRoundTrip(t *testing.T) {
	proxy := mcp.NewProxy(nil)
	proxy.RegisterTool(mcp.Tool{Name: "Read"}, func(_ context.Context, _ json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "contents"}}}, nil
	})
	d := registry.NewDispatcher(proxy)
	d.Register(registry.Registration{Name: "Read", IsMutating: false})

	notifier := &fakeNotifier{}
	gated := NewPermissionGatedProxy(proxy, d, notifier)

	result, err := gated.CallTool(context.Background(), "Read", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("CallTool returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected non-mutating call to succeed, got %+v", result)
	}
	if notifier.callCount("session/request_permission") != 0 {
		t.Fatal("expected no permission round trip for a non-mutating tool")
	}
}

func TestSetNotifierForwardsToAllTargets(t *testing.T) {
	a := newTestAgent(provider.NewMock("anthropic", "hi"))

	var gotA, gotB Notifier
	target1 := setNotifierFunc(func(n Notifier) { gotA = n })
	target2 := setNotifierFunc(func(n Notifier) { gotB = n })
	a.NotifierTargets = []NotifierSetter{target1, target2}

	n := &fakeNotifier{}
	a.SetNotifier(n)

	if gotA != n || gotB != n {
		t.Fatal("expected SetNotifier to forward the connection to every target")
	}
}

type setNotifierFunc func(Notifier)

func (f setNotifierFunc) SetNotifier(n Notifier) { f(n) }

func TestCapabilitiesForUnknownSession(t *testing.T) {
	a := newTestAgent(provider.NewMock("anthropic", "hi"))
	if _, ok := a.CapabilitiesFor("nope"); ok {
		t.Fatal("expected CapabilitiesFor to report false for an unknown session")
	}
}

func TestCapabilitiesForKnownSession(t *testing.T) {
	a := newTestAgent(provider.NewMock("anthropic", "hi"))

	caps := ClientCapabilities{}
	caps.FS.ReadTextFile = true
	a.mu.Lock()
	a.clientCaps = caps
	a.mu.Unlock()

	notifier := &fakeNotifier{}
	created, err := a.NewSession(context.Background(), notifier, NewSessionParams{})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	got, ok := a.CapabilitiesFor(created.SessionID)
	if !ok {
		t.Fatal("expected CapabilitiesFor to find the session")
	}
	if !got.FS.ReadTextFile {
		t.Fatal("expected the session's capabilities to carry through from initialize")
	}
}
