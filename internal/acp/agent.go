package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/vtcode/core/internal/mcp"
	"github.com/vtcode/core/internal/provider"
	"github.com/vtcode/core/internal/registry"
	"github.com/vtcode/core/internal/runloop"
)

// Notifier is what the bridge uses to push session/update notifications
// and session/request_permission requests to the connected client. The
// concrete jsonrpc2.Conn implements it (see server.go); tests substitute a
// recording fake.
type Notifier interface {
	Notify(ctx context.Context, method string, params interface{}) error
	Call(ctx context.Context, method string, params interface{}, result interface{}) error
}

// acpSession bundles a runloop.Session with the ACP-specific bookkeeping
// the bridge needs: the client capabilities it was created under (for
// tool gating) and the MCP servers the client listed at new_session.
type acpSession struct {
	rl          *runloop.Session
	clientCaps  ClientCapabilities
	mcpServers  []MCPServer
}

// Agent is the ACP bridge: it owns a runloop, a provider registry, a tool
// dispatcher, and every live session, and answers the ACP method set by
// driving them (§4.6).
type Agent struct {
	Runloop    *runloop.Runloop
	Dispatcher *registry.Dispatcher
	AllTools   []provider.Tool // the full catalog offered to the model, before capability gating

	// NotifierTargets receive the live connection once it exists (see
	// SetNotifier): the PermissionGatedProxy (session/request_permission
	// round trips) and the ClientFileAccessor (fs/read_text_file,
	// fs/write_text_file forwarding), both constructed before the
	// JSON-RPC connection they need.
	NotifierTargets []NotifierSetter

	mu             sync.Mutex
	sessions       map[string]*acpSession
	clientCaps     ClientCapabilities
	nextSessionNum int
}

// NotifierSetter is implemented by components (PermissionGatedProxy,
// ClientFileAccessor) that are built before the connection exists and need
// it wired in afterward.
type NotifierSetter interface {
	SetNotifier(Notifier)
}

// SetNotifier forwards the live connection to every registered
// NotifierTargets entry.
func (a *Agent) SetNotifier(n Notifier) {
	for _, t := range a.NotifierTargets {
		t.SetNotifier(n)
	}
}

// CapabilitiesFor returns the client capabilities a session was created
// under, for components (ClientFileAccessor) that decide whether to
// forward a file operation through the client based on what it advertised
// at new_session time.
func (a *Agent) CapabilitiesFor(sessionID string) (ClientCapabilities, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[sessionID]
	if !ok {
		return ClientCapabilities{}, false
	}
	return sess.clientCaps, true
}

// NewAgent builds a bridge over an already-wired runloop and dispatcher.
func NewAgent(rl *runloop.Runloop, dispatcher *registry.Dispatcher, tools []provider.Tool) *Agent {
	return &Agent{
		Runloop:    rl,
		Dispatcher: dispatcher,
		AllTools:   tools,
		sessions:   make(map[string]*acpSession),
	}
}

// Initialize handles the initialize method (§4.6): records client
// capabilities and advertises agent capabilities. Non-v1 protocol
// versions proceed with a logged warning rather than a hard rejection,
// per §4.6's "reject non-v1 with a warning but proceed".
func (a *Agent) Initialize(_ context.Context, params InitializeParams) (InitializeResult, error) {
	if params.ProtocolVersion != protocolVersion {
		log.Warn().Int("client_version", params.ProtocolVersion).Int("agent_version", protocolVersion).
			Msg("acp: client requested a non-matching protocol version; proceeding")
	}
	a.mu.Lock()
	a.clientCaps = params.ClientCaps
	a.mu.Unlock()

	return InitializeResult{
		ProtocolVersion: protocolVersion,
		AgentCaps:       defaultAgentCapabilities(),
		AuthMethods: []AuthMethod{
			{ID: "none", Name: "No authentication", Description: "Credentials are resolved from the environment"},
		},
	}, nil
}

// Authenticate is a no-op success: VTCode resolves provider credentials
// from the environment before the bridge starts (§4.6).
func (a *Agent) Authenticate(_ context.Context, _ AuthenticateParams) error {
	return nil
}

// NewSession allocates a session, registers it, sends an
// available-commands update, and returns its id along with the initial
// mode (always "code"), per §4.6.
func (a *Agent) NewSession(ctx context.Context, notifier Notifier, params NewSessionParams) (NewSessionResult, error) {
	a.mu.Lock()
	a.nextSessionNum++
	caps := a.clientCaps
	a.mu.Unlock()

	rl := runloop.NewSession(defaultProviderName, defaultModel)
	sess := &acpSession{rl: rl, clientCaps: caps, mcpServers: params.MCPServers}

	a.mu.Lock()
	a.sessions[rl.ID] = sess
	a.mu.Unlock()

	if notifier != nil && a.Dispatcher != nil {
		fe := &bridgeFrontend{ctx: ctx, sessionID: rl.ID, notifier: notifier}
		fe.emitAvailableCommands(availableCommandNames(a.Dispatcher))
	}

	return NewSessionResult{
		SessionID: rl.ID,
		Modes:     &ModesInfo{Current: string(runloop.ModeCode), Available: sessionModes},
	}, nil
}

// defaultProviderName/defaultModel seed a freshly created session; a real
// deployment overrides these via session configuration before the first
// prompt (out of scope here — config loading is an external collaborator
// per §1).
const (
	defaultProviderName = "anthropic"
	defaultModel        = "claude-sonnet-4-5"
)

var errUnknownSession = fmt.Errorf("acp: %s", ReasonUnknownSession)

// LoadSession restores a previously created session by id.
func (a *Agent) LoadSession(_ context.Context, params LoadSessionParams) (NewSessionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[params.SessionID]
	if !ok {
		return NewSessionResult{}, errUnknownSession
	}
	return NewSessionResult{
		SessionID: sess.rl.ID,
		Modes:     &ModesInfo{Current: string(sess.rl.Mode), Available: sessionModes},
	}, nil
}

// SetSessionMode validates and applies a mode change, then emits
// CurrentModeUpdate on success, per §4.6.
func (a *Agent) SetSessionMode(ctx context.Context, notifier Notifier, params SetSessionModeParams) error {
	a.mu.Lock()
	sess, ok := a.sessions[params.SessionID]
	a.mu.Unlock()
	if !ok {
		return errUnknownSession
	}

	var valid bool
	for _, m := range sessionModes {
		if m.ID == params.ModeID {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("acp: %s", ReasonInvalidMode)
	}
	sess.rl.Mode = runloop.Mode(params.ModeID)

	if notifier != nil {
		fe := &bridgeFrontend{ctx: ctx, sessionID: sess.rl.ID, notifier: notifier}
		fe.emitCurrentMode(params.ModeID)
	}
	return nil
}

// Cancel latches the session's cancel flag; the runloop observes it at
// every suspension point (§4.6 "Cancellation").
func (a *Agent) Cancel(_ context.Context, params CancelParams) error {
	a.mu.Lock()
	sess, ok := a.sessions[params.SessionID]
	a.mu.Unlock()
	if !ok {
		return errUnknownSession
	}
	sess.rl.Cancel()
	return nil
}

// gatedTools narrows a.AllTools to those the client's advertised
// capabilities permit, per §4.6 "Capability gating": a tool that needs
// client-side filesystem cooperation is offered to the model only when
// the client advertised the matching capability.
func (a *Agent) gatedTools(caps ClientCapabilities) []provider.Tool {
	requiresFSRead := map[string]bool{"Read": true, "Grep": true}
	requiresFSWrite := map[string]bool{"Edit": true}

	out := make([]provider.Tool, 0, len(a.AllTools))
	for _, t := range a.AllTools {
		if requiresFSRead[t.Name] && !caps.FS.ReadTextFile {
			continue
		}
		if requiresFSWrite[t.Name] && !caps.FS.WriteTextFile {
			continue
		}
		out = append(out, t)
	}
	return out
}

// enabledMap marks every gated tool enabled; nothing is session-disabled
// beyond capability gating at this layer (session-level allow/deny lists
// are an external collaborator's policy, per §1).
func enabledMap(tools []provider.Tool) map[string]bool {
	m := make(map[string]bool, len(tools))
	for _, t := range tools {
		m[t.Name] = true
	}
	return m
}

// Prompt drives the §4.1 runloop for one user turn, streaming
// session/update notifications to notifier as the turn produces them, and
// returns the terminal PromptResponse.
func (a *Agent) Prompt(ctx context.Context, notifier Notifier, params PromptParams) (PromptResponse, error) {
	a.mu.Lock()
	sess, ok := a.sessions[params.SessionID]
	a.mu.Unlock()
	if !ok {
		return PromptResponse{}, errUnknownSession
	}

	text := joinText(params.Blocks)
	fe := &bridgeFrontend{ctx: ctx, sessionID: sess.rl.ID, notifier: notifier}

	tools := a.gatedTools(sess.clientCaps)
	ctx = context.WithValue(ctx, sessionIDContextKey{}, sess.rl.ID)
	stop := a.Runloop.Prompt(ctx, sess.rl, fe, text, runloop.PromptOptions{
		Tools:        tools,
		EnabledTools: enabledMap(tools),
	})

	return PromptResponse{StopReason: string(stop)}, nil
}

func joinText(blocks []ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.Type == "text" || b.Type == "" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// requestPermission implements §4.6's "Permission flow": any
// filesystem-touching tool call issued through the client surface first
// emits session/request_permission; only an affirmative response releases
// the underlying registry execution. PermissionGatedProxy.CallTool consults
// it before calling through to the real handler.
func requestPermission(ctx context.Context, notifier Notifier, sessionID, toolName, toolCallID, summary string) (bool, error) {
	var result RequestPermissionResult
	err := notifier.Call(ctx, "session/request_permission", RequestPermissionParams{
		SessionID:  sessionID,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Summary:    summary,
	}, &result)
	if err != nil {
		return false, err
	}
	return result.Allowed(), nil
}

// sessionIDContextKey carries the active ACP session id through
// Runloop.Prompt's ctx down to PermissionGatedProxy.CallTool, since the
// dispatcher below it is shared across every session a single server
// connection serves (one Notifier, many concurrent sessions).
type sessionIDContextKey struct{}

// PermissionGatedProxy wraps an mcp.Proxy so that every mutating tool
// (per registry Registration.IsMutating) requires an affirmative
// session/request_permission round-trip before the underlying handler
// runs, when driven through the ACP surface. Non-mutating calls pass
// through untouched.
type PermissionGatedProxy struct {
	*mcp.Proxy
	mutating map[string]bool
	Notifier Notifier
}

// NewPermissionGatedProxy wraps proxy, deriving which tool names require a
// permission round-trip from the dispatcher's registrations. The Notifier
// itself is normally unknown yet at construction time (the JSON-RPC
// connection it wraps doesn't exist until Serve starts) and is filled in
// later via SetNotifier; the session id travels through ctx instead (see
// sessionIDContextKey).
func NewPermissionGatedProxy(proxy *mcp.Proxy, d *registry.Dispatcher, notifier Notifier) *PermissionGatedProxy {
	return &PermissionGatedProxy{Proxy: proxy, mutating: d.MutatingToolNames(), Notifier: notifier}
}

// SetNotifier implements NotifierSetter.
func (p *PermissionGatedProxy) SetNotifier(n Notifier) {
	p.Notifier = n
}

// CallTool overrides mcp.Proxy.CallTool: for a mutating tool, it blocks on
// session/request_permission before delegating to the embedded proxy; a
// denial returns a structured tool-error result (never an abort — tool
// failures are routed back into the conversation, per §7).
func (p *PermissionGatedProxy) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*mcp.ToolResult, error) {
	if p.mutating[name] {
		sessionID, _ := ctx.Value(sessionIDContextKey{}).(string)
		allowed, err := requestPermission(ctx, p.Notifier, sessionID, name, "", summarizeArgs(name, arguments))
		if err != nil {
			return nil, err
		}
		if !allowed {
			return &mcp.ToolResult{
				Content: []mcp.ContentBlock{{Type: "text", Text: fmt.Sprintf("%s: user denied permission for %s", ReasonPermissionDeny, name)}},
				IsError: true,
			}, nil
		}
	}
	return p.Proxy.CallTool(ctx, name, arguments)
}

func summarizeArgs(name string, arguments json.RawMessage) string {
	const maxLen = 200
	s := string(arguments)
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return fmt.Sprintf("%s(%s)", name, s)
}

// availableCommandNames returns the dispatcher's registered tool names in
// deterministic order, for the AvailableCommandsUpdate sent right after
// new_session.
func availableCommandNames(d *registry.Dispatcher) []string {
	names := d.Names()
	sort.Strings(names)
	return names
}
