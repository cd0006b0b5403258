// Package acp implements the Agent Client Protocol bridge (§4.6): it
// projects the turn runloop, the provider registry, and the tool
// dispatcher onto the JSON-RPC surface an external editor (e.g. Zed)
// speaks to drive VTCode as an embedded agent. Grounded on
// internal/mcp's JSON-RPC envelope (Request/Response/Error) and
// internal/runloop's Frontend contract, generalized to ACP's method and
// notification set.
package acp

import "encoding/json"

// protocolVersion is the only ACP major version this bridge speaks.
// initialize on any other major version still proceeds (per §4.6) but
// logs a warning.
const protocolVersion = 1

// ClientCapabilities is what the connecting editor advertised in
// initialize. Absent capabilities gate tool availability: a capability
// the client never advertised is a strict deny, never a soft warning
// (§9 "ACP capability negotiation").
type ClientCapabilities struct {
	FS struct {
		ReadTextFile  bool `json:"readTextFile"`
		WriteTextFile bool `json:"writeTextFile"`
	} `json:"fs"`
	Terminal bool `json:"terminal"`
}

// AgentCapabilities is what this bridge advertises back.
type AgentCapabilities struct {
	LoadSession        bool           `json:"loadSession"`
	PromptCapabilities map[string]any `json:"promptCapabilities"`
	MCPCapabilities    mcpCapability  `json:"mcpCapabilities"`
}

type mcpCapability struct {
	HTTP bool `json:"http"`
	SSE  bool `json:"sse"`
}

func defaultAgentCapabilities() AgentCapabilities {
	return AgentCapabilities{
		LoadSession: true,
		PromptCapabilities: map[string]any{
			"embeddedContext": true,
			"image":           true,
			"audio":           true,
		},
		MCPCapabilities: mcpCapability{HTTP: true, SSE: false},
	}
}

// InitializeParams is the initialize request's params.
type InitializeParams struct {
	ProtocolVersion int                `json:"protocolVersion"`
	ClientCaps      ClientCapabilities `json:"clientCapabilities"`
}

// InitializeResult is initialize's response.
type InitializeResult struct {
	ProtocolVersion int               `json:"protocolVersion"`
	AgentCaps       AgentCapabilities `json:"agentCapabilities"`
	AuthMethods     []AuthMethod      `json:"authMethods"`
}

// AuthMethod names one supported authenticate() strategy. VTCode has no
// interactive auth step of its own — credentials are resolved from the
// environment before the bridge ever starts — so the bridge advertises a
// single no-op method and authenticate always succeeds.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// AuthenticateParams is the authenticate request's params.
type AuthenticateParams struct {
	MethodID string `json:"methodId"`
}

// NewSessionParams is the new_session request's params.
type NewSessionParams struct {
	CWD        string       `json:"cwd"`
	MCPServers []MCPServer  `json:"mcpServers,omitempty"`
}

// MCPServer describes one upstream MCP server the client wants wired into
// the new session's tool catalog.
type MCPServer struct {
	Name      string   `json:"name"`
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
	HTTPURL   string   `json:"httpUrl,omitempty"`
}

// NewSessionResult is new_session's response.
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
	Modes     *ModesInfo `json:"modes,omitempty"`
}

// ModesInfo describes the session's available modes and which is current,
// returned by new_session and load_session. set_session_mode does not
// return it; a mode change is reported as a current_mode_update instead.
type ModesInfo struct {
	Current    string       `json:"currentModeId"`
	Available  []ModeOption `json:"availableModes"`
}

type ModeOption struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

var sessionModes = []ModeOption{
	{ID: "ask", Name: "Ask", Description: "Read-only: no tool executes without explicit confirmation"},
	{ID: "architect", Name: "Architect", Description: "Plans and edits; defers risky execution to the user"},
	{ID: "code", Name: "Code", Description: "Full tool access within the session's safety envelope"},
}

// LoadSessionParams is the load_session request's params.
type LoadSessionParams struct {
	SessionID string `json:"sessionId"`
	CWD       string `json:"cwd"`
}

// PromptParams is the prompt request's params: one user turn's content
// blocks (text, and potentially images/resources the client embedded).
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Blocks    []ContentBlock `json:"prompt"`
}

// ContentBlock is one piece of user-supplied prompt content. Only "text"
// blocks (and blocks with no type) reach the runloop: the prompt handler
// joins their text and drops every other kind.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// PromptResponse is the prompt request's terminal response.
type PromptResponse struct {
	StopReason string `json:"stopReason"`
}

// SetSessionModeParams is the set_session_mode request's params.
type SetSessionModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// CancelParams is the cancel notification's params.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// SessionUpdateNotification is the envelope for every session/update
// notification; Update carries one of the typed variants below, chosen by
// UpdateKind.
type SessionUpdateNotification struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// UpdateKind tags which variant is embedded in a SessionUpdateNotification
// so the client can dispatch without probing fields.
type UpdateKind string

const (
	UpdateUserMessageChunk      UpdateKind = "user_message_chunk"
	UpdateAgentMessageChunk     UpdateKind = "agent_message_chunk"
	UpdateAgentThoughtChunk     UpdateKind = "agent_thought_chunk"
	UpdatePlan                  UpdateKind = "plan"
	UpdateToolDisableNotice     UpdateKind = "tool_disable_notice"
	UpdateCurrentModeUpdate     UpdateKind = "current_mode_update"
	UpdateAvailableCommands     UpdateKind = "available_commands_update"
)

type textChunkUpdate struct {
	Kind UpdateKind `json:"kind"`
	Text string     `json:"text"`
}

type planUpdate struct {
	Kind  UpdateKind        `json:"kind"`
	Steps map[string]string `json:"steps"`
}

type toolDisableUpdate struct {
	Kind   UpdateKind `json:"kind"`
	Tool   string     `json:"tool"`
	Reason string     `json:"reason"`
}

type currentModeUpdate struct {
	Kind   UpdateKind `json:"kind"`
	ModeID string     `json:"modeId"`
}

type availableCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type availableCommandsUpdate struct {
	Kind     UpdateKind         `json:"kind"`
	Commands []availableCommand `json:"commands"`
}

// RequestPermissionParams is sent to the client (agent-to-client request)
// before a filesystem-touching tool call is released for execution.
type RequestPermissionParams struct {
	SessionID string `json:"sessionId"`
	ToolName  string `json:"toolName"`
	ToolCallID string `json:"toolCallId"`
	Summary   string `json:"summary"`
}

// RequestPermissionResult is the client's answer to a permission request.
type RequestPermissionResult struct {
	Outcome string `json:"outcome"` // "allow_once" | "allow_always" | "deny_once" | "deny_always"
}

// Allowed reports whether outcome grants the pending call.
func (r RequestPermissionResult) Allowed() bool {
	return r.Outcome == "allow_once" || r.Outcome == "allow_always"
}

// ErrorData is the structured `data` field of a JSON-RPC error response,
// per §6's `{ code, message, data: { reason, ... } }` error shape.
type ErrorData struct {
	Reason string `json:"reason"`
}

const (
	ReasonUnknownSession = "unknown_session"
	ReasonInvalidMode    = "invalid_mode"
	ReasonNoProvider     = "no_provider"
	ReasonPermissionDeny = "permission_denied"
)
