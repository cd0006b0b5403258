// Package provider defines the LLM provider interface and implementations.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrProviderNotFound is returned when a requested provider doesn't exist.
var ErrProviderNotFound = errors.New("provider not found")

// roleSystem is the message role used for system/developer instructions
// across every backend's wire format.
const roleSystem = "system"

// Message represents a chat message.
type Message struct {
	Role         string
	Content      string
	Reasoning    string     // Model reasoning/thinking content (optional)
	ToolCalls    []ToolCall // For assistant messages with tool calls
	ToolCallID   string     // For tool result messages
	FunctionName string     // For tool result messages: name of the called function (required by Gemini)
	CreatedAt    time.Time  // Message timestamp
	InputTokens  int        // Token usage for this LLM call (assistant messages only)
	OutputTokens int        // Token usage for this LLM call (assistant messages only)
}

// Tool represents a tool/function definition for the LLM.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ToolCall represents a tool call made by the LLM.
type ToolCall struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Arguments        json.RawMessage `json:"arguments"`
	ThoughtSignature string          `json:"thought_signature,omitempty"`
}

// FinishReason classifies why a model response terminated.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

// Usage carries token accounting for one request. Cached counts the portion
// of Prompt served from a provider-side prompt cache; no backend in this
// package fills it, so it is 0. CollectStream sets Total to
// Prompt+Completion.
type Usage struct {
	Prompt     int
	Completion int
	Total      int
	Cached     int
}

// ToolChoice is the canonical form every backend's own tool_choice
// representation is translated into and out of.
type ToolChoice struct {
	Mode         ToolChoiceMode
	FunctionName string // set only when Mode == ToolChoiceFunction
}

type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ChatResponse represents the response from a chat completion.
type ChatResponse struct {
	Content      string       // Text content (may be empty if tool calls)
	ToolCalls    []ToolCall   // Tool calls (may be empty if text response)
	Reasoning    string       // Model reasoning content (optional)
	FinishReason FinishReason // terminal classification, see §4.2
	InputTokens  int          // Input/prompt token count (0 if unavailable)
	OutputTokens int          // Output/completion token count (0 if unavailable)
	Usage        Usage        // full usage block when the backend reports it
}

// StreamEventType identifies the kind of streaming event.
type StreamEventType int

const (
	// EventContentDelta carries a chunk of text content.
	EventContentDelta StreamEventType = iota
	// EventReasoningDelta carries a chunk of reasoning/thinking content.
	EventReasoningDelta
	// EventToolCallBegin signals the start of a new tool call with ID and name.
	EventToolCallBegin
	// EventToolCallDelta carries a chunk of tool call arguments.
	EventToolCallDelta
	// EventUsage carries token usage statistics.
	EventUsage
	// EventDone signals the stream is complete.
	EventDone
	// EventError signals a stream error.
	EventError
)

// StreamEvent represents a single event in a streamed LLM response.
type StreamEvent struct {
	Type StreamEventType

	// Content or reasoning text delta (for EventContentDelta, EventReasoningDelta).
	Content string

	// Tool call fields (for EventToolCallBegin, EventToolCallDelta).
	ToolCallIndex     int    // Index of the tool call in the response (from OpenAI spec)
	ToolCallID        string // Set on EventToolCallBegin
	ToolCallName      string // Set on EventToolCallBegin
	ToolCallSignature string // Optional thought signature for Gemini tool calls
	ToolCallArgs      string // Argument fragment on EventToolCallDelta

	// Token usage (for EventUsage).
	InputTokens  int
	OutputTokens int

	// Error (for EventError).
	Err error
}

// ErrorKind classifies provider-layer errors per the error-handling design.
type ErrorKind string

const (
	ErrKindInvalidRequest ErrorKind = "invalid_request"
	ErrKindAuth           ErrorKind = "auth"
	ErrKindRateLimited    ErrorKind = "rate_limited"
	ErrKindNetwork        ErrorKind = "network"
	ErrKindProvider       ErrorKind = "provider"
)

// Error is the structured error every Provider method returns on failure.
// The runloop switches on Kind rather than doing string matching.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration // set only for ErrKindRateLimited, when known
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func (k ErrorKind) String() string { return string(k) }

// ChatRequest is a pure snapshot of everything a backend needs to produce a
// response; once constructed it never references mutable session state.
type ChatRequest struct {
	Messages           []Message
	SystemPrompt       string
	Tools              []Tool
	Model              string
	MaxTokens          int
	Temperature        float64
	Stream             bool
	ToolChoice         *ToolChoice
	ParallelToolCalls  bool
	ReasoningEffort    string // "", "low", "medium", "high"
}

// ValidateChatRequest applies the common request-conversion invariants
// (§4.2 Validation) shared by every backend. Individual providers call this
// before building their wire-specific request and layer on model/tool
// capability checks of their own.
func ValidateChatRequest(req ChatRequest, supportsTools bool) error {
	if len(req.Messages) == 0 {
		return &Error{Kind: ErrKindInvalidRequest, Message: "empty messages array after normalization"}
	}
	if len(req.Tools) > 0 && !supportsTools {
		return &Error{Kind: ErrKindInvalidRequest, Message: "tools present for a provider that declares no tool support"}
	}
	seen := make(map[string]bool, len(req.Tools))
	for _, t := range req.Tools {
		if seen[t.Name] {
			return &Error{Kind: ErrKindInvalidRequest, Message: "duplicate tool definition: " + t.Name}
		}
		seen[t.Name] = true
	}
	for _, m := range req.Messages {
		if m.Role == "tool" && m.ToolCallID == "" {
			return &Error{Kind: ErrKindInvalidRequest, Message: "tool message without tool_call_id"}
		}
	}
	return nil
}

// CollectStream drains a stream of events into a single ChatResponse,
// buffering tool-call argument fragments until the stream completes so the
// caller never observes partial tool-call JSON (§4.2 normalization contract:
// "buffer it and emit the full call only in Completed").
func CollectStream(ch <-chan StreamEvent) (*ChatResponse, error) {
	resp := &ChatResponse{FinishReason: FinishStop}
	acc := newToolCallAccumulator()
	var content, reasoning strings.Builder

	for evt := range ch {
		switch evt.Type {
		case EventContentDelta:
			content.WriteString(evt.Content)
		case EventReasoningDelta:
			reasoning.WriteString(evt.Content)
		case EventToolCallBegin:
			acc.begin(evt.ToolCallIndex, evt.ToolCallID, evt.ToolCallName, evt.ToolCallSignature)
		case EventToolCallDelta:
			acc.append(evt.ToolCallIndex, evt.ToolCallArgs)
		case EventUsage:
			resp.InputTokens = evt.InputTokens
			resp.OutputTokens = evt.OutputTokens
			resp.Usage = Usage{Prompt: evt.InputTokens, Completion: evt.OutputTokens, Total: evt.InputTokens + evt.OutputTokens}
		case EventError:
			return nil, evt.Err
		case EventDone:
			resp.Content = content.String()
			resp.Reasoning = reasoning.String()
			resp.ToolCalls = acc.finalize()
			if len(resp.ToolCalls) > 0 {
				resp.FinishReason = FinishToolCalls
			}
			return resp, nil
		}
	}
	resp.Content = content.String()
	resp.Reasoning = reasoning.String()
	resp.ToolCalls = acc.finalize()
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = FinishToolCalls
	}
	return resp, nil
}

// toolCallAccumulator tracks tool calls as they stream in, keyed by the
// backend's ToolCallIndex, and buffers argument fragments until finalize so
// a caller never sees partial tool-call JSON.
type toolCallAccumulator struct {
	byIndex     map[int]int
	calls       []ToolCall
	argBuilders []strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]int)}
}

func (a *toolCallAccumulator) begin(index int, id, name, signature string) {
	pos := len(a.calls)
	a.byIndex[index] = pos
	a.calls = append(a.calls, ToolCall{ID: id, Name: name, ThoughtSignature: signature})
	a.argBuilders = append(a.argBuilders, strings.Builder{})
}

func (a *toolCallAccumulator) append(index int, args string) {
	if pos, ok := a.byIndex[index]; ok {
		a.argBuilders[pos].WriteString(args)
	}
}

func (a *toolCallAccumulator) finalize() []ToolCall {
	for i := range a.calls {
		if i < len(a.argBuilders) {
			a.calls[i].Arguments = json.RawMessage(a.argBuilders[i].String())
		}
	}
	return a.calls
}

type Model struct {
	Name       string
	Size       int64
	Digest     string
	ModifiedAt time.Time
	Format     string
	Family     string
	ParamSize  string
	QuantLevel string
}

// Provider defines the interface for LLM providers. Every concrete backend
// normalizes its heterogeneous wire shape to this contract (§4.2).
type Provider interface {
	// Name returns the provider's identifier.
	Name() string

	// ChatStream sends messages with optional tools and returns a channel of streaming events.
	// The channel is closed after EventDone or EventError is sent.
	// Pass nil tools for simple chat without tool calling.
	ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error)

	// Generate performs a single non-streaming request. The default
	// implementation of every backend in this package is ChatStream followed
	// by CollectStream; backends with a true non-streaming endpoint may
	// override it.
	Generate(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ValidateRequest rejects requests that violate §4.2's validation rules
	// before any network I/O happens.
	ValidateRequest(req ChatRequest) error

	// SupportsStreaming reports whether this backend can stream token deltas.
	SupportsStreaming() bool

	// SupportsTools reports whether the given model accepts tool/function
	// definitions. Providers that are tool-capable for every model they
	// serve may ignore the argument.
	SupportsTools(model string) bool

	// SupportsReasoningEffort reports whether the given model accepts a
	// reasoning-effort parameter.
	SupportsReasoningEffort(model string) bool

	// SupportedModels lists the model identifiers this provider instance
	// knows how to serve without a network round-trip (static backends may
	// return a curated list; dynamic ones may return the last ListModels
	// result or nil).
	SupportedModels() []string

	// ListModels returns available models from the provider.
	ListModels(ctx context.Context) ([]Model, error)

	// Close closes idle HTTP connections and cleans up resources.
	Close() error
}

type Factory interface {
	Name() string
	Create(model string, opts Options) Provider
}

// Registry holds available providers.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

func (r *Registry) RegisterFactory(name string, f Factory) {
	r.factories[name] = f
}

func (r *Registry) Create(name, model string, opts Options) (Provider, error) {
	f, ok := r.factories[name]
	if !ok {
		log.Error().Str("name", name).Str("model", model).Msg("Registry.Create: factory not found")
		return nil, ErrProviderNotFound
	}
	log.Info().Str("name", name).Str("model", model).Str("factory_type", "unknown").Msg("Registry.Create: calling factory")
	return f.Create(model, opts), nil
}

// Options holds provider generation settings.
type Options struct {
	Temperature     float64
	TopP            float64
	RepeatPenalty   float64
	MaxTokens       int
	ReasoningEffort string
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// TaggedModel pairs a provider config name with a model.
type TaggedModel struct {
	ProviderName string
	Model        Model
}

// ListAllModels concurrently fetches models from every registered provider and
// returns the combined list. Errors from individual providers are logged and
// skipped so a single unavailable provider does not block the rest.
func (r *Registry) ListAllModels(ctx context.Context, opts Options) []TaggedModel {
	type result struct {
		name   string
		models []Model
	}
	ch := make(chan result, len(r.factories))
	for name := range r.factories {
		name := name
		go func() {
			prov := r.factories[name].Create("", opts)
			models, err := prov.ListModels(ctx)
			prov.Close()
			if err != nil {
				log.Warn().Str("provider", name).Err(err).Msg("ListAllModels: provider error")
				ch <- result{name: name}
				return
			}
			ch <- result{name: name, models: models}
		}()
	}
	var all []TaggedModel
	for range r.factories {
		res := <-ch
		for _, m := range res.models {
			all = append(all, TaggedModel{ProviderName: res.name, Model: m})
		}
	}
	return all
}
