// Package runloop implements the turn runloop (§4.1): it turns one user
// prompt into one terminal StopReason, driving the provider abstraction
// (internal/provider) and the tool registry (internal/registry) while
// emitting updates to a Frontend. Grounded on internal/llm/loop.go's
// ProcessTurn, generalized to the uniform stop-reason/plan-progress
// contract and to a true streaming branch.
package runloop

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vtcode/core/internal/mcp"
	"github.com/vtcode/core/internal/provider"
	"github.com/vtcode/core/internal/registry"
	"github.com/vtcode/core/internal/session"
	"github.com/vtcode/core/internal/treesitter"
)

// StopReason is the terminal classification of one runloop turn.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	StopRefusal   StopReason = "refusal"
	StopCancelled StopReason = "cancelled"
)

func stopReasonFromFinish(f provider.FinishReason) StopReason {
	switch f {
	case provider.FinishLength:
		return StopMaxTokens
	case provider.FinishError:
		return StopRefusal
	default:
		return StopEndTurn
	}
}

// PlanStep names one stage of a turn's high-level plan.
type PlanStep int

const (
	StepAnalysis PlanStep = iota
	StepContextGathering
	StepResponse
	planStepCount
)

func (s PlanStep) String() string {
	switch s {
	case StepAnalysis:
		return "analysis"
	case StepContextGathering:
		return "context_gathering"
	case StepResponse:
		return "response"
	default:
		return "unknown"
	}
}

// PlanStepState is a step's lifecycle state. Transitions are monotonic:
// Pending -> Active -> Completed, never backward.
type PlanStepState int

const (
	StepPending PlanStepState = iota
	StepActive
	StepCompleted
)

// PlanProgress tracks the state of each PlanStep for one turn.
type PlanProgress struct {
	states [planStepCount]PlanStepState
}

// NewPlanProgress returns a plan with every step Pending.
func NewPlanProgress() *PlanProgress {
	return &PlanProgress{}
}

// Advance moves step forward to state, refusing to regress. Returns false
// (no-op) when state is not strictly further along than the step's
// current state.
func (p *PlanProgress) Advance(step PlanStep, state PlanStepState) bool {
	if state <= p.states[step] {
		return false
	}
	p.states[step] = state
	return true
}

// State returns step's current state.
func (p *PlanProgress) State(step PlanStep) PlanStepState {
	return p.states[step]
}

// Snapshot returns a copy of all step states, for emitting a PlanUpdate.
func (p *PlanProgress) Snapshot() map[string]string {
	out := make(map[string]string, planStepCount)
	names := map[PlanStepState]string{StepPending: "pending", StepActive: "active", StepCompleted: "completed"}
	for s := PlanStep(0); s < planStepCount; s++ {
		out[s.String()] = names[p.states[s]]
	}
	return out
}

// Frontend receives every user-visible event a turn produces. A TUI, the
// ACP bridge, or a test harness each implement this differently.
type Frontend interface {
	EmitUserChunk(text string)
	EmitAssistantChunk(text string)
	EmitThoughtChunk(text string)
	EmitPlanUpdate(plan map[string]string)
	EmitToolDisableNotice(toolName, reason string)
	EmitError(err error)
}

// NopFrontend discards every event; useful for tests that only check the
// returned StopReason/messages.
type NopFrontend struct{}

func (NopFrontend) EmitUserChunk(string)              {}
func (NopFrontend) EmitAssistantChunk(string)          {}
func (NopFrontend) EmitThoughtChunk(string)            {}
func (NopFrontend) EmitPlanUpdate(map[string]string)   {}
func (NopFrontend) EmitToolDisableNotice(string, string) {}
func (NopFrontend) EmitError(error)                    {}

// Mode is the session's current interaction mode (ACP's set_session_mode).
type Mode string

const (
	ModeAsk       Mode = "ask"
	ModeArchitect Mode = "architect"
	ModeCode      Mode = "code"
)

// Session holds everything the runloop needs to carry across prompts: the
// message history, cancellation latch, plan, and tool-disable notice
// bookkeeping. One Session serves one conversation; it is not safe for
// concurrent Prompt calls (single-owner, per the concurrency model), but
// Cancel may be called from any goroutine.
type Session struct {
	ID       string
	Model    string
	Provider string
	Mode     Mode

	Messages []provider.Message
	Plan     *PlanProgress

	mu            sync.Mutex
	cancelled     bool
	cancelCh      chan struct{}
	noticesSent   map[string]bool
	maxToolRounds int
}

// DefaultMaxToolRounds bounds the non-streaming tool-loop branch so a
// misbehaving model cannot spin forever.
const DefaultMaxToolRounds = 60

// NewSession starts a fresh session for providerName/model.
func NewSession(providerName, model string) *Session {
	return &Session{
		ID:            uuid.New().String(),
		Model:         model,
		Provider:      providerName,
		Mode:          ModeCode,
		Plan:          NewPlanProgress(),
		cancelCh:      make(chan struct{}),
		noticesSent:   make(map[string]bool),
		maxToolRounds: DefaultMaxToolRounds,
	}
}

// ResetCancel clears the cancel latch at the start of a new prompt (step 1
// of the §4.1 contract), replacing the cancel channel so a cancel that
// landed on the previous turn can't bleed into this one.
func (s *Session) ResetCancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = false
	s.cancelCh = make(chan struct{})
}

// Cancel latches the cancel flag and closes the current cancel channel
// exactly once, waking up anything blocked on cancelChan() — a streaming
// read, a tool-call select — rather than only affecting the next flag
// check. Safe to call concurrently with Prompt.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	s.cancelled = true
	close(s.cancelCh)
}

// Cancelled reports whether the cancel flag has latched.
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// cancelChan returns the session's live cancel channel, handed out by
// reference: it closes the instant Cancel() runs, not merely when next
// polled. Callers must fetch it once per turn (after ResetCancel) and
// hold the same reference for the turn's duration.
func (s *Session) cancelChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelCh
}

// ToolAvailability pairs a tool name with whether it is currently enabled;
// a disabled tool carries the reason (e.g. a capability the client never
// advertised).
type ToolAvailability struct {
	Name    string
	Enabled bool
	Reason  string
}

// Runloop drives Session.Prompt against a provider registry and a tool
// dispatcher.
type Runloop struct {
	Providers   *provider.Registry
	Dispatcher  *registry.Dispatcher
	PromptCache *session.PromptCache
	TreeIndex   *treesitter.Index
}

// New builds a Runloop over the given provider registry and tool
// dispatcher. PromptCache may be nil, in which case requests carry no
// system prompt (the caller is responsible for seeding one in that case).
func New(providers *provider.Registry, dispatcher *registry.Dispatcher, promptCache *session.PromptCache) *Runloop {
	return &Runloop{Providers: providers, Dispatcher: dispatcher, PromptCache: promptCache}
}

// resolveProvider implements §4.1 step 4: construct by model, falling back
// to construction by the session's named provider.
func (r *Runloop) resolveProvider(session *Session, opts provider.Options) (provider.Provider, error) {
	if prov, err := provider.CreateProviderForModel(r.Providers, session.Model, opts); err == nil {
		return prov, nil
	}
	return r.Providers.Create(session.Provider, session.Model, opts)
}

// toolsForSession computes the tool-availability table, with a stable sort
// so disable notices are deterministic across runs (§4.1 step 6).
func toolsForSession(allTools []provider.Tool, enabled map[string]bool) []ToolAvailability {
	out := make([]ToolAvailability, 0, len(allTools))
	for _, t := range allTools {
		avail := ToolAvailability{Name: t.Name, Enabled: enabled == nil || enabled[t.Name]}
		if !avail.Enabled {
			avail.Reason = "disabled by session policy"
		}
		out = append(out, avail)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PromptOptions carries the inputs to Prompt beyond the raw text: the full
// tool catalog, which tools are enabled, and provider Options.
type PromptOptions struct {
	Tools          []provider.Tool
	EnabledTools   map[string]bool
	ProviderOpts   provider.Options
	ReasoningLevel string // session's configured reasoning effort, if any
}

// Prompt implements the §4.1 contract end to end, returning the terminal
// StopReason. The session's Messages field is updated in place.
func (r *Runloop) Prompt(ctx context.Context, session *Session, frontend Frontend, userText string, opts PromptOptions) StopReason {
	session.ResetCancel()

	session.Messages = append(session.Messages, provider.Message{Role: "user", Content: userText, CreatedAt: time.Now()})
	frontend.EmitUserChunk(userText)

	prov, err := r.resolveProvider(session, opts.ProviderOpts)
	if err != nil {
		frontend.EmitError(err)
		return StopRefusal
	}

	providerSupportsTools := prov.SupportsTools(session.Model)
	toolsAllowed := providerSupportsTools && (len(opts.Tools) > 0)
	allowStreaming := prov.SupportsStreaming() && !toolsAllowed

	reasoningEffort := ""
	if prov.SupportsReasoningEffort(session.Model) {
		reasoningEffort = opts.ReasoningLevel
	}

	availability := toolsForSession(opts.Tools, opts.EnabledTools)
	var activeTools []provider.Tool
	for _, a := range availability {
		if a.Enabled {
			for _, t := range opts.Tools {
				if t.Name == a.Name {
					activeTools = append(activeTools, t)
					break
				}
			}
			continue
		}
		session.mu.Lock()
		alreadySent := session.noticesSent[a.Name]
		if !alreadySent {
			session.noticesSent[a.Name] = true
		}
		session.mu.Unlock()
		if !alreadySent {
			frontend.EmitToolDisableNotice(a.Name, a.Reason)
			log.Info().Str("tool", a.Name).Str("reason", a.Reason).Msg("tool disabled for session")
		}
	}

	session.Plan = NewPlanProgress()
	session.Plan.Advance(StepAnalysis, StepActive)
	frontend.EmitPlanUpdate(session.Plan.Snapshot())
	session.Plan.Advance(StepAnalysis, StepCompleted)
	frontend.EmitPlanUpdate(session.Plan.Snapshot())

	var stopReason StopReason
	if allowStreaming {
		stopReason = r.runStreaming(ctx, session, frontend, prov, activeTools, reasoningEffort)
	} else {
		stopReason = r.runToolLoop(ctx, session, frontend, prov, activeTools, toolsAllowed, reasoningEffort)
	}

	if stopReason != StopCancelled {
		for step := PlanStep(0); step < planStepCount; step++ {
			if session.Plan.Advance(step, StepCompleted) {
				frontend.EmitPlanUpdate(session.Plan.Snapshot())
			}
		}
	}

	log.Debug().
		Str("session", session.ID).
		Str("stop_reason", string(stopReason)).
		Int("messages", len(session.Messages)).
		Msg("turn complete")

	return stopReason
}

func (r *Runloop) buildRequest(sess *Session, tools []provider.Tool, stream bool, reasoningEffort string) provider.ChatRequest {
	var systemPrompt string
	if r.PromptCache != nil {
		systemPrompt = r.PromptCache.Get(sess.Model, r.TreeIndex)
	}
	return provider.ChatRequest{
		Messages:        sess.Messages,
		SystemPrompt:    systemPrompt,
		Tools:           tools,
		Model:           sess.Model,
		Stream:          stream,
		ReasoningEffort: reasoningEffort,
	}
}

func (r *Runloop) runStreaming(ctx context.Context, session *Session, frontend Frontend, prov provider.Provider, tools []provider.Tool, reasoningEffort string) StopReason {
	ch, err := prov.ChatStream(ctx, session.Messages, tools)
	if err != nil {
		frontend.EmitError(err)
		return StopRefusal
	}

	session.Plan.Advance(StepResponse, StepActive)
	frontend.EmitPlanUpdate(session.Plan.Snapshot())

	var assistantText, reasoning string
	var toolCalls []provider.ToolCall
	stopReason := StopEndTurn
	cancel := session.cancelChan()

	var contentBuf, reasoningBuf []byte
	acc := newStreamAccumulator()

loop:
	for {
		select {
		case <-cancel:
			stopReason = StopCancelled
			break loop
		case evt, ok := <-ch:
			if !ok {
				break loop
			}
			switch evt.Type {
			case provider.EventContentDelta:
				contentBuf = append(contentBuf, evt.Content...)
				frontend.EmitAssistantChunk(evt.Content)
			case provider.EventReasoningDelta:
				reasoningBuf = append(reasoningBuf, evt.Content...)
				frontend.EmitThoughtChunk(evt.Content)
			case provider.EventToolCallBegin:
				acc.begin(evt.ToolCallIndex, evt.ToolCallID, evt.ToolCallName, evt.ToolCallSignature)
			case provider.EventToolCallDelta:
				acc.append(evt.ToolCallIndex, evt.ToolCallArgs)
			case provider.EventError:
				frontend.EmitError(evt.Err)
				stopReason = StopRefusal
				break loop
			case provider.EventDone:
				assistantText = string(contentBuf)
				reasoning = string(reasoningBuf)
				toolCalls = acc.finalize()
				finish := provider.FinishStop
				if len(toolCalls) > 0 {
					finish = provider.FinishToolCalls
				}
				stopReason = stopReasonFromFinish(finish)
				break loop
			}
		}
	}

	if stopReason == StopCancelled {
		return stopReason
	}

	if assistantText == "" && len(contentBuf) > 0 {
		assistantText = string(contentBuf)
	}

	session.Messages = append(session.Messages, provider.Message{
		Role:      "assistant",
		Content:   assistantText,
		Reasoning: reasoning,
		ToolCalls: toolCalls,
		CreatedAt: time.Now(),
	})

	return stopReason
}

func (r *Runloop) runToolLoop(ctx context.Context, session *Session, frontend Frontend, prov provider.Provider, tools []provider.Tool, toolsAllowed bool, reasoningEffort string) StopReason {
	for round := 0; round < session.maxToolRounds; round++ {
		if session.Cancelled() {
			return StopCancelled
		}

		req := r.buildRequest(session, tools, false, reasoningEffort)
		resp, err := prov.Generate(ctx, req)
		if err != nil {
			frontend.EmitError(err)
			return StopRefusal
		}

		if session.Cancelled() {
			return StopCancelled
		}

		if toolsAllowed && len(resp.ToolCalls) > 0 {
			session.Plan.Advance(StepContextGathering, StepActive)
			frontend.EmitPlanUpdate(session.Plan.Snapshot())

			session.Messages = append(session.Messages, provider.Message{
				Role:      "assistant",
				Content:   resp.Content,
				Reasoning: resp.Reasoning,
				ToolCalls: resp.ToolCalls,
				CreatedAt: time.Now(),
			})

			results := r.executeToolCalls(ctx, session, resp.ToolCalls)

			session.Plan.Advance(StepContextGathering, StepCompleted)
			frontend.EmitPlanUpdate(session.Plan.Snapshot())

			for i, call := range resp.ToolCalls {
				session.Messages = append(session.Messages, provider.Message{
					Role:         "tool",
					Content:      results[i],
					ToolCallID:   call.ID,
					FunctionName: call.Name,
					CreatedAt:    time.Now(),
				})
			}

			if session.Cancelled() {
				return StopCancelled
			}
			log.Debug().Int("round", round).Int("tool_count", len(resp.ToolCalls)).Msg("tool round complete")
			continue
		}

		session.Plan.Advance(StepContextGathering, StepCompleted)
		session.Plan.Advance(StepResponse, StepActive)
		frontend.EmitPlanUpdate(session.Plan.Snapshot())

		if resp.Content != "" {
			frontend.EmitAssistantChunk(resp.Content)
		}
		if resp.Reasoning != "" {
			frontend.EmitThoughtChunk(resp.Reasoning)
		}
		session.Messages = append(session.Messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			Reasoning: resp.Reasoning,
			CreatedAt: time.Now(),
		})
		return stopReasonFromFinish(resp.FinishReason)
	}
	return StopMaxTokens
}

// executeToolCalls runs a batch through the registry dispatcher and
// extracts each result's text, in call order (§4.3 parallel execution).
func (r *Runloop) executeToolCalls(ctx context.Context, session *Session, calls []provider.ToolCall) []string {
	batch := make([]registry.Call, len(calls))
	for i, c := range calls {
		batch[i] = registry.Call{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	statuses := r.Dispatcher.ExecuteBatch(ctx, batch, session.cancelChan())

	out := make([]string, len(statuses))
	for i, st := range statuses {
		switch st.Kind {
		case registry.StatusSuccess:
			out[i] = textOf(st.Value)
		case registry.StatusCancelled:
			out[i] = "cancelled"
		default:
			if st.Err != nil {
				out[i] = "error: " + st.Err.Error()
			} else {
				out[i] = "error: tool dispatch failed"
			}
		}
	}
	return out
}

func textOf(result *mcp.ToolResult) string {
	if result == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// streamAccumulator mirrors provider.toolCallAccumulator (unexported there)
// so the runloop can buffer tool-call argument fragments itself while
// streaming, per the normalization contract's "buffer until Completed" rule.
type streamAccumulator struct {
	byIndex map[int]int
	calls   []provider.ToolCall
	args    map[int]*[]byte
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{byIndex: make(map[int]int), args: make(map[int]*[]byte)}
}

func (a *streamAccumulator) begin(index int, id, name, signature string) {
	pos := len(a.calls)
	a.byIndex[index] = pos
	a.calls = append(a.calls, provider.ToolCall{ID: id, Name: name, ThoughtSignature: signature})
	buf := []byte{}
	a.args[index] = &buf
}

func (a *streamAccumulator) append(index int, args string) {
	if buf, ok := a.args[index]; ok {
		*buf = append(*buf, args...)
	}
}

func (a *streamAccumulator) finalize() []provider.ToolCall {
	for index, pos := range a.byIndex {
		if buf, ok := a.args[index]; ok {
			a.calls[pos].Arguments = json.RawMessage(*buf)
		}
	}
	return a.calls
}
