// Package registry implements the tool registry and dispatch pipeline
// (§4.3): per-category timeouts, retry-safety classification, bounded
// backoff, cancellation, and progress reporting layered on top of the
// name→handler table in internal/mcp. It generalizes the ad hoc
// retry/backoff logic already present in mcp.Proxy.callUpstreamWithRetry
// into the registry-level contract the turn runloop and the ACP bridge
// both rely on.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vtcode/core/internal/mcp"
)

// TimeoutCategory buckets a tool by how long it may reasonably run and
// whether a timeout is worth retrying.
type TimeoutCategory int

const (
	CategoryDefault TimeoutCategory = iota
	CategoryLongRunning
	CategoryInteractive
)

func (c TimeoutCategory) String() string {
	switch c {
	case CategoryLongRunning:
		return "long_running"
	case CategoryInteractive:
		return "interactive"
	default:
		return "default"
	}
}

type categoryPolicy struct {
	Ceiling     time.Duration // 0 means no ceiling (session-bound, e.g. Interactive)
	Recoverable bool
}

var categoryPolicies = map[TimeoutCategory]categoryPolicy{
	CategoryDefault:     {Ceiling: 30 * time.Second, Recoverable: true},
	CategoryLongRunning: {Ceiling: 5 * time.Minute, Recoverable: false},
	CategoryInteractive: {Ceiling: 0, Recoverable: true},
}

// Permission is a tool's default consent requirement absent an explicit
// session policy override.
type Permission int

const (
	PermissionAllow Permission = iota
	PermissionPrompt
	PermissionDeny
)

// RetryClassifier inspects a call's arguments to refine the declared
// RetrySafeDefault (e.g. task_tracker is retry-safe for list, create and
// add but not for update).
type RetryClassifier func(args json.RawMessage) bool

// Registration is the metadata the registry needs for one tool name. The
// executable behavior itself still lives in the mcp.Proxy handler map;
// Registration only adds the policy envelope around it.
type Registration struct {
	Name              string
	Category          TimeoutCategory
	DefaultPermission Permission
	IsMutating        bool
	IsParallelSafe    bool
	RetrySafeDefault  bool
	RetryClassifier   RetryClassifier // optional; nil means RetrySafeDefault always applies
}

// StatusKind classifies how a dispatch attempt concluded.
type StatusKind int

const (
	StatusSuccess StatusKind = iota
	StatusFailure
	StatusTimeout
	StatusCancelled
)

func (k StatusKind) String() string {
	switch k {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusTimeout:
		return "timeout"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Status is the dispatcher's final verdict for one tool call.
type Status struct {
	Kind        StatusKind
	Value       *mcp.ToolResult
	Err         error
	Recoverable bool
	Attempts    int
	RetriesUsed int
}

// ErrUnknownTool is returned when a call names a tool the dispatcher has no
// registration or handler for.
var ErrUnknownTool = errors.New("unknown tool")

// ProgressFunc is called at each stage transition of a dispatch attempt:
// "preparing", "executing", "retrying".
type ProgressFunc func(toolName, stage string, attempt int)

// ToolCaller is the subset of mcp.Proxy the dispatcher needs to run a
// call. It is an interface (rather than a concrete *mcp.Proxy field) so
// the ACP bridge can interpose a permission-gating wrapper around the
// same handler map without the registry knowing about ACP at all.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*mcp.ToolResult, error)
}

// Dispatcher executes tool calls against a ToolCaller's handler map under
// the §4.3 policy envelope (timeout categories, retry safety, backoff,
// cancellation, parallel-safe batching).
type Dispatcher struct {
	proxy ToolCaller

	mu    sync.RWMutex
	regs  map[string]Registration
	order []string // registration insertion order, returned by Names

	Progress ProgressFunc
}

// NewDispatcher builds a dispatcher over proxy with the default tool
// registrations. Callers may Register additional tools (e.g. MCP-exposed
// upstream tools) afterward; unregistered tool names fall back to
// CategoryDefault with RetrySafeDefault=false (the conservative default).
func NewDispatcher(proxy ToolCaller) *Dispatcher {
	d := &Dispatcher{proxy: proxy, regs: make(map[string]Registration)}
	for _, r := range DefaultRegistrations() {
		d.Register(r)
	}
	return d
}

// Register adds or replaces a tool's dispatch metadata.
func (d *Dispatcher) Register(r Registration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.regs[r.Name]; !exists {
		d.order = append(d.order, r.Name)
	}
	d.regs[r.Name] = r
}

// MutatingToolNames returns the subset of registered tools flagged
// IsMutating, for callers (e.g. the ACP bridge's permission gate) that
// need to know which calls require consent independent of the registry's
// internal registration map.
func (d *Dispatcher) MutatingToolNames() map[string]bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]bool)
	for name, r := range d.regs {
		if r.IsMutating {
			out[name] = true
		}
	}
	return out
}

// Names returns registered tool names in deterministic (insertion) order.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

func (d *Dispatcher) registrationFor(name string) Registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if r, ok := d.regs[name]; ok {
		return r
	}
	return Registration{Name: name, Category: CategoryDefault, DefaultPermission: PermissionPrompt}
}

// IsRetrySafe reports whether a specific call (name + arguments) may be
// retried without externally visible side effects.
func (d *Dispatcher) IsRetrySafe(name string, args json.RawMessage) bool {
	r := d.registrationFor(name)
	if r.RetryClassifier != nil {
		return r.RetryClassifier(args)
	}
	return r.RetrySafeDefault
}

const (
	retryBackoffBase = 175 * time.Millisecond
	maxRetryBackoff  = 10 * time.Second
	jitterMin        = 75 * time.Millisecond
	jitterMax        = 225 * time.Millisecond
	minRemainingGate = time.Second
)

// backoffFor computes the delay before attempt+1, per §4.3's
// max(RETRY_BACKOFF_BASE × 2^min(attempt,4), 350ms) + jitter(75..225ms),
// capped at MAX_RETRY_BACKOFF.
func backoffFor(attempt int) time.Duration {
	exp := attempt
	if exp > 4 {
		exp = 4
	}
	if exp < 0 {
		exp = 0
	}
	base := retryBackoffBase * time.Duration(int64(1)<<uint(exp))
	if base < 350*time.Millisecond {
		base = 350 * time.Millisecond
	}
	jitter := jitterMin + time.Duration(rand.Int63n(int64(jitterMax-jitterMin+1)))
	delay := base + jitter
	if delay > maxRetryBackoff {
		delay = maxRetryBackoff
	}
	return delay
}

// isRetryableFailure classifies a handler-level error as belonging to the
// Timeout or NetworkError families (§4.3 step 6); anything else is a
// terminal failure regardless of retry_allowed.
func isRetryableFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "timed out", "deadline exceeded", "connection reset", "connection refused", "network", "eof", "temporary failure", "rate limit", "429", "503"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Execute runs one tool call under the full §4.3 dispatch algorithm:
// prevalidate, compute deadline, attempt loop with classification and
// bounded retry, cancellation at every suspension point.
func (d *Dispatcher) Execute(ctx context.Context, name string, args json.RawMessage, cancel <-chan struct{}) Status {
	reg := d.registrationFor(name)
	policy := categoryPolicies[reg.Category]
	retryAllowed := d.IsRetrySafe(name, args)

	var deadline time.Time
	if policy.Ceiling > 0 {
		deadline = time.Now().Add(policy.Ceiling)
	}

	var attempts, retries int
	for {
		attempts++
		if isCancelled(cancel) {
			return d.finish(name, Status{Kind: StatusCancelled, Attempts: attempts, RetriesUsed: retries})
		}
		d.emit(name, "preparing", attempts)
		d.emit(name, "executing", attempts)

		result := d.attempt(ctx, name, args, deadline, cancel)
		if result.Kind == StatusSuccess || result.Kind == StatusCancelled {
			result.Attempts, result.RetriesUsed = attempts, retries
			return d.finish(name, result)
		}

		if !retryAllowed {
			result.Attempts, result.RetriesUsed = attempts, retries
			return d.finish(name, result)
		}
		if result.Kind == StatusTimeout && !policy.Recoverable {
			result.Attempts, result.RetriesUsed = attempts, retries
			return d.finish(name, result)
		}
		if result.Kind == StatusFailure && !isRetryableFailure(result.Err) {
			result.Attempts, result.RetriesUsed = attempts, retries
			return d.finish(name, result)
		}

		if !deadline.IsZero() && time.Until(deadline) < minRemainingGate {
			result.Kind = StatusTimeout
			result.Attempts, result.RetriesUsed = attempts, retries
			return d.finish(name, result)
		}

		delay := backoffFor(attempts)
		d.emit(name, "retrying", attempts)
		select {
		case <-time.After(delay):
		case <-cancel:
			return d.finish(name, Status{Kind: StatusCancelled, Attempts: attempts, RetriesUsed: retries})
		case <-ctx.Done():
			return d.finish(name, Status{Kind: StatusCancelled, Attempts: attempts, RetriesUsed: retries})
		}
		retries++
	}
}

func (d *Dispatcher) finish(name string, status Status) Status {
	log.Debug().
		Str("tool", name).
		Str("status", status.Kind.String()).
		Int("attempts", status.Attempts).
		Int("retries_used", status.RetriesUsed).
		Bool("success", status.Kind == StatusSuccess).
		Msg("tool dispatch outcome")
	return status
}

type attemptResult struct {
	value *mcp.ToolResult
	err   error
}

func (d *Dispatcher) attempt(ctx context.Context, name string, args json.RawMessage, deadline time.Time, cancel <-chan struct{}) Status {
	callCtx := ctx
	var cancelFn context.CancelFunc
	if !deadline.IsZero() {
		callCtx, cancelFn = context.WithDeadline(ctx, deadline)
	} else {
		callCtx, cancelFn = context.WithCancel(ctx)
	}
	defer cancelFn()

	done := make(chan attemptResult, 1)
	go func() {
		value, err := d.proxy.CallTool(callCtx, name, args)
		done <- attemptResult{value, err}
	}()

	select {
	case <-cancel:
		return Status{Kind: StatusCancelled}
	case r := <-done:
		if r.err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return Status{Kind: StatusTimeout, Err: r.err, Recoverable: categoryPolicies[d.registrationFor(name).Category].Recoverable}
			}
			return Status{Kind: StatusFailure, Err: r.err}
		}
		if r.value != nil && r.value.IsError {
			return Status{Kind: StatusFailure, Err: errors.New(extractText(r.value)), Value: r.value}
		}
		return Status{Kind: StatusSuccess, Value: r.value}
	case <-callCtx.Done():
		if callCtx.Err() == context.DeadlineExceeded {
			return Status{Kind: StatusTimeout, Recoverable: categoryPolicies[d.registrationFor(name).Category].Recoverable}
		}
		return Status{Kind: StatusCancelled}
	}
}

func isCancelled(cancel <-chan struct{}) bool {
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

func extractText(r *mcp.ToolResult) string {
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "tool returned an error"
	}
	return b.String()
}

// Call bundles a name and its raw arguments — the subset of provider.ToolCall
// the dispatcher needs, kept independent of the provider package to avoid an
// import cycle (runloop depends on both).
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ExecuteBatch runs a batch of tool calls, the way the runloop does for one
// assistant message's tool_calls array. Parallel-safe calls run
// concurrently; others serialize. Results are always returned in call order,
// regardless of completion order (§4.3 "Parallel execution").
func (d *Dispatcher) ExecuteBatch(ctx context.Context, calls []Call, cancel <-chan struct{}) []Status {
	results := make([]Status, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		i, call := i, call
		if d.registrationFor(call.Name).IsParallelSafe {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = d.Execute(ctx, call.Name, call.Arguments, cancel)
			}()
			continue
		}
		// A non-parallel-safe call must not race with concurrently
		// in-flight parallel-safe calls, so drain those first.
		wg.Wait()
		results[i] = d.Execute(ctx, call.Name, call.Arguments, cancel)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) emit(name, stage string, attempt int) {
	if d.Progress != nil {
		d.Progress(name, stage, attempt)
	}
}
