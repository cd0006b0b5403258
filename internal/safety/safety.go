// Package safety decides whether a command argument vector is allowed to
// run. The evaluator is pure (a function of argv and an optional policy
// verdict) except for a bounded decision cache.
//
// It generalizes the block-function list VTCode's shell package used
// (CommandsBlocker/ArgumentsBlocker exact/prefix matching) into a full
// per-command rule table with reasons, and reuses the same shell-lexer
// dependency (mvdan.cc/sh/v3/syntax) to recurse into `bash -lc`/`sh -c`
// payloads instead of regexing them.
package safety

import (
	"strings"
	"sync"

	"mvdan.cc/sh/v3/syntax"
)

// Reason classifies why a decision was reached.
type Reason int

const (
	SafetyAllow Reason = iota
	SafetyDeny
	DangerousCommand
	PolicyAllow
	PolicyDeny
	CacheHit
	Unknown
)

func (r Reason) String() string {
	switch r {
	case SafetyAllow:
		return "safety_allow"
	case SafetyDeny:
		return "safety_deny"
	case DangerousCommand:
		return "dangerous_command"
	case PolicyAllow:
		return "policy_allow"
	case PolicyDeny:
		return "policy_deny"
	case CacheHit:
		return "cache"
	case Unknown:
		return "unknown"
	}
	return "invalid"
}

// Policy is an optional external verdict layered on top of the safety
// evaluation (e.g. a user's explicit allow/deny for this session).
type Policy struct {
	Set     bool
	Allow   bool
	Message string
}

// Decision is the evaluator's output.
type Decision struct {
	Allowed          bool
	PrimaryReason    Reason
	PrimaryRule      string // which rule fired, for DangerousCommand/SafetyDeny
	SecondaryReasons []Reason
	FromCache        bool
}

// Evaluator holds the rule table and a bounded decision cache. Zero value is
// usable; NewEvaluator wires in the default rule set.
type Evaluator struct {
	rules    []rule
	mu       sync.Mutex
	cache    map[string]Decision
	cacheCap int
}

const defaultCacheCap = 512

// NewEvaluator builds an evaluator with VTCode's default per-command rules.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		rules:    defaultRules(),
		cache:    make(map[string]Decision),
		cacheCap: defaultCacheCap,
	}
}

// rule evaluates one command family. It returns (handled, allowed, ruleName).
// handled=false means this rule has no opinion and evaluation continues.
type rule func(argv []string) (handled, allowed bool, ruleName string)

// Evaluate runs the full pipeline (§4.4) with no external policy input.
func (e *Evaluator) Evaluate(argv []string) Decision {
	return e.EvaluateWithPolicy(argv, Policy{})
}

// EvaluateWithPolicy runs the pipeline, combining the safety verdict with an
// optional policy verdict. A policy deny always wins; a policy allow never
// overrides a safety deny (Invariant: dangerous-command denial is final).
func (e *Evaluator) EvaluateWithPolicy(argv []string, policy Policy) Decision {
	key := cacheKey(argv, policy)

	e.mu.Lock()
	if d, ok := e.cache[key]; ok {
		e.mu.Unlock()
		d.FromCache = true
		d.SecondaryReasons = append(append([]Reason{}, d.SecondaryReasons...), CacheHit)
		return d
	}
	e.mu.Unlock()

	decision := e.evaluateUncached(argv, policy)

	e.mu.Lock()
	if len(e.cache) >= e.cacheCap {
		// Bounded: drop an arbitrary entry rather than grow unbounded.
		for k := range e.cache {
			delete(e.cache, k)
			break
		}
	}
	e.cache[key] = decision
	e.mu.Unlock()

	return decision
}

func cacheKey(argv []string, policy Policy) string {
	var b strings.Builder
	for _, a := range argv {
		b.WriteString(a)
		b.WriteByte(0)
	}
	if policy.Set {
		if policy.Allow {
			b.WriteString("|policy=allow")
		} else {
			b.WriteString("|policy=deny")
		}
	}
	return b.String()
}

func (e *Evaluator) evaluateUncached(argv []string, policy Policy) Decision {
	safety := e.evaluateSafety(argv)

	if policy.Set && !policy.Allow {
		return Decision{
			Allowed:          false,
			PrimaryReason:    PolicyDeny,
			PrimaryRule:      policy.Message,
			SecondaryReasons: []Reason{safety.PrimaryReason},
		}
	}

	if !safety.Allowed && safety.PrimaryReason == DangerousCommand {
		// Invariant: a dangerous-command denial can never be overridden.
		return safety
	}
	if !safety.Allowed {
		return safety
	}

	if policy.Set && policy.Allow {
		return Decision{
			Allowed:          true,
			PrimaryReason:    PolicyAllow,
			PrimaryRule:      policy.Message,
			SecondaryReasons: []Reason{safety.PrimaryReason},
		}
	}
	return safety
}

// evaluateSafety runs steps 1-4 of the §4.4 pipeline: empty-argv rejection,
// sudo/doas unwrap, shell-lexer recursion, and per-command rules.
func (e *Evaluator) evaluateSafety(argv []string) Decision {
	argv = trimEmpty(argv)
	if len(argv) == 0 {
		return Decision{Allowed: false, PrimaryReason: SafetyDeny, PrimaryRule: "empty argv"}
	}

	argv = unwrapPrivilegeEscalation(argv)
	if len(argv) == 0 {
		return Decision{Allowed: false, PrimaryReason: SafetyDeny, PrimaryRule: "empty after sudo/doas unwrap"}
	}

	if isShellInvocation(argv[0]) {
		if script, ok := extractShellScript(argv); ok {
			return e.evaluateShellScript(script)
		}
	}

	for _, r := range e.rules {
		if handled, allowed, name := r(argv); handled {
			if allowed {
				return Decision{Allowed: true, PrimaryReason: SafetyAllow, PrimaryRule: name}
			}
			return Decision{Allowed: false, PrimaryReason: DangerousCommand, PrimaryRule: name}
		}
	}

	return Decision{Allowed: false, PrimaryReason: Unknown, PrimaryRule: argv[0]}
}

// evaluateShellScript parses an embedded `bash -lc "..."` payload with a
// real shell lexer and recursively evaluates every pipeline stage and
// command substitution; any stage that denies denies the whole script.
func (e *Evaluator) evaluateShellScript(script string) Decision {
	file, err := syntax.NewParser().Parse(strings.NewReader(script), "")
	if err != nil {
		// Unparseable shell text is treated as unknown, not silently allowed.
		return Decision{Allowed: false, PrimaryReason: Unknown, PrimaryRule: "unparseable shell script"}
	}

	var worst Decision
	worst.Allowed = true
	foundAny := false

	syntax.Walk(file, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		argv := make([]string, 0, len(call.Args))
		for _, w := range call.Args {
			argv = append(argv, wordLiteral(w))
		}
		if argv[0] == "" {
			return true
		}
		foundAny = true
		d := e.evaluateSafety(argv)
		if !d.Allowed && worst.Allowed {
			worst = d
		} else if !d.Allowed && d.PrimaryReason == DangerousCommand {
			worst = d
		}
		return true
	})

	if !foundAny {
		return Decision{Allowed: false, PrimaryReason: Unknown, PrimaryRule: "empty shell script"}
	}
	return worst
}

// wordLiteral extracts the literal text of a shell word when possible. It
// does not attempt full expansion; words containing substitutions are
// rendered with a marker so unknown-command handling applies rather than
// silently skipping them.
func wordLiteral(w *syntax.Word) string {
	var b strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(p.Value)
		case *syntax.SglQuoted:
			b.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, pp := range p.Parts {
				if lit, ok := pp.(*syntax.Lit); ok {
					b.WriteString(lit.Value)
				}
			}
		default:
			b.WriteString("\x00dynamic\x00")
		}
	}
	return b.String()
}

func isShellInvocation(cmd string) bool {
	switch cmd {
	case "bash", "sh", "zsh":
		return true
	}
	return false
}

// extractShellScript returns the -c/-lc payload of a shell invocation, if present.
func extractShellScript(argv []string) (string, bool) {
	for i := 1; i < len(argv); i++ {
		if argv[i] == "-c" || argv[i] == "-lc" {
			if i+1 < len(argv) {
				return argv[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

func unwrapPrivilegeEscalation(argv []string) []string {
	if len(argv) > 0 && (argv[0] == "sudo" || argv[0] == "doas") {
		return trimEmpty(argv[1:])
	}
	return argv
}

func trimEmpty(argv []string) []string {
	out := make([]string, 0, len(argv))
	for _, a := range argv {
		if strings.TrimSpace(a) != "" {
			out = append(out, a)
		}
	}
	return out
}
