// Package nucleus implements the per-task reasoning lifecycle: preflight
// (context sufficiency), a bounded inference loop with built-in context
// tools, and postcheck (outcome classification). The nucleus never sees the
// raw run state; it reads context through the query_context tool and asks
// for more through request_context_retrieval.
package nucleus

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/acm-runtime/acm/pkg/contracts"
	"github.com/acm-runtime/acm/pkg/llm"
	"github.com/acm-runtime/acm/pkg/scope"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultMaxQueryRounds       = 25
	DefaultMaxContextTokens     = 128_000
	DefaultMaxPreflightAttempts = 3

	// budgetThreshold is the fraction of MaxContextTokens at which the
	// loop stops offering built-in tools and demands a final answer.
	budgetThreshold = 0.85
)

// Preflight statuses.
type PreflightStatus string

const (
	PreflightOK           PreflightStatus = "OK"
	PreflightNeedsContext PreflightStatus = "NEEDS_CONTEXT"
)

// Postcheck statuses.
type PostcheckStatus string

const (
	PostcheckComplete          PostcheckStatus = "COMPLETE"
	PostcheckNeedsCompensation PostcheckStatus = "NEEDS_COMPENSATION"
	PostcheckEscalate          PostcheckStatus = "ESCALATE"
)

// Binding pins a nucleus invocation to one task of one run. ContextRef is
// the content address of the packet the invocation started from.
type Binding struct {
	GoalID       string
	PlanID       string
	TaskID       string
	ContextRef   string
	AllowedTools []string
}

// PreflightResult is the verdict of the context sufficiency check.
type PreflightResult struct {
	Status     PreflightStatus
	Directives []string
	Reason     string
}

// PostcheckResult classifies a task outcome.
type PostcheckResult struct {
	Status PostcheckStatus
	Reason string
}

// PreflightFunc decides whether the bound context suffices for the task
// input. Returning NEEDS_CONTEXT with directives triggers retrieval and a
// bounded re-check.
type PreflightFunc func(ctx context.Context, b Binding, cp *contracts.ContextPacket, input map[string]any) (PreflightResult, error)

// PostcheckFunc classifies the task output after execution.
type PostcheckFunc func(ctx context.Context, b Binding, output map[string]any) (PostcheckResult, error)

// Fulfiller resolves retrieval directives and returns the possibly-augmented
// context packet. The executor wires this to the retrieval pipeline.
type Fulfiller func(ctx context.Context, directives []string) (*contracts.ContextPacket, error)

// Session is the mutable state of one invocation: the live context packet,
// the task's internal scope, and the retrieval escape hatch.
type Session struct {
	Binding     Binding
	Context     *contracts.ContextPacket
	Scope       *scope.Scope
	Assumptions []string
	Fulfill     Fulfiller
}

// Inference describes one model round, for ledger mirroring.
type Inference struct {
	Round           int
	EstimatedTokens int
	ToolCalls       []string
	Final           bool
}

// Metrics summarizes an invocation.
type Metrics struct {
	Rounds              int
	EstimatedTokens     int
	BudgetExhausted     bool
	DirectivesRequested int
}

// Result is the outcome of Invoke.
type Result struct {
	Response *llm.Response
	Context  *contracts.ContextPacket
	Metrics  Metrics
}

// Config tunes a nucleus. Zero values take the package defaults.
type Config struct {
	LLM                  llm.Config
	MaxQueryRounds       int
	MaxContextTokens     int
	MaxPreflightAttempts int
	Limiter              *rate.Limiter
	Preflight            PreflightFunc
	Postcheck            PostcheckFunc
	// OnInference is called after every model round. Must not block.
	OnInference func(Inference)
}

// Nucleus runs bounded inference loops against a single Caller.
type Nucleus struct {
	caller llm.Caller
	cfg    Config
}

// New creates a nucleus. The caller is required.
func New(caller llm.Caller, cfg Config) (*Nucleus, error) {
	if caller == nil {
		return nil, fmt.Errorf("nucleus: caller is required")
	}
	if cfg.MaxQueryRounds <= 0 {
		cfg.MaxQueryRounds = DefaultMaxQueryRounds
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = DefaultMaxContextTokens
	}
	if cfg.MaxPreflightAttempts <= 0 {
		cfg.MaxPreflightAttempts = DefaultMaxPreflightAttempts
	}
	return &Nucleus{caller: caller, cfg: cfg}, nil
}

// RunPreflight drives the bounded sufficiency loop. Each NEEDS_CONTEXT
// verdict fulfills the returned directives and re-checks, up to
// MaxPreflightAttempts; exhaustion is a ContextUnavailable failure.
// Without a preflight hook the context is assumed sufficient.
func (n *Nucleus) RunPreflight(ctx context.Context, s *Session, input map[string]any) error {
	if n.cfg.Preflight == nil {
		return nil
	}
	for attempt := 1; attempt <= n.cfg.MaxPreflightAttempts; attempt++ {
		res, err := n.cfg.Preflight(ctx, s.Binding, s.Context, input)
		if err != nil {
			return contracts.WrapRunError(contracts.KindContextUnavailable, s.Binding.TaskID, err, "preflight")
		}
		if res.Status == PreflightOK {
			return nil
		}
		if len(res.Directives) == 0 || s.Fulfill == nil {
			return contracts.NewRunError(contracts.KindContextUnavailable, s.Binding.TaskID,
				"preflight needs context but no directives can be fulfilled: %s", res.Reason)
		}
		next, err := s.Fulfill(ctx, res.Directives)
		if err != nil {
			return contracts.WrapRunError(contracts.KindContextUnavailable, s.Binding.TaskID, err, "preflight retrieval")
		}
		s.Context = next
	}
	return contracts.NewRunError(contracts.KindContextUnavailable, s.Binding.TaskID,
		"preflight still needs context after %d attempts", n.cfg.MaxPreflightAttempts)
}

// RunPostcheck classifies the output. Without a hook the outcome is COMPLETE.
func (n *Nucleus) RunPostcheck(ctx context.Context, s *Session, output map[string]any) (PostcheckResult, error) {
	if n.cfg.Postcheck == nil {
		return PostcheckResult{Status: PostcheckComplete}, nil
	}
	return n.cfg.Postcheck(ctx, s.Binding, output)
}

// Invoke runs the bounded inference loop. Built-in tools (query_context,
// request_context_retrieval) are answered internally; any other tool call
// ends the loop and is handed back to the caller. Token budget exhaustion
// strips the built-ins and demands a final answer; it is not an error.
func (n *Nucleus) Invoke(ctx context.Context, s *Session, prompt string, userTools []llm.ToolDefinition) (*Result, error) {
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt(s)},
		{Role: "user", Content: prompt},
	}

	metrics := Metrics{}
	var last *llm.Response
	forcedFinal := false

	for round := 1; round <= n.cfg.MaxQueryRounds; round++ {
		if err := n.wait(ctx); err != nil {
			return nil, err
		}

		est := EstimateTokens(messages)
		metrics.EstimatedTokens = est
		tools := userTools
		if forcedFinal || float64(est) >= budgetThreshold*float64(n.cfg.MaxContextTokens) {
			if !forcedFinal {
				metrics.BudgetExhausted = true
				messages = append(messages, llm.Message{
					Role:    "system",
					Content: "Context budget reached. Produce your final answer now using what you already have.",
				})
			}
			forcedFinal = true
		} else {
			tools = append(builtinTools(), userTools...)
		}

		resp, err := n.caller(ctx, messages, tools, n.cfg.LLM)
		if err != nil {
			return nil, contracts.WrapRunError(contracts.KindTaskError, s.Binding.TaskID, err, "inference")
		}
		metrics.Rounds = round
		last = resp

		builtins, external := splitCalls(resp.ToolCalls)
		n.observe(Inference{
			Round:           round,
			EstimatedTokens: est,
			ToolCalls:       callNames(resp.ToolCalls),
			Final:           len(resp.ToolCalls) == 0 || len(external) > 0,
		})

		// Final answer, or tool calls the task itself must dispatch.
		if len(builtins) == 0 {
			return &Result{Response: resp, Context: s.Context, Metrics: metrics}, nil
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content})
		for _, call := range builtins {
			answer, err := n.answerBuiltin(ctx, s, call, &metrics)
			if err != nil {
				return nil, err
			}
			messages = append(messages, llm.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    answer,
			})
		}
		// External calls alongside builtins are dropped this round; the
		// model re-issues them once it has the context it asked for.
		_ = external
	}

	// Round budget exhausted: one last call with no tools at all.
	metrics.BudgetExhausted = true
	if err := n.wait(ctx); err != nil {
		return nil, err
	}
	messages = append(messages, llm.Message{
		Role:    "system",
		Content: "Query round budget reached. Produce your final answer now.",
	})
	resp, err := n.caller(ctx, messages, nil, n.cfg.LLM)
	if err != nil {
		if last != nil {
			return &Result{Response: last, Context: s.Context, Metrics: metrics}, nil
		}
		return nil, contracts.WrapRunError(contracts.KindTaskError, s.Binding.TaskID, err, "inference")
	}
	metrics.Rounds++
	metrics.EstimatedTokens = EstimateTokens(messages)
	n.observe(Inference{Round: metrics.Rounds, EstimatedTokens: metrics.EstimatedTokens, Final: true})
	return &Result{Response: resp, Context: s.Context, Metrics: metrics}, nil
}

func (n *Nucleus) wait(ctx context.Context) error {
	if n.cfg.Limiter == nil {
		return nil
	}
	if err := n.cfg.Limiter.Wait(ctx); err != nil {
		return contracts.WrapRunError(contracts.KindCancelled, "", err, "rate limit wait")
	}
	return nil
}

func (n *Nucleus) observe(inf Inference) {
	if n.cfg.OnInference != nil {
		n.cfg.OnInference(inf)
	}
}

func (n *Nucleus) answerBuiltin(ctx context.Context, s *Session, call llm.ToolCall, metrics *Metrics) (string, error) {
	switch call.Name {
	case toolQueryContext:
		return queryContext(s, call.Input), nil
	case toolRequestRetrieval:
		directives := stringSlice(call.Input["directives"])
		metrics.DirectivesRequested += len(directives)
		if s.Fulfill == nil {
			return encodeToolResult(map[string]any{"error": "retrieval is not available for this task"}), nil
		}
		next, err := s.Fulfill(ctx, directives)
		if err != nil {
			return encodeToolResult(map[string]any{"error": err.Error()}), nil
		}
		s.Context = next
		return queryContext(s, map[string]any{"op": "list"}), nil
	default:
		return "", fmt.Errorf("nucleus: unexpected builtin %q", call.Name)
	}
}

func systemPrompt(s *Session) string {
	return fmt.Sprintf(
		"You are executing task %s of plan %s for goal %s.\n"+
			"Ground every claim in the bound context (ref %s). Call query_context before "+
			"producing structured output, and cite the fact keys and artifact ids that "+
			"informed your answer. Use request_context_retrieval when required information "+
			"is missing. Never invent facts the context does not contain.",
		s.Binding.TaskID, s.Binding.PlanID, s.Binding.GoalID, s.Binding.ContextRef)
}

func splitCalls(calls []llm.ToolCall) (builtins, external []llm.ToolCall) {
	for _, c := range calls {
		if c.Name == toolQueryContext || c.Name == toolRequestRetrieval {
			builtins = append(builtins, c)
		} else {
			external = append(external, c)
		}
	}
	return builtins, external
}

func callNames(calls []llm.ToolCall) []string {
	if len(calls) == 0 {
		return nil
	}
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func encodeToolResult(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(raw)
}
