// Package retrieval resolves free-form context directives (opaque strings
// like "crm:CUST-42" or "workspace.context:{...}") into artifacts. Directives
// are matched against registered providers first-match-wins; fulfilled
// artifacts land in the task's internal scope and, when flagged, are promoted
// into the durable context packet. Every step is recorded in the run ledger
// as CONTEXT_INTERNALIZED entries.
package retrieval

import (
	"context"
	"fmt"

	"github.com/acm-runtime/acm/pkg/contracts"
	"github.com/acm-runtime/acm/pkg/ledger"
	"github.com/acm-runtime/acm/pkg/registry"
	"github.com/acm-runtime/acm/pkg/scope"
)

// Fulfillment statuses recorded per directive.
const (
	StatusRequested = "requested"
	StatusUnmatched = "unmatched"
	StatusFailed    = "failed"
	StatusTruncated = "truncated"
	StatusResolved  = "resolved"
)

// Provider binds a directive-match predicate to a tool that produces
// artifacts. The core never parses directives itself; BuildInput owns the
// namespace:payload convention.
type Provider struct {
	Name       string
	Match      func(directive string) bool
	BuildInput func(directive string, cp *contracts.ContextPacket) (map[string]any, error)
	Tool       registry.Tool
	// AutoPromote promotes every returned artifact regardless of the
	// artifact's own promote flag.
	AutoPromote bool
	// MaxArtifacts caps artifacts accepted per directive; zero means no cap.
	MaxArtifacts int
	Describe     string
}

// Result summarizes one directive's fulfillment.
type Result struct {
	Directive   string   `json:"directive"`
	Status      string   `json:"status"`
	Provider    string   `json:"provider,omitempty"`
	ArtifactIDs []string `json:"artifact_ids,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Pipeline matches directives to providers in registration order.
type Pipeline struct {
	providers []Provider
}

// NewPipeline creates a pipeline over the given providers.
func NewPipeline(providers ...Provider) *Pipeline {
	return &Pipeline{providers: providers}
}

// Register appends a provider. Registration happens before a run starts;
// the pipeline is immutable during execution.
func (p *Pipeline) Register(provider Provider) {
	p.providers = append(p.providers, provider)
}

// Fulfill resolves each directive sequentially (deterministic artifact
// ordering) and returns the possibly-augmented context packet. A provider
// failure aborts only that directive; remaining directives continue.
func (p *Pipeline) Fulfill(
	ctx context.Context,
	directives []string,
	sc *scope.Scope,
	cp *contracts.ContextPacket,
	led *ledger.Ledger,
) (*contracts.ContextPacket, []Result, error) {
	results := make([]Result, 0, len(directives))
	for _, directive := range directives {
		if err := ctx.Err(); err != nil {
			return cp, results, err
		}
		if err := record(led, StatusRequested, directive, nil, ""); err != nil {
			return cp, results, err
		}

		provider := p.match(directive)
		if provider == nil {
			if err := record(led, StatusUnmatched, directive, nil, ""); err != nil {
				return cp, results, err
			}
			results = append(results, Result{Directive: directive, Status: StatusUnmatched})
			continue
		}

		next, res, err := fulfillOne(ctx, *provider, directive, sc, cp, led)
		if err != nil {
			return cp, results, err
		}
		cp = next
		results = append(results, res)
	}
	return cp, results, nil
}

func (p *Pipeline) match(directive string) *Provider {
	for i := range p.providers {
		if p.providers[i].Match != nil && p.providers[i].Match(directive) {
			return &p.providers[i]
		}
	}
	return nil
}

func fulfillOne(
	ctx context.Context,
	provider Provider,
	directive string,
	sc *scope.Scope,
	cp *contracts.ContextPacket,
	led *ledger.Ledger,
) (*contracts.ContextPacket, Result, error) {
	fail := func(cause error) (*contracts.ContextPacket, Result, error) {
		if err := record(led, StatusFailed, directive, nil, cause.Error()); err != nil {
			return cp, Result{}, err
		}
		return cp, Result{
			Directive: directive,
			Status:    StatusFailed,
			Provider:  provider.Name,
			Error:     cause.Error(),
		}, nil
	}

	input := map[string]any{}
	if provider.BuildInput != nil {
		built, err := provider.BuildInput(directive, cp)
		if err != nil {
			return fail(fmt.Errorf("build input: %w", err))
		}
		input = built
	}

	raw, err := provider.Tool.Call(ctx, input)
	if err != nil {
		return fail(fmt.Errorf("tool %s: %w", provider.Tool.Name(), err))
	}
	artifacts, err := coerceArtifacts(raw)
	if err != nil {
		return fail(err)
	}

	var accepted []string
	truncated := false
	for i, a := range artifacts {
		if provider.MaxArtifacts > 0 && i >= provider.MaxArtifacts {
			truncated = true
			break
		}
		if a.Provenance == nil {
			a.Provenance = map[string]any{}
		}
		a.Provenance["directive"] = directive
		a.Provenance["provider"] = provider.Name

		added, err := sc.Append(a)
		if err != nil {
			// Scope budget exhausted: remaining artifacts are dropped.
			truncated = true
			break
		}
		_ = added // duplicates still count as fulfilled
		accepted = append(accepted, a.ID)

		if a.Promote || provider.AutoPromote {
			cp = cp.WithAugmentation(a)
		}
	}

	if truncated {
		if err := record(led, StatusTruncated, directive, accepted, ""); err != nil {
			return cp, Result{}, err
		}
	}
	if err := record(led, StatusResolved, directive, accepted, ""); err != nil {
		return cp, Result{}, err
	}
	return cp, Result{
		Directive:   directive,
		Status:      StatusResolved,
		Provider:    provider.Name,
		ArtifactIDs: accepted,
	}, nil
}

// coerceArtifacts accepts the artifact shapes a provider tool may return.
func coerceArtifacts(raw any) ([]contracts.Artifact, error) {
	normalize := func(a contracts.Artifact) (contracts.Artifact, error) {
		if a.ID != "" {
			return a, nil
		}
		built, err := contracts.NewArtifact(a.Type, a.Content)
		if err != nil {
			return contracts.Artifact{}, err
		}
		built.Promote = a.Promote
		built.Provenance = a.Provenance
		return built, nil
	}

	switch v := raw.(type) {
	case nil:
		return nil, nil
	case contracts.Artifact:
		a, err := normalize(v)
		if err != nil {
			return nil, err
		}
		return []contracts.Artifact{a}, nil
	case *contracts.Artifact:
		if v == nil {
			return nil, nil
		}
		a, err := normalize(*v)
		if err != nil {
			return nil, err
		}
		return []contracts.Artifact{a}, nil
	case []contracts.Artifact:
		out := make([]contracts.Artifact, 0, len(v))
		for _, a := range v {
			na, err := normalize(a)
			if err != nil {
				return nil, err
			}
			out = append(out, na)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("retrieval: tool returned %T, want Artifact or []Artifact", raw)
	}
}

func record(led *ledger.Ledger, status, directive string, artifactIDs []string, errMsg string) error {
	if led == nil {
		return nil
	}
	details := map[string]any{
		"status":    status,
		"directive": directive,
	}
	if len(artifactIDs) > 0 {
		details["artifact_ids"] = artifactIDs
	}
	if errMsg != "" {
		details["error"] = errMsg
	}
	_, err := led.Append(ledger.EventContextInternalized, details)
	return err
}
