package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acm-runtime/acm/pkg/contracts"
	"github.com/acm-runtime/acm/pkg/ledger"
	"github.com/acm-runtime/acm/pkg/registry"
	"github.com/acm-runtime/acm/pkg/scope"
)

func crmProvider(t *testing.T, promote bool) Provider {
	t.Helper()
	return Provider{
		Name:  "crm",
		Match: func(d string) bool { return strings.HasPrefix(d, "crm:") },
		BuildInput: func(d string, _ *contracts.ContextPacket) (map[string]any, error) {
			return map[string]any{"customer_id": strings.TrimPrefix(d, "crm:")}, nil
		},
		Tool: registry.ToolFunc{
			ToolName: "crm_lookup",
			Fn: func(_ context.Context, input map[string]any) (any, error) {
				a, err := contracts.NewArtifact("crm.customer", map[string]any{
					"id":   input["customer_id"],
					"tier": "gold",
				})
				if err != nil {
					return nil, err
				}
				a.Promote = promote
				return a, nil
			},
		},
	}
}

func TestPipeline_ResolvesAndRecords(t *testing.T) {
	led := ledger.New()
	sc := scope.New()
	cp := &contracts.ContextPacket{ID: "ctx-1"}

	p := NewPipeline(crmProvider(t, false))
	next, results, err := p.Fulfill(context.Background(), []string{"crm:CUST-42"}, sc, cp, led)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, StatusResolved, results[0].Status)
	assert.Equal(t, "crm", results[0].Provider)
	require.Len(t, results[0].ArtifactIDs, 1)
	assert.Equal(t, 1, sc.Len())

	// Not promoted: the packet is unchanged.
	assert.Same(t, cp, next)

	entries := led.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.EventContextInternalized, entries[0].Type)
	assert.Equal(t, StatusRequested, entries[0].Details["status"])
	assert.Equal(t, StatusResolved, entries[1].Details["status"])

	a, ok := sc.Get(results[0].ArtifactIDs[0])
	require.True(t, ok)
	assert.Equal(t, "crm:CUST-42", a.Provenance["directive"])
	assert.Equal(t, "crm", a.Provenance["provider"])
}

func TestPipeline_PromotionIsCopyOnWrite(t *testing.T) {
	led := ledger.New()
	sc := scope.New()
	cp := &contracts.ContextPacket{ID: "ctx-1"}

	p := NewPipeline(crmProvider(t, true))
	next, _, err := p.Fulfill(context.Background(), []string{"crm:CUST-42"}, sc, cp, led)
	require.NoError(t, err)

	assert.NotSame(t, cp, next)
	assert.Empty(t, cp.Augmentations)
	require.Len(t, next.Augmentations, 1)
	assert.Equal(t, "crm.customer", next.Augmentations[0].Type)
}

func TestPipeline_UnmatchedDirective(t *testing.T) {
	led := ledger.New()
	p := NewPipeline(crmProvider(t, false))

	_, results, err := p.Fulfill(context.Background(), []string{"warehouse:SKU-9"}, scope.New(), &contracts.ContextPacket{}, led)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusUnmatched, results[0].Status)

	entries := led.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, StatusUnmatched, entries[1].Details["status"])
}

func TestPipeline_FirstMatchWins(t *testing.T) {
	var called string
	mk := func(name string) Provider {
		return Provider{
			Name:  name,
			Match: func(string) bool { return true },
			Tool: registry.ToolFunc{
				ToolName: name,
				Fn: func(context.Context, map[string]any) (any, error) {
					called = name
					return nil, nil
				},
			},
		}
	}
	p := NewPipeline(mk("first"), mk("second"))
	_, results, err := p.Fulfill(context.Background(), []string{"anything"}, scope.New(), &contracts.ContextPacket{}, ledger.New())
	require.NoError(t, err)
	assert.Equal(t, "first", called)
	assert.Equal(t, "first", results[0].Provider)
}

func TestPipeline_ProviderFailureAbortsOnlyThatDirective(t *testing.T) {
	failing := Provider{
		Name:  "flaky",
		Match: func(d string) bool { return strings.HasPrefix(d, "flaky:") },
		Tool: registry.ToolFunc{
			ToolName: "flaky_tool",
			Fn: func(context.Context, map[string]any) (any, error) {
				return nil, errors.New("upstream 503")
			},
		},
	}
	led := ledger.New()
	p := NewPipeline(failing, crmProvider(t, false))

	_, results, err := p.Fulfill(context.Background(),
		[]string{"flaky:x", "crm:CUST-1"},
		scope.New(), &contracts.ContextPacket{}, led)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "upstream 503")
	assert.Equal(t, StatusResolved, results[1].Status)
}

func TestPipeline_MaxArtifactsTruncates(t *testing.T) {
	bulk := Provider{
		Name:         "bulk",
		Match:        func(string) bool { return true },
		MaxArtifacts: 2,
		Tool: registry.ToolFunc{
			ToolName: "bulk_fetch",
			Fn: func(context.Context, map[string]any) (any, error) {
				var out []contracts.Artifact
				for _, n := range []int{1, 2, 3, 4} {
					a, err := contracts.NewArtifact("doc", map[string]any{"n": n})
					if err != nil {
						return nil, err
					}
					out = append(out, a)
				}
				return out, nil
			},
		},
	}
	led := ledger.New()
	sc := scope.New()
	p := NewPipeline(bulk)

	_, results, err := p.Fulfill(context.Background(), []string{"docs:*"}, sc, &contracts.ContextPacket{}, led)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, results[0].Status)
	assert.Len(t, results[0].ArtifactIDs, 2)
	assert.Equal(t, 2, sc.Len())

	var statuses []string
	for _, e := range led.Entries() {
		statuses = append(statuses, e.Details["status"].(string))
	}
	assert.Equal(t, []string{StatusRequested, StatusTruncated, StatusResolved}, statuses)
}

func TestPipeline_ScopeBudgetTruncates(t *testing.T) {
	sc := scope.New(scope.WithMaxArtifacts(1))
	led := ledger.New()
	bulk := Provider{
		Name:  "bulk",
		Match: func(string) bool { return true },
		Tool: registry.ToolFunc{
			ToolName: "bulk_fetch",
			Fn: func(context.Context, map[string]any) (any, error) {
				a1, _ := contracts.NewArtifact("doc", map[string]any{"n": 1})
				a2, _ := contracts.NewArtifact("doc", map[string]any{"n": 2})
				return []contracts.Artifact{a1, a2}, nil
			},
		},
	}
	p := NewPipeline(bulk)

	_, results, err := p.Fulfill(context.Background(), []string{"docs:*"}, sc, &contracts.ContextPacket{}, led)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, results[0].Status)
	assert.Len(t, results[0].ArtifactIDs, 1)
	assert.Equal(t, 1, sc.Len())
}

func TestPipeline_DuplicateArtifactDedupes(t *testing.T) {
	sc := scope.New()
	p := NewPipeline(crmProvider(t, false))

	_, r1, err := p.Fulfill(context.Background(), []string{"crm:CUST-42"}, sc, &contracts.ContextPacket{}, ledger.New())
	require.NoError(t, err)
	_, r2, err := p.Fulfill(context.Background(), []string{"crm:CUST-42"}, sc, &contracts.ContextPacket{}, ledger.New())
	require.NoError(t, err)

	assert.Equal(t, r1[0].ArtifactIDs, r2[0].ArtifactIDs)
	assert.Equal(t, 1, sc.Len(), "same content must not be stored twice")
}

func TestPipeline_ArtifactWithoutIDGetsOne(t *testing.T) {
	raw := Provider{
		Name:  "raw",
		Match: func(string) bool { return true },
		Tool: registry.ToolFunc{
			ToolName: "raw_fetch",
			Fn: func(context.Context, map[string]any) (any, error) {
				return contracts.Artifact{Type: "note", Content: "hello"}, nil
			},
		},
	}
	sc := scope.New()
	p := NewPipeline(raw)

	_, results, err := p.Fulfill(context.Background(), []string{"note:1"}, sc, &contracts.ContextPacket{}, ledger.New())
	require.NoError(t, err)
	require.Len(t, results[0].ArtifactIDs, 1)
	assert.NotEmpty(t, results[0].ArtifactIDs[0])
}

func TestPipeline_BadToolShapeFails(t *testing.T) {
	bad := Provider{
		Name:  "bad",
		Match: func(string) bool { return true },
		Tool: registry.ToolFunc{
			ToolName: "bad_tool",
			Fn: func(context.Context, map[string]any) (any, error) {
				return "just a string", nil
			},
		},
	}
	p := NewPipeline(bad)
	_, results, err := p.Fulfill(context.Background(), []string{"x"}, scope.New(), &contracts.ContextPacket{}, ledger.New())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "want Artifact")
}

func TestPipeline_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPipeline(crmProvider(t, false))
	_, _, err := p.Fulfill(ctx, []string{"crm:CUST-1"}, scope.New(), &contracts.ContextPacket{}, ledger.New())
	assert.ErrorIs(t, err, context.Canceled)
}
