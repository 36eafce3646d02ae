package nucleus

import (
	"sort"

	"github.com/acm-runtime/acm/pkg/llm"
)

// Built-in tool names. These are reserved; a capability must not register
// user tools under either name.
const (
	toolQueryContext     = "query_context"
	toolRequestRetrieval = "request_context_retrieval"
)

func builtinTools() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        toolQueryContext,
			Description: "Read the bound context packet and internal scope.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []any{"op"},
				"properties": map[string]any{
					"op": map[string]any{
						"type": "string",
						"enum": []any{"list", "read_fact", "read_augmentation", "read_assumptions", "read_artifact"},
					},
					"key": map[string]any{"type": "string"},
					"id":  map[string]any{"type": "string"},
				},
			},
		},
		{
			Name:        toolRequestRetrieval,
			Description: "Request retrieval of missing context. Directives are namespace:payload strings.",
			Parameters: map[string]any{
				"type":     "object",
				"required": []any{"directives"},
				"properties": map[string]any{
					"directives": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

// queryContext answers a query_context call against the session. Misses are
// reported inside the tool result so the model can correct itself; they are
// never errors.
func queryContext(s *Session, input map[string]any) string {
	op, _ := input["op"].(string)
	switch op {
	case "list":
		factKeys := make([]string, 0, len(s.Context.Facts))
		for k := range s.Context.Facts {
			factKeys = append(factKeys, k)
		}
		sort.Strings(factKeys)
		augs := make([]map[string]any, 0, len(s.Context.Augmentations))
		for _, a := range s.Context.Augmentations {
			augs = append(augs, map[string]any{"id": a.ID, "type": a.Type, "size_bytes": a.SizeBytes})
		}
		arts := []map[string]any{}
		if s.Scope != nil {
			for _, a := range s.Scope.Artifacts() {
				arts = append(arts, map[string]any{"id": a.ID, "type": a.Type, "size_bytes": a.SizeBytes})
			}
		}
		return encodeToolResult(map[string]any{
			"fact_keys":     factKeys,
			"augmentations": augs,
			"artifacts":     arts,
			"assumptions":   len(s.Assumptions),
		})

	case "read_fact":
		key, _ := input["key"].(string)
		if v, ok := s.Context.Facts[key]; ok {
			return encodeToolResult(map[string]any{"key": key, "value": v})
		}
		return encodeToolResult(map[string]any{"error": "no such fact", "key": key})

	case "read_augmentation":
		id, _ := input["id"].(string)
		for _, a := range s.Context.Augmentations {
			if a.ID == id {
				return encodeToolResult(map[string]any{"id": a.ID, "type": a.Type, "content": a.Content})
			}
		}
		return encodeToolResult(map[string]any{"error": "no such augmentation", "id": id})

	case "read_assumptions":
		return encodeToolResult(map[string]any{"assumptions": s.Assumptions})

	case "read_artifact":
		id, _ := input["id"].(string)
		if s.Scope != nil {
			if a, ok := s.Scope.Get(id); ok {
				return encodeToolResult(map[string]any{"id": a.ID, "type": a.Type, "content": a.Content})
			}
		}
		return encodeToolResult(map[string]any{"error": "no such artifact", "id": id})

	default:
		return encodeToolResult(map[string]any{"error": "unknown op", "op": op})
	}
}
