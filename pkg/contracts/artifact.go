package contracts

import (
	"fmt"

	"github.com/acm-runtime/acm/pkg/canonicalize"
)

// Artifact is a typed unit of retrieved data. Identity is content-addressed:
// (type, sha256(content)), so the same payload retrieved twice de-duplicates.
type Artifact struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"` // namespaced, e.g. "crm.customer"
	Content    any            `json:"content"`
	Promote    bool           `json:"promote,omitempty"`
	Provenance map[string]any `json:"provenance,omitempty"`
	SizeBytes  int64          `json:"size_bytes"`
}

// NewArtifact builds an artifact with its content-addressed ID and size
// computed from the JCS-canonical form of content.
func NewArtifact(artifactType string, content any) (Artifact, error) {
	canonical, err := canonicalize.JCS(content)
	if err != nil {
		return Artifact{}, fmt.Errorf("artifact %q: %w", artifactType, err)
	}
	return Artifact{
		ID:        ArtifactID(artifactType, canonical),
		Type:      artifactType,
		Content:   content,
		SizeBytes: int64(len(canonical)),
	}, nil
}

// ArtifactID computes sha256(type ‖ canonicalContent), hex-encoded.
func ArtifactID(artifactType string, canonicalContent []byte) string {
	return canonicalize.HashBytes(append([]byte(artifactType), canonicalContent...))
}
