package contracts

// ContextPacket is an immutable bundle of facts and augmentations,
// content-addressed by Ref(). Mutation always goes through copy-on-write
// helpers; the executor never modifies a packet in place.
type ContextPacket struct {
	ID            string         `json:"id"`
	Facts         map[string]any `json:"facts,omitempty"`
	Augmentations []Artifact     `json:"augmentations,omitempty"`
	Version       string         `json:"version,omitempty"`
}

// Ref returns the content address of the packet:
// sha256 of the JCS-canonical form of facts plus augmentations.
func (c *ContextPacket) Ref() (string, error) {
	return hashContext(c.Facts, c.Augmentations)
}

// WithAugmentation returns a new packet with a appended. Promotion is
// idempotent: if an artifact with the same ID is already present, the
// receiver is returned unchanged.
func (c *ContextPacket) WithAugmentation(a Artifact) *ContextPacket {
	for _, existing := range c.Augmentations {
		if existing.ID == a.ID {
			return c
		}
	}
	next := c.clone()
	next.Augmentations = append(next.Augmentations, a)
	return next
}

// WithFact returns a new packet with the fact set.
func (c *ContextPacket) WithFact(key string, value any) *ContextPacket {
	next := c.clone()
	if next.Facts == nil {
		next.Facts = make(map[string]any, 1)
	}
	next.Facts[key] = value
	return next
}

// HasAugmentationType reports whether any promoted artifact has the given
// type.
func (c *ContextPacket) HasAugmentationType(artifactType string) bool {
	for _, a := range c.Augmentations {
		if a.Type == artifactType {
			return true
		}
	}
	return false
}

// HasAugmentation reports whether an artifact with the given ID is promoted.
func (c *ContextPacket) HasAugmentation(id string) bool {
	for _, a := range c.Augmentations {
		if a.ID == id {
			return true
		}
	}
	return false
}

func (c *ContextPacket) clone() *ContextPacket {
	next := &ContextPacket{
		ID:      c.ID,
		Version: c.Version,
	}
	if c.Facts != nil {
		next.Facts = make(map[string]any, len(c.Facts))
		for k, v := range c.Facts {
			next.Facts[k] = v
		}
	}
	next.Augmentations = make([]Artifact, len(c.Augmentations))
	copy(next.Augmentations, c.Augmentations)
	return next
}

func hashContext(facts map[string]any, augmentations []Artifact) (string, error) {
	body := struct {
		Facts         map[string]any `json:"facts"`
		Augmentations []Artifact     `json:"augmentations"`
	}{facts, augmentations}
	return hashCanonical(body)
}
