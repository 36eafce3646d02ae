package contracts

// PolicyLimits optionally tightens task execution bounds as part of an
// allow decision.
type PolicyLimits struct {
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
	Retries   int   `json:"retries,omitempty"`
}

// PolicyDecision is the verdict rendered by a policy engine for one action.
type PolicyDecision struct {
	Allow  bool          `json:"allow"`
	Reason string        `json:"reason,omitempty"`
	Limits *PolicyLimits `json:"limits,omitempty"`
}
