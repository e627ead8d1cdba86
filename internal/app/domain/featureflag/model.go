// Package featureflag defines feature flags, their targeting rules and
// variations, and the evaluation request/response shapes.
package featureflag

import "time"

// Reason explains which precedence branch produced an evaluation result.
type Reason string

const (
	ReasonTargeting  Reason = "targeting"
	ReasonRollout    Reason = "rollout"
	ReasonDefault    Reason = "default"
	ReasonKillSwitch Reason = "kill_switch"
	ReasonDisabled   Reason = "disabled"
)

// Operator is a targeting-condition comparison.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpMatches     Operator = "matches"
	OpNotMatches  Operator = "not_matches"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpIn, OpNotIn, OpContains, OpNotContains,
		OpGreaterThan, OpLessThan, OpMatches, OpNotMatches:
		return true
	}
	return false
}

// Condition compares one user attribute against a list of values.
type Condition struct {
	Attribute string        `json:"attribute"`
	Operator  Operator      `json:"operator"`
	Values    []interface{} `json:"values"`
}

// TargetingRule selects a variation when every condition matches. An
// optional rollout percentage gates the rule to a bucketed fraction of
// matching users.
type TargetingRule struct {
	ID                string      `json:"id"`
	Description       string      `json:"description,omitempty"`
	Conditions        []Condition `json:"conditions"`
	VariationKey      string      `json:"variation_key"`
	RolloutPercentage *float64    `json:"rollout_percentage,omitempty"`
}

// Variation is one named value a flag can deliver.
type Variation struct {
	Key         string      `json:"key"`
	Value       interface{} `json:"value"`
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
}

// Flag is a named toggle with optional staged rollout and audience
// targeting. KillSwitch overrides everything, including Enabled.
type Flag struct {
	ID                string          `json:"id"`
	FlagKey           string          `json:"flag_key"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	SiteID            string          `json:"site_id,omitempty"`
	Enabled           bool            `json:"enabled"`
	KillSwitch        bool            `json:"kill_switch"`
	DefaultValue      interface{}     `json:"default_value"`
	TargetingRules    []TargetingRule `json:"targeting_rules"`
	RolloutPercentage float64         `json:"rollout_percentage"`
	Variations        []Variation     `json:"variations"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Variation returns the variation with the given key, if present.
func (f Flag) Variation(key string) (Variation, bool) {
	for _, v := range f.Variations {
		if v.Key == key {
			return v, true
		}
	}
	return Variation{}, false
}

// Evaluation is the append-only audit record of one flag decision. The
// engine only ever writes these.
type Evaluation struct {
	ID           string                 `json:"id"`
	FlagID       string                 `json:"flag_id"`
	FlagKey      string                 `json:"flag_key"`
	UserID       string                 `json:"user_id"`
	VariationKey string                 `json:"variation_key,omitempty"`
	Value        interface{}            `json:"value"`
	Reason       Reason                 `json:"reason"`
	Context      map[string]interface{} `json:"context,omitempty"`
	EvaluatedAt  time.Time              `json:"evaluated_at"`
}

// EvaluationRequest asks for a single flag decision.
type EvaluationRequest struct {
	FlagKey      string                 `json:"flag_key"`
	UserID       string                 `json:"user_id"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
	DefaultValue interface{}            `json:"default_value,omitempty"`
}

// EvaluationResponse is the outcome of a flag decision.
type EvaluationResponse struct {
	FlagKey      string      `json:"flag_key"`
	UserID       string      `json:"user_id"`
	VariationKey string      `json:"variation_key,omitempty"`
	Value        interface{} `json:"value"`
	Reason       Reason      `json:"reason"`
	Enabled      bool        `json:"enabled"`
	Cached       bool        `json:"cached,omitempty"`
}

// BulkEvaluationRequest evaluates several flags for one user. An empty
// FlagKeys list means every enabled, non-kill-switched flag.
type BulkEvaluationRequest struct {
	UserID     string                 `json:"user_id"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	FlagKeys   []string               `json:"flag_keys,omitempty"`
}

// BulkEvaluationResponse maps flag keys to their evaluation results.
type BulkEvaluationResponse struct {
	UserID      string                        `json:"user_id"`
	Flags       map[string]EvaluationResponse `json:"flags"`
	EvaluatedAt time.Time                     `json:"evaluated_at"`
}
