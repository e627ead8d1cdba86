// Package experiment defines the experiment aggregate: an A/B, feature-flag
// or holdout test, its variants, and the durable user/variant assignments.
package experiment

import (
	"encoding/json"
	"time"
)

// Type classifies an experiment.
type Type string

const (
	TypeABTest      Type = "ab_test"
	TypeFeatureFlag Type = "feature_flag"
	TypeHoldout     Type = "holdout"
)

// Valid reports whether t is a known experiment type.
func (t Type) Valid() bool {
	switch t {
	case TypeABTest, TypeFeatureFlag, TypeHoldout:
		return true
	}
	return false
}

// Status is the lifecycle state of an experiment.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusRunning, StatusPaused, StatusCompleted, StatusStopped:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped
}

// CanTransition reports whether the status edge from -> to is legal:
// draft -> running -> {paused <-> running} -> {completed | stopped}.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusDraft:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusPaused || to == StatusCompleted || to == StatusStopped
	case StatusPaused:
		return to == StatusRunning || to == StatusCompleted || to == StatusStopped
	}
	return false
}

// VariantType classifies a treatment arm.
type VariantType string

const (
	VariantControl     VariantType = "control"
	VariantTreatment   VariantType = "treatment"
	VariantFeatureFlag VariantType = "feature_flag"
)

// Valid reports whether t is a known variant type.
func (t VariantType) Valid() bool {
	switch t {
	case VariantControl, VariantTreatment, VariantFeatureFlag:
		return true
	}
	return false
}

// Experiment is a defined test with one or more variants competing for
// traffic. Variants are ordered; the order is load-bearing for bucketing.
type Experiment struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	Type              Type            `json:"type"`
	Status            Status          `json:"status"`
	TargetingRules    json.RawMessage `json:"targeting_rules,omitempty"`
	TrafficAllocation float64         `json:"traffic_allocation"`
	StartTime         *time.Time      `json:"start_time,omitempty"`
	EndTime           *time.Time      `json:"end_time,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	EndedAt           *time.Time      `json:"ended_at,omitempty"`
	StoppedReason     string          `json:"stopped_reason,omitempty"`
	Variants          []Variant       `json:"variants"`
}

// Variant is one treatment arm of an experiment. Config is an arbitrary
// JSON payload delivered to the client on assignment.
type Variant struct {
	ID                string          `json:"id"`
	ExperimentID      string          `json:"experiment_id"`
	Name              string          `json:"name"`
	Type              VariantType     `json:"type"`
	Config            json.RawMessage `json:"config,omitempty"`
	TrafficPercentage float64         `json:"traffic_percentage"`
}

// Assignment durably binds one user to one variant within one experiment.
// At most one exists per (experiment_id, user_id); once written it is
// immutable.
type Assignment struct {
	ID           string          `json:"id"`
	ExperimentID string          `json:"experiment_id"`
	UserID       string          `json:"user_id"`
	VariantID    string          `json:"variant_id"`
	Context      json.RawMessage `json:"context,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// UserContext identifies the user a decision is being made for.
type UserContext struct {
	UserID     string                 `json:"user_id"`
	SessionID  string                 `json:"session_id,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// VariantAssignment is the outcome of an assignment decision, carrying the
// variant's current name and config.
type VariantAssignment struct {
	ExperimentID string          `json:"experiment_id"`
	VariantID    string          `json:"variant_id"`
	VariantName  string          `json:"variant_name"`
	Config       json.RawMessage `json:"config,omitempty"`
}
