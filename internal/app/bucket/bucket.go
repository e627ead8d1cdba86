// Package bucket maps stable string keys to deterministic fractions in
// [0, 1). Every percentage-based decision in the engine (variant
// assignment, flag rollout, per-rule rollout) goes through one injected
// Strategy so all callers provably agree on the algorithm.
package bucket

import "hash/fnv"

// Strategy is a named, deterministic string -> [0, 1) mapping. The name is
// part of the contract: two components configured with the same name must
// produce identical buckets for identical keys.
type Strategy interface {
	Name() string
	Bucket(key string) float64
}

type fnv32a struct{}

func (fnv32a) Name() string { return "fnv32a" }

// Bucket hashes the key with 32-bit FNV-1a and divides by 2^32, so the
// full hash width is used and no modulo bias is introduced.
func (fnv32a) Bucket(key string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return float64(h.Sum32()) / (1 << 32)
}

// FNV32a returns the canonical FNV-1a strategy.
func FNV32a() Strategy { return fnv32a{} }

// Default returns the strategy used when none is injected.
func Default() Strategy { return FNV32a() }

// ByName resolves a strategy by its registered name.
func ByName(name string) (Strategy, bool) {
	switch name {
	case "", "fnv32a":
		return FNV32a(), true
	}
	return nil, false
}

// InRollout reports whether the key's bucket falls inside the given
// percentage. Percentages at or beyond the ends short-circuit so a 100%
// rollout never excludes anyone and a 0% rollout never admits anyone.
func InRollout(s Strategy, key string, percentage float64) bool {
	if percentage >= 100 {
		return true
	}
	if percentage <= 0 {
		return false
	}
	return s.Bucket(key) < percentage/100
}

// AssignmentKey is the bucketing key for variant assignment. The same user
// lands in the same bucket for the same experiment but independent buckets
// across experiments.
func AssignmentKey(userID, experimentID string) string {
	return userID + ":" + experimentID
}

// RolloutKey is the bucketing key for a flag's global rollout.
func RolloutKey(flagKey, userID string) string {
	return flagKey + ":" + userID
}

// RuleRolloutKey is the bucketing key for a per-rule rollout gate. The rule
// id is folded in so each rule rolls out independently.
func RuleRolloutKey(flagKey, ruleID, userID string) string {
	return flagKey + ruleID + ":" + userID
}
