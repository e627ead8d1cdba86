// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Beacon-Analytics/experiment_layer/internal/app/domain/experiment"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/domain/featureflag"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/storage"
)

// Store is an in-memory implementation of every storage interface.
type Store struct {
	mu          sync.RWMutex
	nextID      int64
	experiments map[string]experiment.Experiment
	assignments map[string]experiment.Assignment // keyed experimentID + "\x00" + userID
	flags       map[string]featureflag.Flag      // keyed by flag key
	evaluations []featureflag.Evaluation
}

var _ storage.ExperimentStore = (*Store)(nil)
var _ storage.FlagStore = (*Store)(nil)
var _ storage.EvaluationStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:      1,
		experiments: make(map[string]experiment.Experiment),
		assignments: make(map[string]experiment.Assignment),
		flags:       make(map[string]featureflag.Flag),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

func assignmentKey(experimentID, userID string) string {
	return experimentID + "\x00" + userID
}

// cloneExperiment copies the variant slice so callers never alias
// store-internal state.
func cloneExperiment(exp experiment.Experiment) experiment.Experiment {
	out := exp
	out.Variants = append([]experiment.Variant(nil), exp.Variants...)
	return out
}

// cloneFlag copies the rule and variation slices, including each rule's
// conditions.
func cloneFlag(f featureflag.Flag) featureflag.Flag {
	out := f
	out.TargetingRules = append([]featureflag.TargetingRule(nil), f.TargetingRules...)
	for i := range out.TargetingRules {
		out.TargetingRules[i].Conditions = append([]featureflag.Condition(nil), out.TargetingRules[i].Conditions...)
	}
	out.Variations = append([]featureflag.Variation(nil), f.Variations...)
	return out
}

// ExperimentStore implementation ----------------------------------------------

func (s *Store) CreateExperiment(_ context.Context, exp experiment.Experiment) (experiment.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exp.ID == "" {
		exp.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	exp.CreatedAt = now
	exp.UpdatedAt = now

	variants := make([]experiment.Variant, len(exp.Variants))
	copy(variants, exp.Variants)
	for i := range variants {
		if variants[i].ID == "" {
			variants[i].ID = s.nextIDLocked()
		}
		variants[i].ExperimentID = exp.ID
	}
	exp.Variants = variants

	s.experiments[exp.ID] = exp
	return cloneExperiment(exp), nil
}

func (s *Store) UpdateExperiment(_ context.Context, exp experiment.Experiment) (experiment.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.experiments[exp.ID]
	if !ok {
		return experiment.Experiment{}, storage.ErrNotFound
	}

	exp.CreatedAt = existing.CreatedAt
	exp.UpdatedAt = time.Now().UTC()
	exp.Variants = existing.Variants

	s.experiments[exp.ID] = exp
	return cloneExperiment(exp), nil
}

func (s *Store) GetExperiment(_ context.Context, id string) (experiment.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.experiments[id]
	if !ok {
		return experiment.Experiment{}, storage.ErrNotFound
	}
	return cloneExperiment(exp), nil
}

func (s *Store) ListExperiments(_ context.Context) ([]experiment.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]experiment.Experiment, 0, len(s.experiments))
	for _, exp := range s.experiments {
		result = append(result, cloneExperiment(exp))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// SetVariantWeights replaces the traffic split of an experiment's variants
// in positional order, the way an operator reweighting arms directly in the
// database would.
func (s *Store) SetVariantWeights(id string, weights ...float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.experiments[id]
	if !ok {
		return storage.ErrNotFound
	}
	variants := append([]experiment.Variant(nil), exp.Variants...)
	for i := range variants {
		if i < len(weights) {
			variants[i].TrafficPercentage = weights[i]
		}
	}
	exp.Variants = variants
	s.experiments[id] = exp
	return nil
}

func (s *Store) GetAssignment(_ context.Context, experimentID, userID string) (experiment.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	asg, ok := s.assignments[assignmentKey(experimentID, userID)]
	if !ok {
		return experiment.Assignment{}, storage.ErrNotFound
	}
	return asg, nil
}

func (s *Store) CreateAssignment(_ context.Context, asg experiment.Assignment) (experiment.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assignmentKey(asg.ExperimentID, asg.UserID)
	if existing, ok := s.assignments[key]; ok {
		// A concurrent writer won; the first assignment is immutable.
		return existing, nil
	}

	if asg.ID == "" {
		asg.ID = s.nextIDLocked()
	}
	asg.CreatedAt = time.Now().UTC()
	s.assignments[key] = asg
	return asg, nil
}

// FlagStore implementation -----------------------------------------------------

func (s *Store) CreateFlag(_ context.Context, f featureflag.Flag) (featureflag.Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flags[f.FlagKey]; ok {
		return featureflag.Flag{}, fmt.Errorf("flag %s already exists", f.FlagKey)
	}
	if f.ID == "" {
		f.ID = s.nextIDLocked()
	}
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now

	s.flags[f.FlagKey] = cloneFlag(f)
	return f, nil
}

func (s *Store) UpdateFlag(_ context.Context, f featureflag.Flag) (featureflag.Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.flags[f.FlagKey]
	if !ok {
		return featureflag.Flag{}, storage.ErrNotFound
	}

	f.ID = existing.ID
	f.CreatedAt = existing.CreatedAt
	f.UpdatedAt = time.Now().UTC()

	s.flags[f.FlagKey] = cloneFlag(f)
	return f, nil
}

func (s *Store) GetFlag(_ context.Context, flagKey string) (featureflag.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.flags[flagKey]
	if !ok {
		return featureflag.Flag{}, storage.ErrNotFound
	}
	return cloneFlag(f), nil
}

func (s *Store) ListFlags(_ context.Context) ([]featureflag.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]featureflag.Flag, 0, len(s.flags))
	for _, f := range s.flags {
		result = append(result, cloneFlag(f))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].FlagKey > result[j].FlagKey
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) DeleteFlag(_ context.Context, flagKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flags[flagKey]; !ok {
		return storage.ErrNotFound
	}
	delete(s.flags, flagKey)
	return nil
}

// EvaluationStore implementation ------------------------------------------------

func (s *Store) CreateEvaluation(_ context.Context, ev featureflag.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = s.nextIDLocked()
	}
	if ev.EvaluatedAt.IsZero() {
		ev.EvaluatedAt = time.Now().UTC()
	}
	s.evaluations = append(s.evaluations, ev)
	return nil
}

// Evaluations returns a copy of the recorded audit trail. Test helper; the
// engine itself never reads evaluations back.
func (s *Store) Evaluations() []featureflag.Evaluation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]featureflag.Evaluation, len(s.evaluations))
	copy(out, s.evaluations)
	return out
}
