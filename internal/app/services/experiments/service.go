// Package experiments manages experiment definitions and deterministic
// variant assignment.
package experiments

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/Beacon-Analytics/experiment_layer/internal/app/bucket"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/domain/experiment"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/errs"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/metrics"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/storage"
	"github.com/Beacon-Analytics/experiment_layer/pkg/logger"
)

// Service assigns and persists exactly one variant per (experiment, user).
type Service struct {
	store   storage.ExperimentStore
	buckets bucket.Strategy
	log     *logger.Logger
}

// New constructs an experiments service. A nil strategy selects the
// canonical default; server and any edge pre-assignment must be handed the
// same one.
func New(store storage.ExperimentStore, strategy bucket.Strategy, log *logger.Logger) *Service {
	if strategy == nil {
		strategy = bucket.Default()
	}
	if log == nil {
		log = logger.NewDefault("experiments")
	}
	return &Service{
		store:   store,
		buckets: strategy,
		log:     log,
	}
}

// VariantSpec describes one variant at experiment creation time.
type VariantSpec struct {
	Name              string                 `json:"name"`
	Type              experiment.VariantType `json:"type"`
	Config            json.RawMessage        `json:"config,omitempty"`
	TrafficPercentage float64                `json:"traffic_percentage"`
}

// CreateRequest describes a new experiment.
type CreateRequest struct {
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	Type              experiment.Type `json:"type"`
	TargetingRules    json.RawMessage `json:"targeting_rules,omitempty"`
	TrafficAllocation *float64        `json:"traffic_allocation,omitempty"`
	StartTime         *time.Time      `json:"start_time,omitempty"`
	EndTime           *time.Time      `json:"end_time,omitempty"`
	Variants          []VariantSpec   `json:"variants"`
}

// UpdatePatch applies partial changes; nil fields are untouched.
type UpdatePatch struct {
	Name              *string            `json:"name,omitempty"`
	Description       *string            `json:"description,omitempty"`
	TargetingRules    json.RawMessage    `json:"targeting_rules,omitempty"`
	TrafficAllocation *float64           `json:"traffic_allocation,omitempty"`
	StartTime         *time.Time         `json:"start_time,omitempty"`
	EndTime           *time.Time         `json:"end_time,omitempty"`
	Status            *experiment.Status `json:"status,omitempty"`
	StoppedReason     *string            `json:"stopped_reason,omitempty"`
}

// Create inserts an experiment and its variants as one transaction and
// returns the hydrated result in draft status.
func (s *Service) Create(ctx context.Context, req CreateRequest) (experiment.Experiment, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return experiment.Experiment{}, errs.Validationf("name is required")
	}
	if !req.Type.Valid() {
		return experiment.Experiment{}, errs.Validationf("unknown experiment type %q", req.Type)
	}
	if len(req.Variants) == 0 {
		return experiment.Experiment{}, errs.Validationf("at least one variant is required")
	}
	for i, v := range req.Variants {
		if strings.TrimSpace(v.Name) == "" {
			return experiment.Experiment{}, errs.Validationf("variant %d: name is required", i)
		}
		if !v.Type.Valid() {
			return experiment.Experiment{}, errs.Validationf("variant %d: unknown variant type %q", i, v.Type)
		}
		if v.TrafficPercentage < 0 || v.TrafficPercentage > 100 {
			return experiment.Experiment{}, errs.Validationf("variant %d: traffic_percentage must be between 0 and 100", i)
		}
	}

	allocation := 100.0
	if req.TrafficAllocation != nil {
		if *req.TrafficAllocation < 0 || *req.TrafficAllocation > 100 {
			return experiment.Experiment{}, errs.Validationf("traffic_allocation must be between 0 and 100")
		}
		allocation = *req.TrafficAllocation
	}

	exp := experiment.Experiment{
		Name:              req.Name,
		Description:       req.Description,
		Type:              req.Type,
		Status:            experiment.StatusDraft,
		TargetingRules:    req.TargetingRules,
		TrafficAllocation: allocation,
		StartTime:         req.StartTime,
		EndTime:           req.EndTime,
	}
	for _, v := range req.Variants {
		exp.Variants = append(exp.Variants, experiment.Variant{
			Name:              strings.TrimSpace(v.Name),
			Type:              v.Type,
			Config:            v.Config,
			TrafficPercentage: v.TrafficPercentage,
		})
	}

	exp, err := s.store.CreateExperiment(ctx, exp)
	if err != nil {
		return experiment.Experiment{}, err
	}
	s.log.WithField("experiment_id", exp.ID).
		WithField("type", exp.Type).
		WithField("variants", len(exp.Variants)).
		Info("experiment created")
	return exp, nil
}

// Update applies only the supplied fields and always stamps updated_at.
// Status changes must follow the lifecycle state machine.
func (s *Service) Update(ctx context.Context, id string, patch UpdatePatch) (experiment.Experiment, error) {
	exp, err := s.store.GetExperiment(ctx, id)
	if err != nil {
		return experiment.Experiment{}, err
	}

	if patch.Name != nil {
		if trimmed := strings.TrimSpace(*patch.Name); trimmed != "" {
			exp.Name = trimmed
		} else {
			return experiment.Experiment{}, errs.Validationf("name cannot be empty")
		}
	}
	if patch.Description != nil {
		exp.Description = *patch.Description
	}
	if patch.TargetingRules != nil {
		exp.TargetingRules = patch.TargetingRules
	}
	if patch.TrafficAllocation != nil {
		if *patch.TrafficAllocation < 0 || *patch.TrafficAllocation > 100 {
			return experiment.Experiment{}, errs.Validationf("traffic_allocation must be between 0 and 100")
		}
		exp.TrafficAllocation = *patch.TrafficAllocation
	}
	if patch.StartTime != nil {
		exp.StartTime = patch.StartTime
	}
	if patch.EndTime != nil {
		exp.EndTime = patch.EndTime
	}

	if patch.Status != nil && *patch.Status != exp.Status {
		next := *patch.Status
		if !next.Valid() {
			return experiment.Experiment{}, errs.Validationf("unknown status %q", next)
		}
		if !experiment.CanTransition(exp.Status, next) {
			return experiment.Experiment{}, errs.Validationf("cannot transition experiment from %s to %s", exp.Status, next)
		}
		now := time.Now().UTC()
		switch next {
		case experiment.StatusRunning:
			if exp.StartedAt == nil {
				exp.StartedAt = &now
			}
		case experiment.StatusCompleted, experiment.StatusStopped:
			exp.EndedAt = &now
			if next == experiment.StatusStopped && patch.StoppedReason != nil {
				exp.StoppedReason = *patch.StoppedReason
			}
		}
		exp.Status = next
	}

	exp, err = s.store.UpdateExperiment(ctx, exp)
	if err != nil {
		return experiment.Experiment{}, err
	}
	s.log.WithField("experiment_id", exp.ID).
		WithField("status", exp.Status).
		Info("experiment updated")
	return exp, nil
}

// Get retrieves a single experiment with its variants.
func (s *Service) Get(ctx context.Context, id string) (experiment.Experiment, error) {
	return s.store.GetExperiment(ctx, id)
}

// List returns all experiments.
func (s *Service) List(ctx context.Context) ([]experiment.Experiment, error) {
	return s.store.ListExperiments(ctx)
}

// AssignVariant resolves the sticky variant for a user. It fails closed: a
// missing or non-running experiment yields (nil, nil), never an error. An
// existing assignment is returned verbatim with the variant's current name
// and config; stickiness wins over configuration currency.
func (s *Service) AssignVariant(ctx context.Context, experimentID string, user experiment.UserContext) (*experiment.VariantAssignment, error) {
	if strings.TrimSpace(user.UserID) == "" {
		return nil, errs.Validationf("user_id is required")
	}

	exp, err := s.store.GetExperiment(ctx, experimentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			metrics.RecordAssignment("none")
			return nil, nil
		}
		return nil, err
	}
	if exp.Status != experiment.StatusRunning {
		metrics.RecordAssignment("none")
		return nil, nil
	}

	existing, err := s.store.GetAssignment(ctx, experimentID, user.UserID)
	if err == nil {
		metrics.RecordAssignment("existing")
		return s.resolve(exp, existing.VariantID), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	variant, ok := s.chooseVariant(exp, user.UserID)
	if !ok {
		metrics.RecordAssignment("none")
		return nil, nil
	}

	contextJSON, err := json.Marshal(user.Attributes)
	if err != nil {
		contextJSON = []byte("{}")
	}

	asg, err := s.store.CreateAssignment(ctx, experiment.Assignment{
		ExperimentID: experimentID,
		UserID:       user.UserID,
		VariantID:    variant.ID,
		Context:      contextJSON,
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordAssignment("new")
	s.log.WithField("experiment_id", experimentID).
		WithField("user_id", user.UserID).
		WithField("variant_id", asg.VariantID).
		Debug("variant assigned")
	// The store may have returned a concurrent winner; resolve against its
	// variant id, not the one computed locally.
	return s.resolve(exp, asg.VariantID), nil
}

// chooseVariant walks variants in stored order accumulating traffic weight
// and selects the first whose cumulative weight exceeds the user's bucket.
// When the weights sum below 100 the walk can exhaust; users are then
// folded into the first variant rather than dropped.
func (s *Service) chooseVariant(exp experiment.Experiment, userID string) (experiment.Variant, bool) {
	if len(exp.Variants) == 0 {
		return experiment.Variant{}, false
	}

	b := s.buckets.Bucket(bucket.AssignmentKey(userID, exp.ID))
	cumulative := 0.0
	for _, v := range exp.Variants {
		cumulative += v.TrafficPercentage / 100
		if b < cumulative {
			return v, true
		}
	}
	return exp.Variants[0], true
}

func (s *Service) resolve(exp experiment.Experiment, variantID string) *experiment.VariantAssignment {
	for _, v := range exp.Variants {
		if v.ID == variantID {
			return &experiment.VariantAssignment{
				ExperimentID: exp.ID,
				VariantID:    v.ID,
				VariantName:  v.Name,
				Config:       v.Config,
			}
		}
	}
	return nil
}
