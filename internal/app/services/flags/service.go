// Package flags manages feature flag configuration and computes flag
// values for users via the precedence chain: kill switch, enabled,
// targeting, rollout, default.
package flags

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Beacon-Analytics/experiment_layer/internal/app/bucket"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/cache"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/domain/featureflag"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/errs"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/metrics"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/rules"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/storage"
	"github.com/Beacon-Analytics/experiment_layer/pkg/logger"
)

const (
	defaultConfigTTL = 5 * time.Minute
	defaultEvalTTL   = time.Minute
)

// Service evaluates feature flags for users and owns flag CRUD.
type Service struct {
	store   storage.FlagStore
	evals   storage.EvaluationStore
	kv      cache.KV
	buckets bucket.Strategy
	log     *logger.Logger

	configTTL time.Duration
	evalTTL   time.Duration
}

// Option customises a Service.
type Option func(*Service)

// WithStrategy injects the bucketing strategy. Callers that pre-assign at
// the edge must use the same named strategy.
func WithStrategy(strategy bucket.Strategy) Option {
	return func(s *Service) { s.buckets = strategy }
}

// WithTTLs overrides the config and evaluation cache TTLs.
func WithTTLs(config, eval time.Duration) Option {
	return func(s *Service) {
		s.configTTL = config
		s.evalTTL = eval
	}
}

// New constructs a flag service. The cache may be nil, in which case every
// read goes to the store.
func New(store storage.FlagStore, evals storage.EvaluationStore, kv cache.KV, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("flags")
	}
	s := &Service{
		store:     store,
		evals:     evals,
		kv:        kv,
		buckets:   bucket.Default(),
		log:       log,
		configTTL: defaultConfigTTL,
		evalTTL:   defaultEvalTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest describes a new flag.
type CreateRequest struct {
	FlagKey           string                      `json:"flag_key"`
	Name              string                      `json:"name"`
	Description       string                      `json:"description,omitempty"`
	SiteID            string                      `json:"site_id,omitempty"`
	Enabled           *bool                       `json:"enabled,omitempty"`
	DefaultValue      interface{}                 `json:"default_value,omitempty"`
	TargetingRules    []featureflag.TargetingRule `json:"targeting_rules,omitempty"`
	RolloutPercentage *float64                    `json:"rollout_percentage,omitempty"`
	Variations        []featureflag.Variation     `json:"variations,omitempty"`
}

// UpdatePatch applies partial changes; nil fields are untouched.
type UpdatePatch struct {
	Name              *string                      `json:"name,omitempty"`
	Description       *string                      `json:"description,omitempty"`
	Enabled           *bool                        `json:"enabled,omitempty"`
	KillSwitch        *bool                        `json:"kill_switch,omitempty"`
	DefaultValue      *interface{}                 `json:"default_value,omitempty"`
	TargetingRules    *[]featureflag.TargetingRule `json:"targeting_rules,omitempty"`
	RolloutPercentage *float64                     `json:"rollout_percentage,omitempty"`
	Variations        *[]featureflag.Variation     `json:"variations,omitempty"`
}

// Get returns a flag, read through the config cache.
func (s *Service) Get(ctx context.Context, flagKey string) (featureflag.Flag, error) {
	if f, ok := s.cachedFlag(ctx, flagKey); ok {
		return f, nil
	}

	f, err := s.store.GetFlag(ctx, flagKey)
	if err != nil {
		return featureflag.Flag{}, err
	}
	s.cacheFlag(ctx, f)
	return f, nil
}

// List returns all flags, newest first.
func (s *Service) List(ctx context.Context) ([]featureflag.Flag, error) {
	return s.store.ListFlags(ctx)
}

// Create inserts a flag. Flags default to enabled with the kill switch
// off and a zero rollout.
func (s *Service) Create(ctx context.Context, req CreateRequest) (featureflag.Flag, error) {
	req.FlagKey = strings.TrimSpace(req.FlagKey)
	req.Name = strings.TrimSpace(req.Name)
	if req.FlagKey == "" || req.Name == "" {
		return featureflag.Flag{}, errs.Validationf("flag_key and name are required")
	}

	rollout := 0.0
	if req.RolloutPercentage != nil {
		rollout = *req.RolloutPercentage
	}
	if rollout < 0 || rollout > 100 {
		return featureflag.Flag{}, errs.Validationf("rollout_percentage must be between 0 and 100")
	}

	rulesList, err := normalizeRules(req.TargetingRules)
	if err != nil {
		return featureflag.Flag{}, err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	defaultValue := req.DefaultValue
	if defaultValue == nil {
		defaultValue = false
	}

	f := featureflag.Flag{
		FlagKey:           req.FlagKey,
		Name:              req.Name,
		Description:       req.Description,
		SiteID:            req.SiteID,
		Enabled:           enabled,
		KillSwitch:        false,
		DefaultValue:      defaultValue,
		TargetingRules:    rulesList,
		RolloutPercentage: rollout,
		Variations:        req.Variations,
	}

	f, err = s.store.CreateFlag(ctx, f)
	if err != nil {
		return featureflag.Flag{}, err
	}
	s.log.WithField("flag_key", f.FlagKey).
		WithField("enabled", f.Enabled).
		Info("feature flag created")
	return f, nil
}

// Update applies only the supplied fields and synchronously drops the
// config cache entry before returning, so the next read sees fresh state.
func (s *Service) Update(ctx context.Context, flagKey string, patch UpdatePatch) (featureflag.Flag, error) {
	f, err := s.store.GetFlag(ctx, flagKey)
	if err != nil {
		return featureflag.Flag{}, err
	}

	if patch.Name != nil {
		if trimmed := strings.TrimSpace(*patch.Name); trimmed != "" {
			f.Name = trimmed
		} else {
			return featureflag.Flag{}, errs.Validationf("name cannot be empty")
		}
	}
	if patch.Description != nil {
		f.Description = *patch.Description
	}
	if patch.Enabled != nil {
		f.Enabled = *patch.Enabled
	}
	if patch.KillSwitch != nil {
		f.KillSwitch = *patch.KillSwitch
	}
	if patch.DefaultValue != nil {
		f.DefaultValue = *patch.DefaultValue
	}
	if patch.TargetingRules != nil {
		rulesList, err := normalizeRules(*patch.TargetingRules)
		if err != nil {
			return featureflag.Flag{}, err
		}
		f.TargetingRules = rulesList
	}
	if patch.RolloutPercentage != nil {
		if *patch.RolloutPercentage < 0 || *patch.RolloutPercentage > 100 {
			return featureflag.Flag{}, errs.Validationf("rollout_percentage must be between 0 and 100")
		}
		f.RolloutPercentage = *patch.RolloutPercentage
	}
	if patch.Variations != nil {
		f.Variations = *patch.Variations
	}

	f, err = s.store.UpdateFlag(ctx, f)
	if err != nil {
		return featureflag.Flag{}, err
	}

	s.invalidateFlag(ctx, flagKey)
	s.log.WithField("flag_key", f.FlagKey).Info("feature flag updated")
	return f, nil
}

// Delete removes a flag and drops its cache entry.
func (s *Service) Delete(ctx context.Context, flagKey string) error {
	if err := s.store.DeleteFlag(ctx, flagKey); err != nil {
		return err
	}
	s.invalidateFlag(ctx, flagKey)
	s.log.WithField("flag_key", flagKey).Info("feature flag deleted")
	return nil
}

// Evaluate computes the flag's value for a user. Business absence never
// fails: a missing flag evaluates to the request's default with reason
// "default". Only infrastructure faults propagate.
func (s *Service) Evaluate(ctx context.Context, req featureflag.EvaluationRequest) (featureflag.EvaluationResponse, error) {
	if strings.TrimSpace(req.FlagKey) == "" || strings.TrimSpace(req.UserID) == "" {
		return featureflag.EvaluationResponse{}, errs.Validationf("flag_key and user_id are required")
	}

	if resp, ok := s.cachedEvaluation(ctx, req.FlagKey, req.UserID); ok {
		resp.Cached = true
		return resp, nil
	}

	f, err := s.Get(ctx, req.FlagKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			value := req.DefaultValue
			if value == nil {
				value = false
			}
			resp := featureflag.EvaluationResponse{
				FlagKey: req.FlagKey,
				UserID:  req.UserID,
				Value:   value,
				Reason:  featureflag.ReasonDefault,
				Enabled: false,
			}
			metrics.RecordEvaluation(string(resp.Reason))
			return resp, nil
		}
		return featureflag.EvaluationResponse{}, err
	}

	resp := s.decide(f, req.UserID, req.Attributes)
	metrics.RecordEvaluation(string(resp.Reason))

	s.cacheEvaluation(ctx, resp)
	s.audit(ctx, f, resp, req.Attributes)

	return resp, nil
}

// EvaluateAll evaluates either the requested keys or every enabled,
// non-kill-switched flag, returning a keyed map with one timestamp.
func (s *Service) EvaluateAll(ctx context.Context, req featureflag.BulkEvaluationRequest) (featureflag.BulkEvaluationResponse, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return featureflag.BulkEvaluationResponse{}, errs.Validationf("user_id is required")
	}

	var targets []featureflag.Flag
	if len(req.FlagKeys) > 0 {
		for _, key := range req.FlagKeys {
			f, err := s.Get(ctx, key)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return featureflag.BulkEvaluationResponse{}, err
			}
			targets = append(targets, f)
		}
	} else {
		all, err := s.List(ctx)
		if err != nil {
			return featureflag.BulkEvaluationResponse{}, err
		}
		for _, f := range all {
			if f.Enabled && !f.KillSwitch {
				targets = append(targets, f)
			}
		}
	}

	result := featureflag.BulkEvaluationResponse{
		UserID:      req.UserID,
		Flags:       make(map[string]featureflag.EvaluationResponse, len(targets)),
		EvaluatedAt: time.Now().UTC(),
	}
	for _, f := range targets {
		resp, err := s.Evaluate(ctx, featureflag.EvaluationRequest{
			FlagKey:      f.FlagKey,
			UserID:       req.UserID,
			Attributes:   req.Attributes,
			DefaultValue: f.DefaultValue,
		})
		if err != nil {
			return featureflag.BulkEvaluationResponse{}, err
		}
		result.Flags[resp.FlagKey] = resp
	}
	return result, nil
}

// decide walks the precedence chain. First matching branch wins:
// kill switch, disabled, targeting, rollout, default.
func (s *Service) decide(f featureflag.Flag, userID string, attributes map[string]interface{}) featureflag.EvaluationResponse {
	resp := featureflag.EvaluationResponse{
		FlagKey: f.FlagKey,
		UserID:  userID,
	}

	if f.KillSwitch {
		resp.Value = f.DefaultValue
		resp.Reason = featureflag.ReasonKillSwitch
		resp.Enabled = false
		return resp
	}
	if !f.Enabled {
		resp.Value = f.DefaultValue
		resp.Reason = featureflag.ReasonDisabled
		resp.Enabled = false
		return resp
	}

	for _, rule := range f.TargetingRules {
		if !rules.Evaluate(rule, attributes) {
			continue
		}
		if rule.RolloutPercentage != nil && *rule.RolloutPercentage < 100 {
			key := bucket.RuleRolloutKey(f.FlagKey, rule.ID, userID)
			if !bucket.InRollout(s.buckets, key, *rule.RolloutPercentage) {
				continue
			}
		}

		resp.VariationKey = rule.VariationKey
		resp.Reason = featureflag.ReasonTargeting
		resp.Enabled = true
		if v, ok := f.Variation(rule.VariationKey); ok {
			resp.Value = v.Value
		} else {
			resp.Value = f.DefaultValue
		}
		return resp
	}

	if bucket.InRollout(s.buckets, bucket.RolloutKey(f.FlagKey, userID), f.RolloutPercentage) {
		resp.Reason = featureflag.ReasonRollout
		resp.Enabled = true
		if len(f.Variations) > 0 {
			resp.VariationKey = f.Variations[0].Key
			resp.Value = f.Variations[0].Value
		} else {
			resp.Value = f.DefaultValue
		}
		return resp
	}

	resp.Value = f.DefaultValue
	resp.Reason = featureflag.ReasonDefault
	resp.Enabled = true
	return resp
}

// audit writes one append-only evaluation record. Failures are logged and
// swallowed; an audit miss must never fail the evaluation.
func (s *Service) audit(ctx context.Context, f featureflag.Flag, resp featureflag.EvaluationResponse, attributes map[string]interface{}) {
	if s.evals == nil {
		return
	}
	err := s.evals.CreateEvaluation(ctx, featureflag.Evaluation{
		ID:           uuid.NewString(),
		FlagID:       f.ID,
		FlagKey:      resp.FlagKey,
		UserID:       resp.UserID,
		VariationKey: resp.VariationKey,
		Value:        resp.Value,
		Reason:       resp.Reason,
		Context:      attributes,
		EvaluatedAt:  time.Now().UTC(),
	})
	if err != nil {
		s.log.WithError(err).
			WithField("flag_key", resp.FlagKey).
			Warn("failed to record flag evaluation")
	}
}

// --- cache plumbing ----------------------------------------------------------
//
// Every cache failure below is swallowed: the cache is advisory and the
// authoritative store answers when it misbehaves.

func (s *Service) cachedFlag(ctx context.Context, flagKey string) (featureflag.Flag, bool) {
	if s.kv == nil {
		return featureflag.Flag{}, false
	}
	raw, ok, err := s.kv.Get(ctx, cache.FlagKey(flagKey))
	if err != nil {
		s.log.WithError(err).WithField("flag_key", flagKey).Debug("flag cache read failed")
		metrics.RecordCacheLookup("flag_config", false)
		return featureflag.Flag{}, false
	}
	metrics.RecordCacheLookup("flag_config", ok)
	if !ok {
		return featureflag.Flag{}, false
	}
	var f featureflag.Flag
	if err := json.Unmarshal(raw, &f); err != nil {
		return featureflag.Flag{}, false
	}
	return f, true
}

func (s *Service) cacheFlag(ctx context.Context, f featureflag.Flag) {
	if s.kv == nil {
		return
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return
	}
	if err := s.kv.Put(ctx, cache.FlagKey(f.FlagKey), raw, s.configTTL); err != nil {
		s.log.WithError(err).WithField("flag_key", f.FlagKey).Debug("flag cache write failed")
	}
}

func (s *Service) invalidateFlag(ctx context.Context, flagKey string) {
	if s.kv == nil {
		return
	}
	if err := s.kv.Delete(ctx, cache.FlagKey(flagKey)); err != nil {
		s.log.WithError(err).WithField("flag_key", flagKey).Warn("flag cache invalidation failed")
	}
}

func (s *Service) cachedEvaluation(ctx context.Context, flagKey, userID string) (featureflag.EvaluationResponse, bool) {
	if s.kv == nil {
		return featureflag.EvaluationResponse{}, false
	}
	raw, ok, err := s.kv.Get(ctx, cache.EvalKey(flagKey, userID))
	if err != nil {
		s.log.WithError(err).WithField("flag_key", flagKey).Debug("evaluation cache read failed")
		metrics.RecordCacheLookup("flag_eval", false)
		return featureflag.EvaluationResponse{}, false
	}
	metrics.RecordCacheLookup("flag_eval", ok)
	if !ok {
		return featureflag.EvaluationResponse{}, false
	}
	var resp featureflag.EvaluationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return featureflag.EvaluationResponse{}, false
	}
	return resp, true
}

func (s *Service) cacheEvaluation(ctx context.Context, resp featureflag.EvaluationResponse) {
	if s.kv == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.kv.Put(ctx, cache.EvalKey(resp.FlagKey, resp.UserID), raw, s.evalTTL); err != nil {
		s.log.WithError(err).WithField("flag_key", resp.FlagKey).Debug("evaluation cache write failed")
	}
}

// normalizeRules validates rule shape on write and assigns ids to rules
// that arrive without one, since the rule id feeds the per-rule rollout
// hash.
func normalizeRules(in []featureflag.TargetingRule) ([]featureflag.TargetingRule, error) {
	out := make([]featureflag.TargetingRule, len(in))
	copy(out, in)
	for i := range out {
		if strings.TrimSpace(out[i].VariationKey) == "" {
			return nil, errs.Validationf("targeting rule %d: variation_key is required", i)
		}
		if out[i].RolloutPercentage != nil && (*out[i].RolloutPercentage < 0 || *out[i].RolloutPercentage > 100) {
			return nil, errs.Validationf("targeting rule %d: rollout_percentage must be between 0 and 100", i)
		}
		for j, cond := range out[i].Conditions {
			if strings.TrimSpace(cond.Attribute) == "" {
				return nil, errs.Validationf("targeting rule %d condition %d: attribute is required", i, j)
			}
			if !cond.Operator.Valid() {
				return nil, errs.Validationf("targeting rule %d condition %d: unknown operator %q", i, j, cond.Operator)
			}
		}
		if out[i].ID == "" {
			out[i].ID = uuid.NewString()
		}
	}
	return out, nil
}
