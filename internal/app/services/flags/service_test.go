package flags

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Beacon-Analytics/experiment_layer/internal/app/cache"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/domain/featureflag"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/errs"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/storage/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store, *cache.Memory) {
	t.Helper()
	store := memory.New()
	kv := cache.NewMemory()
	t.Cleanup(kv.Stop)
	return New(store, store, kv, nil), store, kv
}

func floatPtr(f float64) *float64 { return &f }
func boolPtr(b bool) *bool        { return &b }
func strPtr(s string) *string     { return &s }

// newCheckoutFlag mirrors a staged rollout: pro-plan users are targeted,
// everyone else falls through to a partial rollout.
func newCheckoutFlag(t *testing.T, svc *Service, rollout float64) featureflag.Flag {
	t.Helper()
	f, err := svc.Create(context.Background(), CreateRequest{
		FlagKey:      "new_checkout",
		Name:         "New checkout flow",
		DefaultValue: false,
		TargetingRules: []featureflag.TargetingRule{{
			VariationKey: "on",
			Conditions: []featureflag.Condition{{
				Attribute: "plan",
				Operator:  featureflag.OpEquals,
				Values:    []interface{}{"pro"},
			}},
		}},
		RolloutPercentage: floatPtr(rollout),
		Variations: []featureflag.Variation{
			{Key: "on", Value: true},
			{Key: "off", Value: false},
		},
	})
	if err != nil {
		t.Fatalf("create flag: %v", err)
	}
	return f
}

func TestCreateValidationAndDefaults(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateRequest{Name: "no key"}); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for missing flag_key, got %v", err)
	}
	if _, err := svc.Create(ctx, CreateRequest{FlagKey: "k", Name: "n", RolloutPercentage: floatPtr(140)}); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for rollout range, got %v", err)
	}
	if _, err := svc.Create(ctx, CreateRequest{
		FlagKey: "k", Name: "n",
		TargetingRules: []featureflag.TargetingRule{{VariationKey: ""}},
	}); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for missing variation_key, got %v", err)
	}
	if _, err := svc.Create(ctx, CreateRequest{
		FlagKey: "k", Name: "n",
		TargetingRules: []featureflag.TargetingRule{{
			VariationKey: "on",
			Conditions:   []featureflag.Condition{{Attribute: "plan", Operator: "between"}},
		}},
	}); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for unknown operator, got %v", err)
	}

	f, err := svc.Create(ctx, CreateRequest{FlagKey: "bare", Name: "Bare flag"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !f.Enabled {
		t.Fatal("flags default to enabled")
	}
	if f.KillSwitch {
		t.Fatal("flags are always created with the kill switch off")
	}
	if f.RolloutPercentage != 0 {
		t.Fatalf("default rollout must be 0, got %v", f.RolloutPercentage)
	}
	if f.DefaultValue != false {
		t.Fatalf("nil default value must become false, got %v", f.DefaultValue)
	}
}

func TestCreateAssignsRuleIDs(t *testing.T) {
	svc, _, _ := newTestService(t)
	f := newCheckoutFlag(t, svc, 0)
	if len(f.TargetingRules) != 1 || f.TargetingRules[0].ID == "" {
		t.Fatalf("rules must be assigned ids on write: %+v", f.TargetingRules)
	}
}

func TestEvaluatePrecedence(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	newCheckoutFlag(t, svc, 0)

	eval := func(t *testing.T, userID string, attrs map[string]interface{}) featureflag.EvaluationResponse {
		t.Helper()
		resp, err := svc.Evaluate(ctx, featureflag.EvaluationRequest{
			FlagKey: "new_checkout", UserID: userID, Attributes: attrs,
		})
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		return resp
	}

	// Targeting: pro users get the "on" variation.
	resp := eval(t, "user-pro", map[string]interface{}{"plan": "pro"})
	if resp.Reason != featureflag.ReasonTargeting || resp.Value != true || resp.VariationKey != "on" {
		t.Fatalf("pro user: %+v", resp)
	}
	if !resp.Enabled {
		t.Fatal("targeted evaluation reports the flag enabled")
	}

	// No rule match, zero rollout: default.
	resp = eval(t, "user-free", map[string]interface{}{"plan": "free"})
	if resp.Reason != featureflag.ReasonDefault || resp.Value != false {
		t.Fatalf("free user: %+v", resp)
	}

	// Disabled beats targeting.
	if _, err := svc.Update(ctx, "new_checkout", UpdatePatch{Enabled: boolPtr(false)}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	resp = eval(t, "user-pro-2", map[string]interface{}{"plan": "pro"})
	if resp.Reason != featureflag.ReasonDisabled || resp.Enabled {
		t.Fatalf("disabled flag: %+v", resp)
	}

	// Kill switch beats disabled and everything else.
	if _, err := svc.Update(ctx, "new_checkout", UpdatePatch{Enabled: boolPtr(true), KillSwitch: boolPtr(true)}); err != nil {
		t.Fatalf("kill: %v", err)
	}
	resp = eval(t, "user-pro-3", map[string]interface{}{"plan": "pro"})
	if resp.Reason != featureflag.ReasonKillSwitch || resp.Enabled {
		t.Fatalf("killed flag: %+v", resp)
	}
}

func TestEvaluateFullRollout(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	newCheckoutFlag(t, svc, 100)

	resp, err := svc.Evaluate(ctx, featureflag.EvaluationRequest{
		FlagKey: "new_checkout", UserID: "user-any",
		Attributes: map[string]interface{}{"plan": "free"},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if resp.Reason != featureflag.ReasonRollout {
		t.Fatalf("expected rollout reason, got %+v", resp)
	}
	// Rollout serves the first variation when variations exist.
	if resp.VariationKey != "on" || resp.Value != true {
		t.Fatalf("rollout must serve the first variation: %+v", resp)
	}
}

func TestEvaluatePartialRolloutFraction(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateRequest{
		FlagKey: "beta_banner", Name: "Beta banner",
		RolloutPercentage: floatPtr(30),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 5000
	in := 0
	for i := 0; i < n; i++ {
		resp, err := svc.Evaluate(ctx, featureflag.EvaluationRequest{
			FlagKey: "beta_banner", UserID: fmt.Sprintf("user-%d", i),
		})
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if resp.Reason == featureflag.ReasonRollout {
			in++
		}
	}
	frac := float64(in) / n
	if frac < 0.26 || frac > 0.34 {
		t.Fatalf("expected about 30%% of users in rollout, got %.4f", frac)
	}
}

func TestEvaluatePerRuleRolloutGate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateRequest{
		FlagKey: "gated", Name: "Gated rule",
		TargetingRules: []featureflag.TargetingRule{{
			VariationKey:      "on",
			RolloutPercentage: floatPtr(50),
			Conditions: []featureflag.Condition{{
				Attribute: "plan", Operator: featureflag.OpEquals, Values: []interface{}{"pro"},
			}},
		}},
		Variations: []featureflag.Variation{{Key: "on", Value: true}},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 2000
	targeted := 0
	for i := 0; i < n; i++ {
		resp, err := svc.Evaluate(ctx, featureflag.EvaluationRequest{
			FlagKey: "gated", UserID: fmt.Sprintf("user-%d", i),
			Attributes: map[string]interface{}{"plan": "pro"},
		})
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		switch resp.Reason {
		case featureflag.ReasonTargeting:
			targeted++
		case featureflag.ReasonDefault:
		default:
			t.Fatalf("unexpected reason %s", resp.Reason)
		}
	}
	frac := float64(targeted) / n
	if frac < 0.44 || frac > 0.56 {
		t.Fatalf("expected about half of matching users gated in, got %.4f", frac)
	}
}

func TestEvaluateMissingFlagUsesRequestDefault(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Evaluate(ctx, featureflag.EvaluationRequest{
		FlagKey: "ghost", UserID: "user-1", DefaultValue: "fallback",
	})
	if err != nil {
		t.Fatalf("missing flag must not error: %v", err)
	}
	if resp.Value != "fallback" || resp.Reason != featureflag.ReasonDefault || resp.Enabled {
		t.Fatalf("missing flag response: %+v", resp)
	}

	resp, err = svc.Evaluate(ctx, featureflag.EvaluationRequest{FlagKey: "ghost2", UserID: "user-1"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if resp.Value != false {
		t.Fatalf("missing flag with no request default must yield false, got %v", resp.Value)
	}

	if len(store.Evaluations()) != 0 {
		t.Fatal("missing flags must not be audited")
	}
}

func TestEvaluateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Evaluate(ctx, featureflag.EvaluationRequest{UserID: "u"}); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for missing flag_key, got %v", err)
	}
	if _, err := svc.Evaluate(ctx, featureflag.EvaluationRequest{FlagKey: "f"}); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for missing user_id, got %v", err)
	}
	if _, err := svc.EvaluateAll(ctx, featureflag.BulkEvaluationRequest{}); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for bulk missing user_id, got %v", err)
	}
}

func TestEvaluateCachesAndSkipsAuditOnHit(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	newCheckoutFlag(t, svc, 0)

	req := featureflag.EvaluationRequest{
		FlagKey: "new_checkout", UserID: "user-pro",
		Attributes: map[string]interface{}{"plan": "pro"},
	}

	first, err := svc.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if first.Cached {
		t.Fatal("first evaluation must miss the cache")
	}
	if got := len(store.Evaluations()); got != 1 {
		t.Fatalf("expected one audit record, got %d", got)
	}

	second, err := svc.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !second.Cached {
		t.Fatal("second evaluation must be served from cache")
	}
	if second.Value != first.Value || second.Reason != first.Reason {
		t.Fatalf("cached response diverged: %+v vs %+v", second, first)
	}
	if got := len(store.Evaluations()); got != 1 {
		t.Fatalf("cache hits must not be audited, got %d records", got)
	}
}

func TestUpdateInvalidatesConfigCache(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	newCheckoutFlag(t, svc, 0)

	// Prime the config cache.
	if _, err := svc.Get(ctx, "new_checkout"); err != nil {
		t.Fatalf("get: %v", err)
	}

	if _, err := svc.Update(ctx, "new_checkout", UpdatePatch{Name: strPtr("Renamed checkout")}); err != nil {
		t.Fatalf("update: %v", err)
	}

	f, err := svc.Get(ctx, "new_checkout")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if f.Name != "Renamed checkout" {
		t.Fatalf("stale config served after update: %q", f.Name)
	}
}

func TestDeleteRemovesFlag(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	newCheckoutFlag(t, svc, 0)

	if err := svc.Delete(ctx, "new_checkout"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(ctx, "new_checkout"); err == nil {
		t.Fatal("deleted flag must not be readable")
	}
}

func TestEvaluateAll(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	newCheckoutFlag(t, svc, 0)

	if _, err := svc.Create(ctx, CreateRequest{
		FlagKey: "dark_mode", Name: "Dark mode", RolloutPercentage: floatPtr(100),
		DefaultValue: false,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, CreateRequest{
		FlagKey: "killed", Name: "Killed flag",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Update(ctx, "killed", UpdatePatch{KillSwitch: boolPtr(true)}); err != nil {
		t.Fatalf("kill: %v", err)
	}

	resp, err := svc.EvaluateAll(ctx, featureflag.BulkEvaluationRequest{
		UserID:     "user-pro",
		Attributes: map[string]interface{}{"plan": "pro"},
	})
	if err != nil {
		t.Fatalf("evaluate all: %v", err)
	}
	if _, ok := resp.Flags["killed"]; ok {
		t.Fatal("kill-switched flags are excluded from evaluate-all")
	}
	if got := resp.Flags["new_checkout"]; got.Reason != featureflag.ReasonTargeting || got.Value != true {
		t.Fatalf("new_checkout: %+v", got)
	}
	if got := resp.Flags["dark_mode"]; got.Reason != featureflag.ReasonRollout {
		t.Fatalf("dark_mode: %+v", got)
	}
	if resp.EvaluatedAt.IsZero() || resp.EvaluatedAt.After(time.Now().Add(time.Second)) {
		t.Fatalf("bad evaluated_at %s", resp.EvaluatedAt)
	}

	// Explicit keys: missing ones are silently skipped.
	resp, err = svc.EvaluateAll(ctx, featureflag.BulkEvaluationRequest{
		UserID:   "user-pro",
		FlagKeys: []string{"dark_mode", "ghost"},
	})
	if err != nil {
		t.Fatalf("evaluate keys: %v", err)
	}
	if len(resp.Flags) != 1 {
		t.Fatalf("expected one evaluated flag, got %v", resp.Flags)
	}
}
