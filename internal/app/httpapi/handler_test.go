package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	app "github.com/Beacon-Analytics/experiment_layer/internal/app"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/domain/experiment"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/domain/featureflag"
)

func newTestServer(t *testing.T) (http.Handler, *app.Application) {
	t.Helper()
	application, err := app.New(app.Stores{}, app.Options{}, nil)
	if err != nil {
		t.Fatalf("build application: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("start application: %v", err)
	}
	t.Cleanup(func() { _ = application.Stop(context.Background()) })
	return NewHandler(application), application
}

func doJSON(t *testing.T, h http.Handler, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
	var body map[string]interface{}
	decodeBody(t, rec, &body)
	if body["status"] != "healthy" {
		t.Fatalf("health body %v", body)
	}
}

func TestExperimentLifecycleOverHTTP(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/experiments", map[string]interface{}{
		"name": "checkout test",
		"type": "ab_test",
		"variants": []map[string]interface{}{
			{"name": "control", "type": "control", "traffic_percentage": 50},
			{"name": "treatment", "type": "treatment", "traffic_percentage": 50},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}
	var exp experiment.Experiment
	decodeBody(t, rec, &exp)
	if exp.ID == "" || exp.Status != experiment.StatusDraft {
		t.Fatalf("created experiment %+v", exp)
	}

	// Assigning against a draft experiment is a no-op.
	rec = doJSON(t, h, http.MethodPost, "/experiments/"+exp.ID+"/assignments",
		map[string]interface{}{"user_id": "user-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("assign returned %d: %s", rec.Code, rec.Body.String())
	}
	var assignResp struct {
		Assigned   bool                          `json:"assigned"`
		Assignment *experiment.VariantAssignment `json:"assignment"`
	}
	decodeBody(t, rec, &assignResp)
	if assignResp.Assigned {
		t.Fatal("draft experiment must not assign")
	}

	rec = doJSON(t, h, http.MethodPatch, "/experiments/"+exp.ID,
		map[string]interface{}{"status": "running"})
	if rec.Code != http.StatusOK {
		t.Fatalf("start returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/experiments/"+exp.ID+"/assignments",
		map[string]interface{}{"user_id": "user-1"})
	decodeBody(t, rec, &assignResp)
	if !assignResp.Assigned || assignResp.Assignment == nil || assignResp.Assignment.VariantID == "" {
		t.Fatalf("running experiment must assign: %s", rec.Body.String())
	}
	firstVariant := assignResp.Assignment.VariantID

	// Same user, same variant.
	rec = doJSON(t, h, http.MethodPost, "/experiments/"+exp.ID+"/assignments",
		map[string]interface{}{"user_id": "user-1"})
	decodeBody(t, rec, &assignResp)
	if assignResp.Assignment.VariantID != firstVariant {
		t.Fatal("assignment not sticky over HTTP")
	}

	rec = doJSON(t, h, http.MethodGet, "/experiments", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list returned %d", rec.Code)
	}
	var list []experiment.Experiment
	decodeBody(t, rec, &list)
	if len(list) != 1 {
		t.Fatalf("expected one experiment, got %d", len(list))
	}
}

func TestAssignmentCompactToken(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/experiments", map[string]interface{}{
		"name": "token test",
		"type": "ab_test",
		"variants": []map[string]interface{}{
			{"name": "control", "type": "control", "traffic_percentage": 100},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}
	var exp experiment.Experiment
	decodeBody(t, rec, &exp)

	rec = doJSON(t, h, http.MethodPatch, "/experiments/"+exp.ID,
		map[string]interface{}{"status": "running"})
	if rec.Code != http.StatusOK {
		t.Fatalf("start returned %d: %s", rec.Code, rec.Body.String())
	}

	// The client's existing token rides along; the fresh assignment is
	// folded in ahead of it, and a stale pair for this experiment loses.
	rec = doJSON(t, h, http.MethodPost, "/experiments/"+exp.ID+"/assignments",
		map[string]interface{}{
			"user_id":     "user-1",
			"assignments": "other-exp:varX;" + exp.ID + ":stale-variant",
		})
	if rec.Code != http.StatusOK {
		t.Fatalf("assign returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Assigned    bool                          `json:"assigned"`
		Assignment  *experiment.VariantAssignment `json:"assignment"`
		Assignments string                        `json:"assignments"`
	}
	decodeBody(t, rec, &resp)
	if !resp.Assigned || resp.Assignment == nil {
		t.Fatalf("expected assignment: %s", rec.Body.String())
	}
	want := exp.ID + ":" + resp.Assignment.VariantID + ";other-exp:varX"
	if resp.Assignments != want {
		t.Fatalf("token = %q, want %q", resp.Assignments, want)
	}

	// A draft experiment assigns nothing but still echoes the token.
	rec = doJSON(t, h, http.MethodPost, "/experiments", map[string]interface{}{
		"name": "still drafting",
		"type": "ab_test",
		"variants": []map[string]interface{}{
			{"name": "control", "type": "control", "traffic_percentage": 100},
		},
	})
	var draft experiment.Experiment
	decodeBody(t, rec, &draft)

	rec = doJSON(t, h, http.MethodPost, "/experiments/"+draft.ID+"/assignments",
		map[string]interface{}{"user_id": "user-1", "assignments": "other-exp:varX"})
	decodeBody(t, rec, &resp)
	if resp.Assigned {
		t.Fatal("draft experiment must not assign")
	}
	if resp.Assignments != "other-exp:varX" {
		t.Fatalf("token = %q, want it echoed unchanged", resp.Assignments)
	}
}

func TestExperimentErrors(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/experiments", map[string]interface{}{"type": "ab_test"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid create returned %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/experiments/999", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing experiment returned %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/experiments", map[string]interface{}{"bogus": true})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field returned %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodDelete, "/experiments", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("unsupported method returned %d", rec.Code)
	}
}

func TestFlagCRUDAndEvaluateOverHTTP(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodPost, "/flags", map[string]interface{}{
		"flag_key":      "new_checkout",
		"name":          "New checkout flow",
		"default_value": false,
		"targeting_rules": []map[string]interface{}{{
			"variation_key": "on",
			"conditions": []map[string]interface{}{{
				"attribute": "plan", "operator": "equals", "values": []interface{}{"pro"},
			}},
		}},
		"variations": []map[string]interface{}{
			{"key": "on", "value": true},
			{"key": "off", "value": false},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create flag returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/flags/new_checkout/evaluate", map[string]interface{}{
		"user_id":    "user-pro",
		"attributes": map[string]interface{}{"plan": "pro"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("evaluate returned %d: %s", rec.Code, rec.Body.String())
	}
	var eval featureflag.EvaluationResponse
	decodeBody(t, rec, &eval)
	if eval.Reason != featureflag.ReasonTargeting || eval.Value != true {
		t.Fatalf("evaluation %+v", eval)
	}

	rec = doJSON(t, h, http.MethodPut, "/flags/new_checkout", map[string]interface{}{
		"kill_switch": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/flags/new_checkout/evaluate", map[string]interface{}{
		"user_id":    "user-pro-fresh",
		"attributes": map[string]interface{}{"plan": "pro"},
	})
	decodeBody(t, rec, &eval)
	if eval.Reason != featureflag.ReasonKillSwitch {
		t.Fatalf("kill switch not honored over HTTP: %+v", eval)
	}

	rec = doJSON(t, h, http.MethodGet, "/flags/new_checkout", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get returned %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodDelete, "/flags/new_checkout", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete returned %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/flags/new_checkout", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("deleted flag returned %d", rec.Code)
	}
}

func TestBulkEvaluateOverHTTP(t *testing.T) {
	h, _ := newTestServer(t)

	for i := 0; i < 2; i++ {
		rec := doJSON(t, h, http.MethodPost, "/flags", map[string]interface{}{
			"flag_key":           fmt.Sprintf("flag_%d", i),
			"name":               fmt.Sprintf("Flag %d", i),
			"rollout_percentage": 100,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create flag %d returned %d: %s", i, rec.Code, rec.Body.String())
		}
	}

	rec := doJSON(t, h, http.MethodPost, "/flags/evaluate", map[string]interface{}{
		"user_id": "user-bulk",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk evaluate returned %d: %s", rec.Code, rec.Body.String())
	}
	var bulk featureflag.BulkEvaluationResponse
	decodeBody(t, rec, &bulk)
	if len(bulk.Flags) != 2 {
		t.Fatalf("expected two evaluated flags, got %v", bulk.Flags)
	}
	for key, resp := range bulk.Flags {
		if resp.Reason != featureflag.ReasonRollout {
			t.Fatalf("flag %s reason %s", key, resp.Reason)
		}
	}

	// Missing user id is a client error.
	rec = doJSON(t, h, http.MethodPost, "/flags/evaluate", map[string]interface{}{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bulk evaluate without user returned %d", rec.Code)
	}
}

func TestFlagErrors(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doJSON(t, h, http.MethodGet, "/flags/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing flag returned %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/flags", map[string]interface{}{"name": "no key"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid flag create returned %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/flags/ghost/evaluate", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET evaluate returned %d", rec.Code)
	}
}
