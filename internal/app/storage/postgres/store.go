// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Beacon-Analytics/experiment_layer/internal/app/domain/experiment"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/domain/featureflag"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/storage"
)

// Store implements the storage interfaces over a database handle.
type Store struct {
	db *sql.DB
}

var _ storage.ExperimentStore = (*Store)(nil)
var _ storage.FlagStore = (*Store)(nil)
var _ storage.EvaluationStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- ExperimentStore --------------------------------------------------------

func (s *Store) CreateExperiment(ctx context.Context, exp experiment.Experiment) (experiment.Experiment, error) {
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	exp.CreatedAt = now
	exp.UpdatedAt = now

	rulesJSON := []byte("{}")
	if len(exp.TargetingRules) > 0 {
		rulesJSON = exp.TargetingRules
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return experiment.Experiment{}, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO experiments (id, name, description, type, status, targeting_rules, traffic_allocation, start_time, end_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, exp.ID, exp.Name, exp.Description, exp.Type, exp.Status, rulesJSON, exp.TrafficAllocation,
		toNullTime(exp.StartTime), toNullTime(exp.EndTime), exp.CreatedAt, exp.UpdatedAt)
	if err != nil {
		return experiment.Experiment{}, err
	}

	variants := make([]experiment.Variant, len(exp.Variants))
	copy(variants, exp.Variants)
	for i := range variants {
		if variants[i].ID == "" {
			variants[i].ID = uuid.NewString()
		}
		variants[i].ExperimentID = exp.ID

		configJSON := []byte("{}")
		if len(variants[i].Config) > 0 {
			configJSON = variants[i].Config
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO variants (id, experiment_id, name, type, config, traffic_percentage, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, variants[i].ID, exp.ID, variants[i].Name, variants[i].Type, configJSON, variants[i].TrafficPercentage, i)
		if err != nil {
			return experiment.Experiment{}, err
		}
	}
	exp.Variants = variants

	if err := tx.Commit(); err != nil {
		return experiment.Experiment{}, err
	}
	return exp, nil
}

func (s *Store) UpdateExperiment(ctx context.Context, exp experiment.Experiment) (experiment.Experiment, error) {
	existing, err := s.GetExperiment(ctx, exp.ID)
	if err != nil {
		return experiment.Experiment{}, err
	}

	exp.CreatedAt = existing.CreatedAt
	exp.UpdatedAt = time.Now().UTC()
	exp.Variants = existing.Variants

	rulesJSON := []byte("{}")
	if len(exp.TargetingRules) > 0 {
		rulesJSON = exp.TargetingRules
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE experiments
		SET name = $2, description = $3, status = $4, targeting_rules = $5, traffic_allocation = $6,
		    start_time = $7, end_time = $8, started_at = $9, ended_at = $10, stopped_reason = $11, updated_at = $12
		WHERE id = $1
	`, exp.ID, exp.Name, exp.Description, exp.Status, rulesJSON, exp.TrafficAllocation,
		toNullTime(exp.StartTime), toNullTime(exp.EndTime), toNullTime(exp.StartedAt), toNullTime(exp.EndedAt),
		exp.StoppedReason, exp.UpdatedAt)
	if err != nil {
		return experiment.Experiment{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return experiment.Experiment{}, storage.ErrNotFound
	}
	return exp, nil
}

func (s *Store) GetExperiment(ctx context.Context, id string) (experiment.Experiment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, type, status, targeting_rules, traffic_allocation,
		       start_time, end_time, created_at, updated_at, started_at, ended_at, stopped_reason
		FROM experiments
		WHERE id = $1
	`, id)

	exp, err := scanExperiment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return experiment.Experiment{}, storage.ErrNotFound
		}
		return experiment.Experiment{}, err
	}

	variants, err := s.listVariants(ctx, id)
	if err != nil {
		return experiment.Experiment{}, err
	}
	exp.Variants = variants
	return exp, nil
}

func (s *Store) ListExperiments(ctx context.Context) ([]experiment.Experiment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, type, status, targeting_rules, traffic_allocation,
		       start_time, end_time, created_at, updated_at, started_at, ended_at, stopped_reason
		FROM experiments
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []experiment.Experiment
	index := make(map[string]int)
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		exp.Variants = []experiment.Variant{}
		index[exp.ID] = len(result)
		result = append(result, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	vrows, err := s.db.QueryContext(ctx, `
		SELECT id, experiment_id, name, type, config, traffic_percentage
		FROM variants
		ORDER BY experiment_id, position
	`)
	if err != nil {
		return nil, err
	}
	defer vrows.Close()

	for vrows.Next() {
		v, err := scanVariant(vrows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[v.ExperimentID]; ok {
			result[i].Variants = append(result[i].Variants, v)
		}
	}
	return result, vrows.Err()
}

func (s *Store) listVariants(ctx context.Context, experimentID string) ([]experiment.Variant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, experiment_id, name, type, config, traffic_percentage
		FROM variants
		WHERE experiment_id = $1
		ORDER BY position
	`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []experiment.Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (s *Store) GetAssignment(ctx context.Context, experimentID, userID string) (experiment.Assignment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, experiment_id, user_id, variant_id, context, created_at
		FROM assignments
		WHERE experiment_id = $1 AND user_id = $2
	`, experimentID, userID)

	var (
		asg        experiment.Assignment
		contextRaw []byte
	)
	if err := row.Scan(&asg.ID, &asg.ExperimentID, &asg.UserID, &asg.VariantID, &contextRaw, &asg.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return experiment.Assignment{}, storage.ErrNotFound
		}
		return experiment.Assignment{}, err
	}
	if len(contextRaw) > 0 {
		asg.Context = json.RawMessage(contextRaw)
	}
	return asg, nil
}

// CreateAssignment relies on the unique index on (experiment_id, user_id):
// when a concurrent writer got there first the insert affects zero rows and
// the surviving row is read back, so both callers converge on one winner.
func (s *Store) CreateAssignment(ctx context.Context, asg experiment.Assignment) (experiment.Assignment, error) {
	if asg.ID == "" {
		asg.ID = uuid.NewString()
	}
	asg.CreatedAt = time.Now().UTC()

	contextJSON := []byte("{}")
	if len(asg.Context) > 0 {
		contextJSON = asg.Context
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (id, experiment_id, user_id, variant_id, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (experiment_id, user_id) DO NOTHING
	`, asg.ID, asg.ExperimentID, asg.UserID, asg.VariantID, contextJSON, asg.CreatedAt)
	if err != nil {
		return experiment.Assignment{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return s.GetAssignment(ctx, asg.ExperimentID, asg.UserID)
	}
	return asg, nil
}

// --- FlagStore --------------------------------------------------------------

func (s *Store) CreateFlag(ctx context.Context, f featureflag.Flag) (featureflag.Flag, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now

	defaultJSON, rulesJSON, variationsJSON, err := marshalFlagJSON(f)
	if err != nil {
		return featureflag.Flag{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feature_flags (id, flag_key, name, description, site_id, enabled, kill_switch,
		                           default_value, targeting_rules, rollout_percentage, variations,
		                           created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, f.ID, f.FlagKey, f.Name, f.Description, f.SiteID, f.Enabled, f.KillSwitch,
		defaultJSON, rulesJSON, f.RolloutPercentage, variationsJSON, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return featureflag.Flag{}, err
	}
	return f, nil
}

func (s *Store) UpdateFlag(ctx context.Context, f featureflag.Flag) (featureflag.Flag, error) {
	existing, err := s.GetFlag(ctx, f.FlagKey)
	if err != nil {
		return featureflag.Flag{}, err
	}

	f.ID = existing.ID
	f.CreatedAt = existing.CreatedAt
	f.UpdatedAt = time.Now().UTC()

	defaultJSON, rulesJSON, variationsJSON, err := marshalFlagJSON(f)
	if err != nil {
		return featureflag.Flag{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE feature_flags
		SET name = $2, description = $3, site_id = $4, enabled = $5, kill_switch = $6,
		    default_value = $7, targeting_rules = $8, rollout_percentage = $9, variations = $10, updated_at = $11
		WHERE flag_key = $1
	`, f.FlagKey, f.Name, f.Description, f.SiteID, f.Enabled, f.KillSwitch,
		defaultJSON, rulesJSON, f.RolloutPercentage, variationsJSON, f.UpdatedAt)
	if err != nil {
		return featureflag.Flag{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return featureflag.Flag{}, storage.ErrNotFound
	}
	return f, nil
}

func (s *Store) GetFlag(ctx context.Context, flagKey string) (featureflag.Flag, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, flag_key, name, description, site_id, enabled, kill_switch,
		       default_value, targeting_rules, rollout_percentage, variations, created_at, updated_at
		FROM feature_flags
		WHERE flag_key = $1
	`, flagKey)

	f, err := scanFlag(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return featureflag.Flag{}, storage.ErrNotFound
		}
		return featureflag.Flag{}, err
	}
	return f, nil
}

func (s *Store) ListFlags(ctx context.Context) ([]featureflag.Flag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, flag_key, name, description, site_id, enabled, kill_switch,
		       default_value, targeting_rules, rollout_percentage, variations, created_at, updated_at
		FROM feature_flags
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []featureflag.Flag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (s *Store) DeleteFlag(ctx context.Context, flagKey string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM feature_flags WHERE flag_key = $1
	`, flagKey)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- EvaluationStore --------------------------------------------------------

func (s *Store) CreateEvaluation(ctx context.Context, ev featureflag.Evaluation) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.EvaluatedAt.IsZero() {
		ev.EvaluatedAt = time.Now().UTC()
	}

	valueJSON, err := json.Marshal(ev.Value)
	if err != nil {
		return err
	}
	contextJSON, err := json.Marshal(ev.Context)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flag_evaluations (id, flag_id, flag_key, user_id, variation_key, variation_value, reason, context, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ev.ID, ev.FlagID, ev.FlagKey, ev.UserID, ev.VariationKey, valueJSON, ev.Reason, contextJSON, ev.EvaluatedAt)
	return err
}

// --- scan helpers -----------------------------------------------------------

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExperiment(row rowScanner) (experiment.Experiment, error) {
	var (
		exp           experiment.Experiment
		description   sql.NullString
		rulesRaw      []byte
		startTime     sql.NullTime
		endTime       sql.NullTime
		startedAt     sql.NullTime
		endedAt       sql.NullTime
		stoppedReason sql.NullString
	)
	if err := row.Scan(&exp.ID, &exp.Name, &description, &exp.Type, &exp.Status, &rulesRaw, &exp.TrafficAllocation,
		&startTime, &endTime, &exp.CreatedAt, &exp.UpdatedAt, &startedAt, &endedAt, &stoppedReason); err != nil {
		return experiment.Experiment{}, err
	}
	exp.Description = description.String
	exp.StoppedReason = stoppedReason.String
	if len(rulesRaw) > 0 {
		exp.TargetingRules = json.RawMessage(rulesRaw)
	}
	exp.StartTime = fromNullTime(startTime)
	exp.EndTime = fromNullTime(endTime)
	exp.StartedAt = fromNullTime(startedAt)
	exp.EndedAt = fromNullTime(endedAt)
	return exp, nil
}

func scanVariant(row rowScanner) (experiment.Variant, error) {
	var (
		v         experiment.Variant
		configRaw []byte
	)
	if err := row.Scan(&v.ID, &v.ExperimentID, &v.Name, &v.Type, &configRaw, &v.TrafficPercentage); err != nil {
		return experiment.Variant{}, err
	}
	if len(configRaw) > 0 {
		v.Config = json.RawMessage(configRaw)
	}
	return v, nil
}

func scanFlag(row rowScanner) (featureflag.Flag, error) {
	var (
		f             featureflag.Flag
		description   sql.NullString
		siteID        sql.NullString
		defaultRaw    []byte
		rulesRaw      []byte
		variationsRaw []byte
	)
	if err := row.Scan(&f.ID, &f.FlagKey, &f.Name, &description, &siteID, &f.Enabled, &f.KillSwitch,
		&defaultRaw, &rulesRaw, &f.RolloutPercentage, &variationsRaw, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return featureflag.Flag{}, err
	}
	f.Description = description.String
	f.SiteID = siteID.String
	if len(defaultRaw) > 0 {
		if err := json.Unmarshal(defaultRaw, &f.DefaultValue); err != nil {
			return featureflag.Flag{}, fmt.Errorf("decode default_value for %s: %w", f.FlagKey, err)
		}
	}
	if len(rulesRaw) > 0 {
		_ = json.Unmarshal(rulesRaw, &f.TargetingRules)
	}
	if len(variationsRaw) > 0 {
		_ = json.Unmarshal(variationsRaw, &f.Variations)
	}
	return f, nil
}

func marshalFlagJSON(f featureflag.Flag) (defaultJSON, rulesJSON, variationsJSON []byte, err error) {
	if defaultJSON, err = json.Marshal(f.DefaultValue); err != nil {
		return nil, nil, nil, err
	}
	rules := f.TargetingRules
	if rules == nil {
		rules = []featureflag.TargetingRule{}
	}
	if rulesJSON, err = json.Marshal(rules); err != nil {
		return nil, nil, nil, err
	}
	variations := f.Variations
	if variations == nil {
		variations = []featureflag.Variation{}
	}
	if variationsJSON, err = json.Marshal(variations); err != nil {
		return nil, nil, nil, err
	}
	return defaultJSON, rulesJSON, variationsJSON, nil
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}
