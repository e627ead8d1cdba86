// Package migrations applies the engine's database schema.
//
// Statements are idempotent and run in order on every startup; there is
// no version table. Additive schema changes append new statements.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// Statements holds the schema DDL in application order.
var Statements = []string{
	`CREATE TABLE IF NOT EXISTS experiments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'draft',
		targeting_rules JSONB,
		traffic_allocation DOUBLE PRECISION NOT NULL DEFAULT 100,
		start_time TIMESTAMPTZ,
		end_time TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		stopped_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS variants (
		id TEXT PRIMARY KEY,
		experiment_id TEXT NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'treatment',
		config JSONB,
		traffic_percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
		position INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS assignments (
		id TEXT PRIMARY KEY,
		experiment_id TEXT NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		variant_id TEXT NOT NULL REFERENCES variants(id),
		context JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// Stickiness depends on this index: concurrent writers for the same
	// (experiment, user) pair must converge on a single row.
	`CREATE UNIQUE INDEX IF NOT EXISTS assignments_experiment_user
		ON assignments (experiment_id, user_id)`,
	`CREATE TABLE IF NOT EXISTS feature_flags (
		id TEXT PRIMARY KEY,
		flag_key TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT,
		site_id TEXT,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		kill_switch BOOLEAN NOT NULL DEFAULT FALSE,
		default_value JSONB,
		targeting_rules JSONB,
		rollout_percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
		variations JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS flag_evaluations (
		id TEXT PRIMARY KEY,
		flag_id TEXT,
		flag_key TEXT NOT NULL,
		user_id TEXT NOT NULL,
		variation_key TEXT,
		variation_value JSONB,
		reason TEXT NOT NULL,
		context JSONB,
		evaluated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS flag_evaluations_flag_key
		ON flag_evaluations (flag_key, evaluated_at)`,
}

// Apply runs every migration statement against db in order.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range Statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
