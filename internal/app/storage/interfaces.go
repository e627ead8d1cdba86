package storage

import (
	"context"
	"errors"

	"github.com/Beacon-Analytics/experiment_layer/internal/app/domain/experiment"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/domain/featureflag"
)

// ErrNotFound is returned by stores when the requested entity does not
// exist. Services translate it into not-found responses; it is never used
// for "no assignment" outcomes.
var ErrNotFound = errors.New("not found")

// ExperimentStore persists experiments, their variants, and assignments.
type ExperimentStore interface {
	// CreateExperiment inserts the experiment and all its variants as a
	// single logical transaction: either every row lands or none do.
	CreateExperiment(ctx context.Context, exp experiment.Experiment) (experiment.Experiment, error)
	// UpdateExperiment replaces the mutable columns of an experiment.
	// Variants are not touched.
	UpdateExperiment(ctx context.Context, exp experiment.Experiment) (experiment.Experiment, error)
	// GetExperiment returns the experiment with variants in stored order.
	GetExperiment(ctx context.Context, id string) (experiment.Experiment, error)
	ListExperiments(ctx context.Context) ([]experiment.Experiment, error)

	// GetAssignment returns the durable assignment for (experimentID,
	// userID), or ErrNotFound.
	GetAssignment(ctx context.Context, experimentID, userID string) (experiment.Assignment, error)
	// CreateAssignment inserts the assignment unless one already exists for
	// the same (experiment_id, user_id), in which case the existing row is
	// returned unchanged. Exactly one assignment survives concurrent calls.
	CreateAssignment(ctx context.Context, asg experiment.Assignment) (experiment.Assignment, error)
}

// FlagStore persists feature flags.
type FlagStore interface {
	CreateFlag(ctx context.Context, f featureflag.Flag) (featureflag.Flag, error)
	UpdateFlag(ctx context.Context, f featureflag.Flag) (featureflag.Flag, error)
	GetFlag(ctx context.Context, flagKey string) (featureflag.Flag, error)
	ListFlags(ctx context.Context) ([]featureflag.Flag, error)
	DeleteFlag(ctx context.Context, flagKey string) error
}

// EvaluationStore records flag decisions for offline analysis. Records are
// append-only and never read back by the engine.
type EvaluationStore interface {
	CreateEvaluation(ctx context.Context, ev featureflag.Evaluation) error
}
