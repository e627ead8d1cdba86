// Package app composes the experimentation engine into a running
// application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── experiment/     # Experiments, variants, assignments
//	│   └── featureflag/    # Flags, targeting rules, evaluations
//	├── bucket/             # Deterministic hash bucketing strategies
//	├── rules/              # Targeting-condition evaluation
//	├── storage/            # Store interfaces and implementations
//	│   ├── interfaces.go   # ExperimentStore, FlagStore, EvaluationStore
//	│   ├── memory/         # In-memory implementation for tests
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── cache/              # Advisory KV cache (redis, in-process)
//	├── services/           # Business logic
//	│   ├── experiments/    # Variant assignment service
//	│   └── flags/          # Flag evaluation service
//	├── httpapi/            # HTTP handlers and routing
//	├── system/             # Lifecycle management
//	└── metrics/            # Prometheus collectors
//
// Decision flow: a request enters a service, which consults the cache,
// falls back to the store on miss, runs bucketing and rule evaluation,
// persists any new assignment, and returns the result with an auditable
// reason.
package app
