// Package state persists run outcomes and global variables between runs, so
// a later run can resume with clear_results=false and seed its completed set
// from the prior record.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainflow-ai/chainflow/internal/engine"
	"github.com/chainflow-ai/chainflow/internal/flow"
	"github.com/chainflow-ai/chainflow/internal/platform/config"
	"github.com/chainflow-ai/chainflow/internal/platform/logger"
	"github.com/chainflow-ai/chainflow/internal/variable"
)

// ErrNotFound reports that no record exists for the requested key.
var ErrNotFound = errors.New("state: record not found")

// RunRecord is what a host saves after a run reaches quiescence.
type RunRecord struct {
	RunID            string                 `json:"run_id" bson:"run_id"`
	FlowID           string                 `json:"flow_id,omitempty" bson:"flow_id,omitempty"`
	Results          map[string]flow.Result `json:"results" bson:"results"`
	CompletedNodeIDs []string               `json:"completed_node_ids" bson:"completed_node_ids"`
	Summary          *engine.RunSummary     `json:"summary,omitempty" bson:"summary,omitempty"`
	CreatedAt        time.Time              `json:"created_at" bson:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at" bson:"updated_at"`
}

// Store persists run records and variable tables. Scope for variables is a
// free-form partition key; hosts use the flow id or "global".
type Store interface {
	SaveRun(ctx context.Context, record RunRecord) error
	LoadRun(ctx context.Context, runID string) (*RunRecord, error)
	LoadLatest(ctx context.Context, flowID string) (*RunRecord, error)
	SaveVariables(ctx context.Context, scope string, vars map[string]variable.Variable) error
	LoadVariables(ctx context.Context, scope string) (map[string]variable.Variable, error)
	Close() error
	Ping(ctx context.Context) error
}

// Open builds the store the configuration selects.
func Open(ctx context.Context, cfg config.StateConfig, log logger.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(cfg.Redis)
	case "postgres", "mysql":
		return OpenSQL(ctx, cfg.Backend, cfg.DSN, log)
	case "mongo":
		return OpenMongo(ctx, cfg.Mongo)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}
