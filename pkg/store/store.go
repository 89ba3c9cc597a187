// Package store persists pipeline runs and the audit trail.
package store

import (
	"context"
	"errors"
	"fmt"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
	"github.com/dominodatalab/sweeper/pkg/config"
)

var (
	ErrNotFound = errors.New("run not found")
	ErrExists   = errors.New("run already exists")
)

// Store is the durable record of every run. Implementations hand out copies; callers never share
// state with the store.
type Store interface {
	CreateRun(ctx context.Context, run *sweeperv1.PipelineRun) error
	UpdateRun(ctx context.Context, run *sweeperv1.PipelineRun) error
	GetRun(ctx context.Context, id string) (*sweeperv1.PipelineRun, error)
	// ListRuns returns every run, newest first.
	ListRuns(ctx context.Context) ([]*sweeperv1.PipelineRun, error)
	DeleteRun(ctx context.Context, id string) error

	RecordAudit(ctx context.Context, event sweeperv1.AuditEvent) error
	// ListAudit returns the events of one run in the order they were recorded. An empty runID
	// returns every event.
	ListAudit(ctx context.Context, runID string) ([]sweeperv1.AuditEvent, error)

	Close() error
}

// New builds the store selected by cfg.
func New(cfg config.Store) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.Path)
	}

	return nil, fmt.Errorf("unsupported store type %q", cfg.Type)
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
