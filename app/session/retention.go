package session

import (
	"context"
	"fmt"

	log "github.com/go-pkgz/lgr"
)

// runIndex is the part of the store used by Retention
type runIndex interface {
	ListRuns(ctx context.Context, jobID string) ([]string, error)
	ForgetRun(ctx context.Context, jobID, runID string) error
}

// Retention keeps at most MaxLogs newest runs of a job. MaxLogs <= 0 disables it.
type Retention struct {
	Store   runIndex
	MaxLogs int
}

// Enforce forgets all runs of the job except MaxLogs most recent ones. Returns forgotten run ids.
func (r Retention) Enforce(ctx context.Context, jobID string) ([]string, error) {
	if r.MaxLogs <= 0 {
		return nil, nil
	}
	runs, err := r.Store.ListRuns(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("retention for %s: %w", jobID, err)
	}
	if len(runs) <= r.MaxLogs {
		return nil, nil
	}

	// runs ordered oldest first
	expired := runs[:len(runs)-r.MaxLogs]
	for i, runID := range expired {
		if err := r.Store.ForgetRun(ctx, jobID, runID); err != nil {
			return expired[:i], fmt.Errorf("retention for %s: %w", jobID, err)
		}
	}
	log.Printf("[DEBUG] retention for %s, forgot %d run(s), kept %d", jobID, len(expired), r.MaxLogs)
	return expired, nil
}
