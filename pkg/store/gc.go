package store

import (
	"context"
	"sort"

	"github.com/go-logr/logr"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
	"github.com/dominodatalab/sweeper/pkg/source"
)

// RunGC prunes the run history down to the most recent terminal runs. Runs that are still in
// flight are never touched and audit events are kept forever.
type RunGC struct {
	historyLimit   int
	store          Store
	removeSnapshot func(*sweeperv1.SourceSnapshot) error
}

func NewRunGC(store Store, historyLimit int) *RunGC {
	return &RunGC{
		historyLimit:   historyLimit,
		store:          store,
		removeSnapshot: source.Remove,
	}
}

// CleanUpRuns deletes the oldest terminal runs beyond the history limit together with snapshot
// archives no retained run still references. It returns the number of runs deleted.
func (gc *RunGC) CleanUpRuns(ctx context.Context, log logr.Logger) int {
	runs, err := gc.store.ListRuns(ctx)
	if err != nil {
		log.Info("Unable to list runs, not starting run clean up", "error", err)
		return 0
	}
	if len(runs) == 0 {
		log.V(1).Info("No runs found, aborting")
		return 0
	}

	var finished []*sweeperv1.PipelineRun
	for _, run := range runs {
		if run.Phase.Terminal() {
			finished = append(finished, run)
		}
	}

	if len(finished) <= gc.historyLimit {
		log.Info("Total runs are less than or equal to retention limit, aborting",
			"runCount", len(finished), "retentionCount", gc.historyLimit)
		return 0
	}
	log.Info("Total runs eligible for deletion", "count", len(finished)-gc.historyLimit)
	sort.SliceStable(finished, func(i, j int) bool {
		return finished[i].CreatedAt.Before(finished[j].CreatedAt)
	})

	doomed := finished[:len(finished)-gc.historyLimit]
	gone := make(map[string]bool, len(doomed))
	for _, run := range doomed {
		gone[run.ID] = true
	}

	// archives still referenced by a surviving run
	referenced := map[string]bool{}
	for _, run := range runs {
		if !gone[run.ID] && run.Snapshot != nil {
			referenced[run.Snapshot.Archive] = true
		}
	}

	var deleted int
	for _, run := range doomed {
		if err := gc.store.DeleteRun(ctx, run.ID); err != nil {
			log.Info("Failed to delete run", "runId", run.ID, "error", err)
			continue
		}
		deleted++
		log.Info("Deleted run", "runId", run.ID, "phase", run.Phase)

		if snap := run.Snapshot; snap != nil && snap.Archive != "" && !referenced[snap.Archive] {
			if err := gc.removeSnapshot(snap); err != nil {
				log.Info("Failed to remove snapshot archive", "runId", run.ID, "archive", snap.Archive, "error", err)
			}
			referenced[snap.Archive] = true
		}
	}
	log.Info("Cleanup complete", "deleted", deleted)

	return deleted
}

// RunGarbageCollection performs a single clean up pass when enabled.
func RunGarbageCollection(ctx context.Context, log logr.Logger, enabled bool, historyLimit int, store Store) error {
	log = log.WithName("GC")

	if !enabled {
		log.Info("Automatic run clean up disabled, run history is kept indefinitely.")
		return nil
	}

	log.Info("Launching run clean up", "historyLimit", historyLimit)
	NewRunGC(store, historyLimit).CleanUpRuns(ctx, log)

	return nil
}
