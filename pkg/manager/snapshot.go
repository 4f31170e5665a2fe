package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/containerd/errdefs"
	"github.com/offlinefarm/dispatcher/pkg/lifecycle"
	"github.com/offlinefarm/dispatcher/pkg/storage"
	"github.com/offlinefarm/dispatcher/pkg/types"
)

// SnapshotVersion is the format version written by Export
const SnapshotVersion = 1

// Snapshot is a point-in-time copy of the whole store
type Snapshot struct {
	Version        int                    `json:"version"`
	Schedules      []*types.Schedule      `json:"schedules"`
	RequestedTasks []*types.RequestedTask `json:"requested_tasks"`
	Tasks          []*types.Task          `json:"tasks"`
	Workers        []*types.Worker        `json:"workers"`
	Offliners      []*types.Offliner      `json:"offliners"`
}

// Export writes a snapshot of the store to w, read in one transaction
func (m *Manager) Export(ctx context.Context, w io.Writer) error {
	snapshot := Snapshot{Version: SnapshotVersion}
	err := m.store.View(ctx, func(tx storage.Tx) error {
		var err error
		if snapshot.Schedules, err = tx.ListSchedules(); err != nil {
			return fmt.Errorf("failed to list schedules: %w", err)
		}
		if snapshot.RequestedTasks, err = tx.ListRequestedTasks(); err != nil {
			return fmt.Errorf("failed to list requested tasks: %w", err)
		}
		if snapshot.Tasks, err = tx.ListTasks(storage.TaskFilter{}); err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}
		if snapshot.Workers, err = tx.ListWorkers(); err != nil {
			return fmt.Errorf("failed to list workers: %w", err)
		}
		if snapshot.Offliners, err = tx.ListOffliners(); err != nil {
			return fmt.Errorf("failed to list offliners: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&snapshot)
}

// Import loads a snapshot into the store in one transaction. Existing
// rows with the same keys are overwritten. Task status logs are replayed
// against the transition table and a task whose history is illegal aborts
// the import.
func (m *Manager) Import(ctx context.Context, r io.Reader) (*Snapshot, error) {
	var snapshot Snapshot
	if err := json.NewDecoder(r).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	if snapshot.Version != SnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d: %w", snapshot.Version, errdefs.ErrInvalidArgument)
	}

	err := m.store.Update(ctx, func(tx storage.Tx) error {
		for _, o := range snapshot.Offliners {
			if err := tx.PutOffliner(o); err != nil {
				return fmt.Errorf("failed to restore offliner: %w", err)
			}
		}
		for _, s := range snapshot.Schedules {
			if err := tx.PutSchedule(s); err != nil {
				return fmt.Errorf("failed to restore schedule: %w", err)
			}
		}
		for _, w := range snapshot.Workers {
			if err := tx.PutWorker(w); err != nil {
				return fmt.Errorf("failed to restore worker: %w", err)
			}
		}
		for _, rt := range snapshot.RequestedTasks {
			if err := tx.PutRequestedTask(rt); err != nil {
				return fmt.Errorf("failed to restore requested task: %w", err)
			}
		}
		for _, t := range snapshot.Tasks {
			if err := checkHistory(t); err != nil {
				return err
			}
			if err := tx.PutTask(t); err != nil {
				return fmt.Errorf("failed to restore task: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.cache.Reset()
	m.logger.Info().
		Int("schedules", len(snapshot.Schedules)).
		Int("requested_tasks", len(snapshot.RequestedTasks)).
		Int("tasks", len(snapshot.Tasks)).
		Msg("snapshot imported")
	return &snapshot, nil
}

func checkHistory(t *types.Task) error {
	status, err := lifecycle.Replay(t.StatusLog)
	if err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	if status != t.Status {
		return fmt.Errorf("task %s: status %s does not match its log (%s): %w", t.ID, t.Status, status, errdefs.ErrInvalidArgument)
	}
	return nil
}
