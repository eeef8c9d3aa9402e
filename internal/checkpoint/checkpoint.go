// Package checkpoint persists workflow states at every transition and
// applies the retention policy to checkpoints and the event log.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/orchestra/internal/db"
	"github.com/lucasnoah/orchestra/internal/workflow"
)

var terminalStatuses = []string{
	string(workflow.StatusCompleted),
	string(workflow.StatusFailed),
	string(workflow.StatusCancelled),
}

var activeStatuses = []string{
	string(workflow.StatusPending),
	string(workflow.StatusPlanning),
	string(workflow.StatusPendingApproval),
	string(workflow.StatusExecuting),
	string(workflow.StatusReviewing),
}

// Checkpointer saves and loads workflow states through a db.Store.
type Checkpointer struct {
	store db.Store
}

// New returns a Checkpointer backed by store.
func New(store db.Store) *Checkpointer {
	return &Checkpointer{store: store}
}

// Store exposes the underlying store for event queries.
func (c *Checkpointer) Store() db.Store { return c.store }

// Save persists s and appends its transition records atomically, returning
// the stored events. Nothing is written if either part fails.
func (c *Checkpointer) Save(ctx context.Context, s *workflow.State, recs []workflow.Record) ([]db.Event, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode workflow %s: %w", s.ID, err)
	}
	events := make([]db.NewEvent, len(recs))
	for i, r := range recs {
		events[i] = db.NewEvent{Type: r.Type, Payload: r.Payload}
	}
	return c.store.Commit(ctx, db.Checkpoint{
		WorkflowID:   s.ID,
		WorktreePath: s.WorktreePath,
		Status:       string(s.Status),
		Version:      s.Version,
		State:        data,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}, events)
}

// Load returns the last persisted state of a workflow. Missing workflows
// return an error wrapping db.ErrNotFound.
func (c *Checkpointer) Load(ctx context.Context, id string) (*workflow.State, error) {
	cp, err := c.store.LoadCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	return decode(cp)
}

// List returns persisted workflows, optionally narrowed to statuses.
func (c *Checkpointer) List(ctx context.Context, statuses ...workflow.Status) ([]*workflow.State, error) {
	f := db.ListFilter{}
	for _, s := range statuses {
		f.Statuses = append(f.Statuses, string(s))
	}
	return c.list(ctx, f)
}

// Resumable returns every non-terminal workflow, oldest first.
func (c *Checkpointer) Resumable(ctx context.Context) ([]*workflow.State, error) {
	return c.list(ctx, db.ListFilter{Statuses: activeStatuses})
}

func (c *Checkpointer) list(ctx context.Context, f db.ListFilter) ([]*workflow.State, error) {
	cps, err := c.store.ListCheckpoints(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]*workflow.State, 0, len(cps))
	for i := range cps {
		s, err := decode(&cps[i])
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Delete removes a workflow's checkpoint.
func (c *Checkpointer) Delete(ctx context.Context, id string) error {
	return c.store.DeleteCheckpoint(ctx, id)
}

func decode(cp *db.Checkpoint) (*workflow.State, error) {
	var s workflow.State
	if err := json.Unmarshal(cp.State, &s); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", cp.WorkflowID, err)
	}
	s.Version = cp.Version
	if s.Plan != nil {
		if err := s.Plan.Validate(); err != nil {
			return nil, fmt.Errorf("workflow %s has a corrupt plan: %w", cp.WorkflowID, err)
		}
	}
	return &s, nil
}

// Policy configures retention. A negative CheckpointRetention keeps terminal
// checkpoints forever; zero removes them on the next sweep.
type Policy struct {
	CheckpointRetention time.Duration
	EventRetention      time.Duration
	EventRetentionCount int
	Interval            time.Duration
}

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Checkpoints int64
	Events      int64
}

// Sweep applies p once at time now.
func (c *Checkpointer) Sweep(ctx context.Context, p Policy, now time.Time) (SweepResult, error) {
	var res SweepResult
	if p.CheckpointRetention >= 0 {
		n, err := c.store.DeleteCheckpointsBefore(ctx, terminalStatuses, now.Add(-p.CheckpointRetention))
		if err != nil {
			return res, err
		}
		res.Checkpoints = n
	}
	if p.EventRetention > 0 || p.EventRetentionCount > 0 {
		var cutoff time.Time
		if p.EventRetention > 0 {
			cutoff = now.Add(-p.EventRetention)
		}
		n, err := c.store.PurgeEvents(ctx, cutoff, p.EventRetentionCount)
		if err != nil {
			return res, err
		}
		res.Events = n
	}
	return res, nil
}

// RunJanitor sweeps on every interval tick until ctx is done.
func (c *Checkpointer) RunJanitor(ctx context.Context, p Policy, logger *zap.Logger) {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			res, err := c.Sweep(ctx, p, now)
			if err != nil {
				logger.Warn("retention sweep failed", zap.Error(err))
				continue
			}
			if res.Checkpoints > 0 || res.Events > 0 {
				logger.Info("retention sweep",
					zap.Int64("checkpoints", res.Checkpoints),
					zap.Int64("events", res.Events))
			}
		}
	}
}
