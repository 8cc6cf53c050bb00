package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mr1hm/go-fire-dispatch/internal/checkpoint"
	"github.com/mr1hm/go-fire-dispatch/internal/models"
)

// recover replaces the session with a freshly connected one and resets the
// baseline. By default the baseline becomes the current remote timestamp,
// so the change whose cycle failed is skipped. With RetryFailedChange the
// baseline goes back to the persisted checkpoint and the change is
// dispatched again on the next poll.
func (d *Dispatcher) recover(ctx context.Context, cause error) error {
	d.setState(models.StateRecovering)
	defer d.setState(models.StateIdle)
	d.deps.Metrics.Recoveries.Inc()

	rec := &models.Recovery{
		ID:     uuid.NewString(),
		At:     d.deps.Now(),
		Reason: cause.Error(),
	}

	baseline, err := d.reconnect(ctx)
	if err != nil {
		d.pendingRecovery = true
		d.mu.Lock()
		d.status.RecoveryPending = true
		d.mu.Unlock()
		d.setLastError(err)

		slog.Error("recovery failed, retrying next poll", "error", err)
		d.recordRecovery(ctx, rec)
		return err
	}

	d.pendingRecovery = false
	d.mu.Lock()
	d.status.RecoveryPending = false
	d.mu.Unlock()
	d.setBaseline(baseline)

	rec.Baseline = baseline
	rec.Succeeded = true
	policy := "skip"
	if d.cfg.RetryFailedChange {
		policy = "retry"
	}
	slog.Warn("session reset", "baseline", baseline, "policy", policy, "cause", cause)
	d.recordRecovery(ctx, rec)
	return nil
}

func (d *Dispatcher) reconnect(ctx context.Context) (int64, error) {
	s, err := d.deps.Connect(ctx)
	if err != nil {
		return 0, fmt.Errorf("error reconnecting: %w", err)
	}

	current, err := currentEditDate(ctx, s, d.cfg.EditField)
	if err != nil {
		return 0, err
	}
	d.session = s

	if !d.cfg.RetryFailedChange {
		return current, nil
	}

	cp, err := d.deps.Checkpoint.Load()
	if err != nil {
		slog.Error("could not read checkpoint, skipping to current timestamp", "error", err)
		return current, nil
	}
	return cp, nil
}

func (d *Dispatcher) recordRecovery(ctx context.Context, rec *models.Recovery) {
	if d.deps.Recoveries == nil {
		return
	}
	if err := d.deps.Recoveries.AddRecovery(context.WithoutCancel(ctx), rec); err != nil {
		slog.Error("error recording recovery", "id", rec.ID, "error", err)
	}
}

// Bootstrap returns the starting baseline. It is the persisted checkpoint
// when there is one. Without a checkpoint file the current remote timestamp
// is persisted and used, so only later edits are dispatched. Any other
// checkpoint error is returned as is.
func Bootstrap(ctx context.Context, s RemoteSession, store CheckpointStore, editField string) (int64, error) {
	ts, err := store.Load()
	if err == nil {
		return ts, nil
	}
	if !errors.Is(err, checkpoint.ErrNotFound) {
		return 0, err
	}

	ts, err = currentEditDate(ctx, s, editField)
	if err != nil {
		return 0, fmt.Errorf("error reading initial timestamp: %w", err)
	}
	if err := store.Save(ts); err != nil {
		return 0, err
	}
	slog.Info("no checkpoint found, starting from current edit", "last_checked", ts)
	return ts, nil
}
