package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mr1hm/go-fire-dispatch/internal/geometry"
	"github.com/mr1hm/go-fire-dispatch/internal/models"
	"github.com/mr1hm/go-fire-dispatch/internal/notify"
)

// overlays maps each reference layer to the derived layer its overlay
// result is written to.
var overlays = []struct {
	ref, target models.LayerRole
}{
	{models.LayerParcels, models.LayerParcelsAtRisk},
	{models.LayerStreets, models.LayerStreetsAtRisk},
}

// Dispatch runs one full cycle for change: buffer the perimeter, overlay
// it with parcels and streets, refresh both derived layers, notify, then
// persist the checkpoint and advance the baseline. Failures before the
// checkpoint is written leave the checkpoint and baseline untouched.
func (d *Dispatcher) Dispatch(ctx context.Context, change Change) (*models.DispatchRun, error) {
	run := &models.DispatchRun{
		ID:        uuid.NewString(),
		EditDate:  change.EditDate,
		StartedAt: d.deps.Now(),
	}

	results, err := d.dispatch(ctx, change, run)
	run.FinishedAt = d.deps.Now()

	if err != nil {
		run.Status = models.RunFailed
		run.Error = err.Error()
		slog.Error("dispatch failed", "run", run.ID, "edit_date", change.EditDate, "error", err)
		d.deps.Metrics.ObserveDispatch(false)
		d.finishRun(ctx, run)
		return run, err
	}

	run.Status = models.RunSucceeded
	d.deps.Metrics.ObserveDispatch(true)
	d.deps.Metrics.SetCheckpoint(d.baseline)
	for role, features := range results {
		d.deps.Metrics.SetAtRisk(role, len(features))
	}

	d.mu.Lock()
	d.status.Checkpoint = d.baseline
	for role, features := range results {
		d.atRisk[role] = AtRisk{
			Features:         features,
			SpatialReference: change.Feature.Geometry.SpatialReference,
			EditDate:         change.EditDate,
		}
	}
	d.mu.Unlock()

	slog.Info("dispatch complete",
		"run", run.ID,
		"edit_date", change.EditDate,
		"parcels_at_risk", run.ParcelsAtRisk,
		"streets_at_risk", run.StreetsAtRisk,
		"notify_failures", run.NotifyFailures,
		"duration", run.FinishedAt.Sub(run.StartedAt))
	d.finishRun(ctx, run)
	return run, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, change Change, run *models.DispatchRun) (map[models.LayerRole][]models.Feature, error) {
	if d.session == nil {
		return nil, errors.New("no remote session")
	}
	if change.Feature == nil || change.Feature.Geometry.IsEmpty() {
		return nil, ErrNoGeometry
	}
	perimeter := change.Feature.Geometry

	if acres, err := geometry.AreaAcres(perimeter, perimeter.SpatialReference); err != nil {
		slog.Debug("perimeter area unavailable", "error", err)
	} else {
		run.PerimeterAcres = acres
	}

	buffer, err := d.session.Buffer(ctx, perimeter, d.cfg.BufferDistance, d.cfg.BufferUnit)
	if err != nil {
		return nil, fmt.Errorf("error buffering perimeter: %w", err)
	}
	slog.Info("performed buffer", "distance", d.cfg.BufferDistance, "unit", d.cfg.BufferUnit)

	// Both overlays must succeed before any derived layer is touched.
	results := make(map[models.LayerRole][]models.Feature, len(overlays))
	found := make([][]models.Feature, len(overlays))
	g, gctx := errgroup.WithContext(ctx)
	for i, o := range overlays {
		g.Go(func() error {
			features, err := d.session.Overlay(gctx, o.ref, buffer)
			if err != nil {
				return fmt.Errorf("error intersecting %s: %w", o.ref, err)
			}
			found[i] = features
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, o := range overlays {
		results[o.target] = found[i]
		slog.Info("features at risk", "layer", o.ref, "count", len(found[i]))
	}
	run.ParcelsAtRisk = len(results[models.LayerParcelsAtRisk])
	run.StreetsAtRisk = len(results[models.LayerStreetsAtRisk])

	for _, o := range overlays {
		if err := d.session.Truncate(ctx, o.target); err != nil {
			return nil, fmt.Errorf("error truncating %s: %w", o.target, err)
		}
		slog.Info("truncated derived layer", "layer", o.target)

		if err := d.session.AddFeatures(ctx, o.target, results[o.target]); err != nil {
			return nil, fmt.Errorf("error refreshing %s: %w", o.target, err)
		}
		slog.Info("updated derived layer", "layer", o.target, "count", len(results[o.target]))
	}

	event := models.NotificationEvent{
		EditDate:      change.EditDate,
		ParcelsAtRisk: run.ParcelsAtRisk,
		DeepLink:      d.session.DeepLink(),
	}
	for _, f := range results[models.LayerStreetsAtRisk] {
		event.Streets = append(event.Streets, models.StreetFromFeature(f))
	}
	for _, r := range notify.Fanout(ctx, d.deps.Sinks, event) {
		d.deps.Metrics.ObserveNotification(r.Sink, r.Err == nil)
		if r.Err != nil {
			run.NotifyFailures++
		}
	}

	// A forced re-dispatch of an older edit never moves the checkpoint back.
	last := max(d.baseline, change.EditDate)
	if err := d.deps.Checkpoint.Save(last); err != nil {
		return nil, fmt.Errorf("error saving checkpoint: %w", err)
	}
	d.setBaseline(last)
	slog.Info("checkpoint advanced", "last_checked", last)

	return results, nil
}

// finishRun records and publishes a run. History failures are only logged.
func (d *Dispatcher) finishRun(ctx context.Context, run *models.DispatchRun) {
	d.mu.Lock()
	r := *run
	d.status.LastRun = &r
	d.mu.Unlock()

	if d.deps.Runs != nil {
		if err := d.deps.Runs.AddRun(context.WithoutCancel(ctx), run); err != nil {
			slog.Error("error recording dispatch run", "run", run.ID, "error", err)
		}
	}
	if d.deps.Broadcaster != nil {
		d.deps.Broadcaster.Broadcast(run)
	}
}
