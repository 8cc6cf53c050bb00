package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mr1hm/go-fire-dispatch/internal/models"
)

// Change is the result of a change check. Feature is set only when Changed.
type Change struct {
	Changed  bool
	EditDate int64
	Feature  *models.Feature
}

// CheckForChange reads the watched layer's edit timestamp and, when it is
// past the baseline, fetches the full watched feature. It has no side
// effects.
func (d *Dispatcher) CheckForChange(ctx context.Context) (Change, error) {
	if d.session == nil {
		return Change{}, fmt.Errorf("no remote session")
	}

	ts, err := currentEditDate(ctx, d.session, d.cfg.EditField)
	if err != nil {
		return Change{}, err
	}
	if ts <= d.baseline {
		slog.Debug("no change", "edit_date", ts, "baseline", d.baseline)
		return Change{EditDate: ts}, nil
	}

	return d.fetchChange(ctx, ts)
}

func (d *Dispatcher) fetchChange(ctx context.Context, ts int64) (Change, error) {
	fs, err := d.session.QueryWatched(ctx, nil, true)
	if err != nil {
		return Change{}, fmt.Errorf("error fetching watched feature: %w", err)
	}
	if len(fs.Features) == 0 {
		return Change{}, ErrNoFeatures
	}

	f := fs.Features[0]
	if f.Geometry.IsEmpty() {
		return Change{}, ErrNoGeometry
	}
	if f.Geometry.SpatialReference == nil {
		f.Geometry.SpatialReference = fs.SpatialReference
	}

	return Change{Changed: true, EditDate: ts, Feature: &f}, nil
}

// currentEditDate reads only the timestamp field of the watched feature.
func currentEditDate(ctx context.Context, s RemoteSession, field string) (int64, error) {
	fs, err := s.QueryWatched(ctx, []string{field}, false)
	if err != nil {
		return 0, fmt.Errorf("error querying watched layer: %w", err)
	}
	if len(fs.Features) == 0 {
		return 0, ErrNoFeatures
	}

	ts, err := fs.Features[0].Int64(field)
	if err != nil {
		return 0, fmt.Errorf("invalid watched feature: %w", err)
	}
	return ts, nil
}
