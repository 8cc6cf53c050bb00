// Package dispatch watches the fire perimeter layer and, on every new edit,
// recomputes the parcels and streets at risk, republishes them and notifies
// field crews.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mr1hm/go-fire-dispatch/internal/broadcast"
	"github.com/mr1hm/go-fire-dispatch/internal/config"
	"github.com/mr1hm/go-fire-dispatch/internal/metrics"
	"github.com/mr1hm/go-fire-dispatch/internal/models"
	"github.com/mr1hm/go-fire-dispatch/internal/notify"
	"github.com/mr1hm/go-fire-dispatch/internal/repository"
)

// RemoteSession is everything the dispatcher needs from the GIS platform.
// Implementations are immutable; recovery replaces the whole value.
type RemoteSession interface {
	QueryWatched(ctx context.Context, outFields []string, withGeometry bool) (*models.FeatureSet, error)
	Buffer(ctx context.Context, g *models.Geometry, distance float64, unit string) (*models.Geometry, error)
	Overlay(ctx context.Context, ref models.LayerRole, area *models.Geometry) ([]models.Feature, error)
	Truncate(ctx context.Context, role models.LayerRole) error
	AddFeatures(ctx context.Context, role models.LayerRole, features []models.Feature) error
	DeepLink() string
}

// Connector builds a fresh authenticated session.
type Connector func(ctx context.Context) (RemoteSession, error)

type CheckpointStore interface {
	Load() (int64, error)
	Save(ts int64) error
}

var (
	ErrNoFeatures = errors.New("watched layer returned no features")
	ErrNoGeometry = errors.New("watched feature has no geometry")
)

// Deps are the collaborators of a Dispatcher. Runs, Recoveries and
// Broadcaster are optional.
type Deps struct {
	Connect     Connector
	Checkpoint  CheckpointStore
	Sinks       []notify.Sink
	Runs        repository.RunRepository
	Recoveries  repository.RecoveryRepository
	Broadcaster *broadcast.Broadcaster
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Status is a point-in-time view of the dispatcher for the API.
type Status struct {
	State           models.State        `json:"state"`
	Baseline        int64               `json:"baseline"`
	Checkpoint      int64               `json:"checkpoint"`
	LastPoll        time.Time           `json:"lastPoll"`
	LastRun         *models.DispatchRun `json:"lastRun,omitempty"`
	LastError       string              `json:"lastError,omitempty"`
	RecoveryPending bool                `json:"recoveryPending"`
}

// AtRisk is the content last written to one derived layer.
type AtRisk struct {
	Features         []models.Feature
	SpatialReference *models.SpatialReference
	EditDate         int64
}

type Dispatcher struct {
	cfg  config.DispatchConfig
	deps Deps

	// owned by the loop goroutine
	session         RemoteSession
	baseline        int64
	pendingRecovery bool

	mu     sync.RWMutex
	status Status
	atRisk map[models.LayerRole]AtRisk

	wg sync.WaitGroup
}

// New creates a dispatcher around an already connected session. baseline
// is the last dispatched timestamp, usually the persisted checkpoint.
func New(cfg config.DispatchConfig, session RemoteSession, baseline int64, deps Deps) *Dispatcher {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(prometheus.NewRegistry())
	}

	d := &Dispatcher{
		cfg:      cfg,
		deps:     deps,
		session:  session,
		baseline: baseline,
		status: Status{
			State:      models.StateIdle,
			Baseline:   baseline,
			Checkpoint: baseline,
		},
		atRisk: make(map[models.LayerRole]AtRisk),
	}
	if session == nil {
		d.pendingRecovery = true
		d.status.RecoveryPending = true
	}
	deps.Metrics.SetCheckpoint(baseline)
	return d
}

// Start runs the poll loop until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
}

// Stop waits for the loop to exit. Cancel the Start context first.
func (d *Dispatcher) Stop() {
	d.wg.Wait()
	slog.Info("dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	slog.Info("starting dispatcher",
		"interval", d.cfg.PollInterval,
		"baseline", d.baseline,
		"retry_failed_change", d.cfg.RetryFailedChange)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher shutting down")
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one loop iteration: a pending recovery, then a change check and,
// if the watched layer moved past the baseline, a dispatch. Any remote error
// sends the dispatcher to RECOVERING. It must not be called concurrently.
func (d *Dispatcher) Tick(ctx context.Context) {
	if d.pendingRecovery {
		if err := d.recover(ctx, errors.New("previous recovery failed")); err != nil {
			return
		}
	}

	err := d.step(ctx)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		slog.Warn("cycle interrupted by shutdown", "error", err)
		return
	}

	slog.Error("remote error, resetting session", "error", err)
	d.setLastError(err)
	_ = d.recover(ctx, err)
}

func (d *Dispatcher) step(ctx context.Context) error {
	d.setState(models.StateChecking)
	defer d.setState(models.StateIdle)

	change, err := d.CheckForChange(ctx)
	d.deps.Metrics.Polls.Inc()
	d.mu.Lock()
	d.status.LastPoll = d.deps.Now()
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if !change.Changed {
		return nil
	}

	slog.Info("watched layer updated, running dispatch", "edit_date", change.EditDate, "baseline", d.baseline)
	if err := sleepCtx(ctx, d.cfg.SettleDelay); err != nil {
		return err
	}

	d.setState(models.StateDispatching)
	_, err = d.Dispatch(ctx, change)
	return err
}

// Once checks for a change and dispatches it. With force the current
// watched feature is dispatched even when it is not newer than the
// baseline. It returns a nil run when there was nothing to do.
func (d *Dispatcher) Once(ctx context.Context, force bool) (*models.DispatchRun, error) {
	change, err := d.CheckForChange(ctx)
	if err != nil {
		return nil, err
	}
	if !change.Changed {
		if !force {
			return nil, nil
		}
		if change, err = d.fetchChange(ctx, change.EditDate); err != nil {
			return nil, err
		}
	}
	return d.Dispatch(ctx, change)
}

func (d *Dispatcher) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s := d.status
	if s.LastRun != nil {
		r := *s.LastRun
		s.LastRun = &r
	}
	return s
}

// AtRisk returns what the last successful dispatch wrote to role.
func (d *Dispatcher) AtRisk(role models.LayerRole) (AtRisk, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.atRisk[role]
	return a, ok
}

func (d *Dispatcher) setState(s models.State) {
	d.mu.Lock()
	prev := d.status.State
	d.status.State = s
	d.mu.Unlock()
	if prev != s {
		slog.Debug("state transition", "from", prev, "to", s)
	}
}

func (d *Dispatcher) setLastError(err error) {
	d.mu.Lock()
	d.status.LastError = err.Error()
	d.mu.Unlock()
}

func (d *Dispatcher) setBaseline(ts int64) {
	d.baseline = ts
	d.mu.Lock()
	d.status.Baseline = ts
	d.mu.Unlock()
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
