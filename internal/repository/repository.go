package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mr1hm/go-fire-dispatch/internal/models"
)

var ErrNotFound = errors.New("not found")

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

type Filter struct {
	Limit  int
	Offset int
	Since  *time.Time
	Status *models.RunStatus // runs only
}

type RunRepository interface {
	AddRun(ctx context.Context, r *models.DispatchRun) error
	ListRuns(ctx context.Context, opts Filter) ([]models.DispatchRun, error)
	LastRun(ctx context.Context) (*models.DispatchRun, error)
}

type RecoveryRepository interface {
	AddRecovery(ctx context.Context, r *models.Recovery) error
	ListRecoveries(ctx context.Context, opts Filter) ([]models.Recovery, error)
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultLimit
	case f.Limit > MaxLimit:
		return MaxLimit
	default:
		return f.Limit
	}
}
