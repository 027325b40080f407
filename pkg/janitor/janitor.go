// Package janitor periodically reclaims schemas nobody uses anymore.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dhis2-sre/dbh-manager/internal/middleware"
	"github.com/dhis2-sre/dbh-manager/pkg/config"
	"github.com/dhis2-sre/dbh-manager/pkg/model"
	"github.com/dhis2-sre/dbh-manager/pkg/registry"
	"github.com/go-redis/redis"
	"github.com/google/uuid"
)

const (
	lockKey        = "dbh:janitor"
	firstPassAfter = time.Minute
)

type reclaimer interface {
	Meta() model.InstanceMetaInfo
	DeleteUnusedSchemas(ctx context.Context) error
	DeleteSchemasWithExpiredCooldowns(ctx context.Context) error
}

type Option func(*Janitor)

// WithLock makes sure only one replica sharing the Redis behind client runs a pass.
func WithLock(client *redis.Client) Option {
	return func(j *Janitor) {
		j.redis = client
	}
}

func New(logger *slog.Logger, c config.Janitor, registry *registry.Registry, options ...Option) *Janitor {
	instances := func() []reclaimer {
		registered := registry.FindAllInstances("")
		reclaimers := make([]reclaimer, 0, len(registered))
		for _, i := range registered {
			reclaimers = append(reclaimers, i)
		}
		return reclaimers
	}
	return newJanitor(logger, c, instances, options...)
}

func newJanitor(logger *slog.Logger, c config.Janitor, instances func() []reclaimer, options ...Option) *Janitor {
	j := &Janitor{
		logger:         logger,
		config:         c,
		instances:      instances,
		replica:        uuid.NewString(),
		firstPassAfter: firstPassAfter,
	}
	for _, option := range options {
		option(j)
	}
	return j
}

type Janitor struct {
	logger         *slog.Logger
	config         config.Janitor
	instances      func() []reclaimer
	redis          *redis.Client
	replica        string
	firstPassAfter time.Duration
}

// Run runs a pass a minute after being started and then once every interval until ctx is done. It
// returns right away if dropping schemas isn't allowed.
func (j *Janitor) Run(ctx context.Context) {
	if !j.config.DropAllowed {
		j.logger.InfoContext(ctx, "Janitor disabled since dropping schemas isn't allowed")
		return
	}

	timer := time.NewTimer(j.firstPassAfter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.InfoContext(ctx, "Janitor stopped")
			return
		case <-timer.C:
			passCtx := middleware.NewContextWithCorrelationID(ctx, uuid.NewString())
			if err := j.Pass(passCtx); err != nil {
				j.logger.ErrorContext(passCtx, "Janitor pass failed", "error", err)
			}
			timer.Reset(j.config.Interval)
		}
	}
}

// Pass reclaims the unused schemas of every instance and, if enabled, purges the schemas whose
// cooldown expired. A failing instance doesn't stop the others from being cleaned.
func (j *Janitor) Pass(ctx context.Context) error {
	locked, err := j.lock()
	if err != nil {
		return err
	}
	if !locked {
		j.logger.InfoContext(ctx, "Skipping janitor pass held by another replica")
		return nil
	}

	j.logger.InfoContext(ctx, "Starting janitor pass")

	var errs []error
	for _, i := range j.instances() {
		name := i.Meta().InstanceName
		instanceCtx := middleware.NewContextWithInstanceName(ctx, name)

		if err := i.DeleteUnusedSchemas(instanceCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete unused schemas on instance %q: %w", name, err))
		}

		if !j.config.PurgeExpiredCooldowns {
			continue
		}
		if err := i.DeleteSchemasWithExpiredCooldowns(instanceCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to purge schemas with expired cooldown on instance %q: %w", name, err))
		}
	}

	j.logger.InfoContext(ctx, "Janitor pass ended", "failures", len(errs))
	return errors.Join(errs...)
}

func (j *Janitor) lock() (bool, error) {
	if j.redis == nil {
		return true, nil
	}

	locked, err := j.redis.SetNX(lockKey, j.replica, j.config.Interval).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire janitor lock: %v", err)
	}
	return locked, nil
}
