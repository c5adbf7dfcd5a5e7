// Package scheduler drives queued bill runs through processing and sweeps
// up runs abandoned mid-flight. It is safe to run on several instances at
// once: claiming a run is a guarded status flip, so a run is only ever
// processed by whoever wins it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	billrundomain "github.com/wrls/tariff-engine/internal/billrun/domain"
	"github.com/wrls/tariff-engine/internal/clock"
	"github.com/wrls/tariff-engine/internal/config"
	"github.com/wrls/tariff-engine/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	BillRunSvc billrundomain.Service
	Clock      clock.Clock
	Engine     *config.EngineConfigHolder
	Metrics    *metrics.EngineMetrics
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	billRunSvc billrundomain.Service
	clock      clock.Clock
	engine     *config.EngineConfigHolder
	metrics    *metrics.EngineMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.BillRunSvc == nil || p.Clock == nil || p.Engine == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		billRunSvc: p.BillRunSvc,
		clock:      p.Clock,
		engine:     p.Engine,
		metrics:    p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	s.metrics.IncJobRun(name)
	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(name)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	err = errors.Join(err, s.runJob(parent, "process_queued_runs", 4*time.Hour, s.ProcessQueuedRunsJob))
	err = errors.Join(err, s.runJob(parent, "recovery_sweep", 30*time.Second, s.RecoverySweepJob))
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	interval := s.engine.Get().SchedulerInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		// Interval is hot-reloadable; pick up changes between sweeps.
		if next := s.engine.Get().SchedulerInterval(); next != interval {
			interval = next
			ticker.Reset(interval)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessQueuedRunsJob claims up to a batch of queued runs and processes
// them oldest first. A run another instance claimed in the window between
// listing and claiming is skipped, not an error.
func (s *Scheduler) ProcessQueuedRunsJob(ctx context.Context) error {
	batch := s.engine.Get().RunBatchSize

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Raw(`
		SELECT id FROM bill_runs
		WHERE status = ?
		ORDER BY created_at, id
		LIMIT ?`,
		billrundomain.StatusQueued, batch,
	).Scan(&ids).Error
	if err != nil {
		return fmt.Errorf("list queued runs: %w", err)
	}

	var jobErr error
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.billRunSvc.Process(ctx, id); err != nil {
			if errors.Is(err, billrundomain.ErrRunNotProcessable) {
				continue
			}
			s.log.Error("bill run processing failed",
				zap.String("bill_run_id", id.String()),
				zap.Error(err),
			)
			jobErr = errors.Join(jobErr, err)
		}
	}
	return jobErr
}

// RecoverySweepJob errors runs stuck in processing past the recovery
// threshold, typically after a crash mid-run. Their review rows are replaced
// wholesale on the next attempt, so no cleanup is needed here.
func (s *Scheduler) RecoverySweepJob(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.engine.Get().RecoveryThreshold())

	result := s.db.WithContext(ctx).Exec(`
		UPDATE bill_runs
		SET status = ?, error_message = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		billrundomain.StatusError, "processing exceeded recovery threshold", s.clock.Now(),
		billrundomain.StatusProcessing, cutoff,
	)
	if result.Error != nil {
		return fmt.Errorf("recovery sweep: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.metrics.IncBillRunFinished(string(billrundomain.StatusError))
		s.log.Warn("recovered stuck bill runs", zap.Int64("count", result.RowsAffected))
	}
	return nil
}
