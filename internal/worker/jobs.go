package worker

import (
	"context"
	"time"

	"github.com/stellar-lineage/internal/health"
	"github.com/stellar-lineage/internal/logging"
	"github.com/stellar-lineage/internal/pipeline"
	"github.com/stellar-lineage/internal/recovery"
)

// Job names for the non-stage jobs
const (
	JobRecovery    = "recovery"
	JobHealthSweep = "health_sweep"
)

// StageJobs returns one job per stage processor, named after the stage
func StageJobs(processors []pipeline.Processor, interval time.Duration) []Job {
	jobs := make([]Job, 0, len(processors))
	for _, p := range processors {
		p := p
		jobs = append(jobs, Job{
			Name:     p.Stage().Name,
			Interval: interval,
			Run: func(ctx context.Context) error {
				_, err := p.Run(ctx)
				return err
			},
		})
	}
	return jobs
}

// RecoveryJob sweeps stuck records
func RecoveryJob(svc *recovery.Service, interval time.Duration) Job {
	return Job{
		Name:     JobRecovery,
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := svc.Sweep(ctx, false)
			return err
		},
	}
}

// HealthSweepJob clears expired unhealthy marks
func HealthSweepJob(monitor *health.Monitor, interval time.Duration) Job {
	return Job{
		Name:     JobHealthSweep,
		Interval: interval,
		Run: func(ctx context.Context) error {
			cleared, err := monitor.Sweep(ctx)
			if err != nil {
				return err
			}
			if len(cleared) > 0 {
				logging.FromContext(ctx).WithField("stages", cleared).Info("Cleared expired unhealthy marks")
			}
			return nil
		},
	}
}

// RegisterAll registers jobs in order, stopping at the first error
func (s *Scheduler) RegisterAll(jobs ...Job) error {
	for _, job := range jobs {
		if err := s.Register(job); err != nil {
			return err
		}
	}
	return nil
}
