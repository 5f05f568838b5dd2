// Package worker runs the stage processors, recovery and health sweeps on
// fixed intervals.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stellar-lineage/internal/logging"
	"github.com/stellar-lineage/internal/observability"
)

// Job is one periodic task. Runs of the same job never overlap.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// JobStatus reports the last outcome of a job
type JobStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Runs      int           `json:"runs"`
	Failures  int           `json:"failures"`
	LastRun   time.Time     `json:"lastRun,omitempty"`
	LastError string        `json:"lastError,omitempty"`
}

// Scheduler ticks every registered job on its own interval
type Scheduler struct {
	jobs     []Job
	sink     observability.ErrorSink
	runFirst bool

	mu      sync.RWMutex
	running bool
	status  map[string]*JobStatus
	cancel  context.CancelFunc
	doneCh  chan struct{}
	err     error
}

// NewScheduler creates a scheduler. When runImmediately is set every job
// runs once at start instead of waiting a full interval.
func NewScheduler(sink observability.ErrorSink, runImmediately bool) *Scheduler {
	if sink == nil {
		sink = observability.NewLogSink()
	}
	return &Scheduler{
		sink:     sink,
		runFirst: runImmediately,
		status:   make(map[string]*JobStatus),
	}
}

// Register adds a job. It must be called before Start.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %v", job.Name, job.Interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("job %s: scheduler already running", job.Name)
	}
	if _, exists := s.status[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.jobs = append(s.jobs, job)
	s.status[job.Name] = &JobStatus{Name: job.Name, Interval: job.Interval}
	return nil
}

// Start launches one loop per job and returns immediately
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	if len(s.jobs) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("scheduler has no jobs")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.doneCh = make(chan struct{})
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	logging.FromContext(ctx).WithField("jobs", len(jobs)).Info("Scheduler started")

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			s.loop(gctx, job)
			return nil
		})
	}

	go func() {
		err := g.Wait()
		s.mu.Lock()
		s.err = err
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()
	return nil
}

// Stop cancels every loop and waits for in-flight runs to finish or ctx to
// expire
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	cancel, done := s.cancel, s.doneCh
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		logging.FromContext(ctx).Info("Scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Done is closed once every loop has exited
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doneCh
}

// Status returns a snapshot of every job's status in registration order
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *s.status[job.Name])
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	logger := logging.FromContext(ctx).WithField("job", job.Name)
	ctx = logging.WithLogger(ctx, logger)

	if s.runFirst {
		s.runOnce(ctx, job)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Job loop exiting")
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			s.runOnce(ctx, job)
		}
	}
}

// runOnce executes job, containing panics so one job cannot take down the
// others
func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.sink.CapturePanic(ctx, r, map[string]string{"job": job.Name})
				err = fmt.Errorf("job %s panicked: %v", job.Name, r)
			}
		}()
		return job.Run(ctx)
	}()

	if err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled) {
		logging.FromContext(ctx).Debug("Job run interrupted by shutdown")
		return
	}

	s.mu.Lock()
	st := s.status[job.Name]
	st.Runs++
	st.LastRun = start
	st.LastError = ""
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("duration", time.Since(start).String()).Error("Job run failed")
	}
}
