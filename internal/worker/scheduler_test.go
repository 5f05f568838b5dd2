package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar-lineage/internal/health"
	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/observability"
	"github.com/stellar-lineage/internal/pipeline"
	"github.com/stellar-lineage/internal/storage"
	"github.com/stellar-lineage/internal/types"
)

type recordingSink struct {
	mu     sync.Mutex
	panics []any
}

func (s *recordingSink) Capture(context.Context, error, map[string]string) {}

func (s *recordingSink) CapturePanic(_ context.Context, recovered any, _ map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panics = append(s.panics, recovered)
}

func (s *recordingSink) Flush(time.Duration) {}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.panics)
}

var _ observability.ErrorSink = (*recordingSink)(nil)

func counterJob(name string, n *atomic.Int32, err error) Job {
	return Job{
		Name:     name,
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			n.Add(1)
			return err
		},
	}
}

func stop(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestScheduler_RunsEveryJob(t *testing.T) {
	s := NewScheduler(nil, false)
	var a, b atomic.Int32
	require.NoError(t, s.RegisterAll(counterJob("a", &a, nil), counterJob("b", &b, nil)))
	require.NoError(t, s.Start(testContext(t)))

	assert.Eventually(t, func() bool { return a.Load() >= 3 && b.Load() >= 3 }, time.Second, 5*time.Millisecond)
	stop(t, s)

	status := s.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "a", status[0].Name)
	assert.Positive(t, status[0].Runs)
	assert.Zero(t, status[0].Failures)
}

func TestScheduler_RunImmediately(t *testing.T) {
	s := NewScheduler(nil, true)
	var n atomic.Int32
	require.NoError(t, s.Register(Job{
		Name:     "slow",
		Interval: time.Hour,
		Run: func(context.Context) error {
			n.Add(1)
			return nil
		},
	}))
	require.NoError(t, s.Start(testContext(t)))

	assert.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)
	stop(t, s)
}

func TestScheduler_FailuresAndPanicsAreContained(t *testing.T) {
	sink := &recordingSink{}
	s := NewScheduler(sink, false)
	var ok, failing atomic.Int32
	require.NoError(t, s.Register(counterJob("ok", &ok, nil)))
	require.NoError(t, s.Register(counterJob("failing", &failing, errors.New("boom"))))
	require.NoError(t, s.Register(Job{
		Name:     "panicking",
		Interval: 5 * time.Millisecond,
		Run:      func(context.Context) error { panic("kaboom") },
	}))
	require.NoError(t, s.Start(testContext(t)))

	byName := map[string]JobStatus{}
	assert.Eventually(t, func() bool {
		for _, st := range s.Status() {
			byName[st.Name] = st
		}
		return ok.Load() >= 3 && failing.Load() >= 1 &&
			byName["failing"].Failures >= 1 && byName["panicking"].Failures >= 1
	}, time.Second, 5*time.Millisecond)
	stop(t, s)

	assert.Equal(t, "boom", byName["failing"].LastError)
	assert.Equal(t, byName["failing"].Runs, byName["failing"].Failures)
	assert.Contains(t, byName["panicking"].LastError, "kaboom")
	assert.Positive(t, sink.count())
	assert.Empty(t, byName["ok"].LastError)
}

func TestScheduler_StopWaitsForInFlightRun(t *testing.T) {
	s := NewScheduler(nil, true)
	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, s.Register(Job{
		Name:     "blocking",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			finished.Store(true)
			return ctx.Err()
		},
	}))
	require.NoError(t, s.Start(testContext(t)))
	<-started

	stop(t, s)
	assert.True(t, finished.Load())
	<-s.Done()

	// cancellation is not a job failure
	assert.Zero(t, s.Status()[0].Failures)
}

func TestScheduler_ErrorDuringShutdownIsRecorded(t *testing.T) {
	s := NewScheduler(nil, true)
	started := make(chan struct{}, 2)
	block := func(err error) func(context.Context) error {
		return func(ctx context.Context) error {
			started <- struct{}{}
			<-ctx.Done()
			return err
		}
	}
	require.NoError(t, s.Register(Job{Name: "flush", Interval: time.Hour, Run: block(errors.New("flush failed"))}))
	require.NoError(t, s.Register(Job{Name: "cancelled", Interval: time.Hour, Run: block(fmt.Errorf("select batch: %w", context.Canceled))}))
	require.NoError(t, s.Start(testContext(t)))
	<-started
	<-started

	stop(t, s)

	byName := map[string]JobStatus{}
	for _, st := range s.Status() {
		byName[st.Name] = st
	}
	assert.Equal(t, 1, byName["flush"].Failures)
	assert.Equal(t, "flush failed", byName["flush"].LastError)
	assert.Zero(t, byName["cancelled"].Runs)
	assert.Zero(t, byName["cancelled"].Failures)
}

func TestScheduler_ParentContextCancelStopsLoops(t *testing.T) {
	s := NewScheduler(nil, false)
	var n atomic.Int32
	require.NoError(t, s.Register(counterJob("a", &n, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not exit after parent cancel")
	}
	assert.Error(t, s.Stop(context.Background()))
}

func TestScheduler_RegisterValidation(t *testing.T) {
	s := NewScheduler(nil, false)
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Register(Job{Interval: time.Second, Run: noop}))
	assert.Error(t, s.Register(Job{Name: "x", Interval: time.Second}))
	assert.Error(t, s.Register(Job{Name: "x", Run: noop}))
	require.NoError(t, s.Register(Job{Name: "x", Interval: time.Second, Run: noop}))
	assert.Error(t, s.Register(Job{Name: "x", Interval: time.Second, Run: noop}))

	assert.Error(t, NewScheduler(nil, false).Start(testContext(t)), "no jobs")

	require.NoError(t, s.Start(testContext(t)))
	assert.Error(t, s.Start(testContext(t)))
	assert.Error(t, s.Register(Job{Name: "late", Interval: time.Second, Run: noop}))
	stop(t, s)
}

type fakeProcessor struct {
	stage types.Stage
	runs  atomic.Int32
}

func (p *fakeProcessor) Stage() types.Stage { return p.stage }

func (p *fakeProcessor) Run(context.Context) (*pipeline.RunResult, error) {
	p.runs.Add(1)
	return &pipeline.RunResult{Stage: p.stage.Name}, nil
}

func TestStageJobs(t *testing.T) {
	var procs []pipeline.Processor
	var fakes []*fakeProcessor
	for _, st := range types.Stages() {
		fp := &fakeProcessor{stage: st}
		fakes = append(fakes, fp)
		procs = append(procs, fp)
	}

	jobs := StageJobs(procs, time.Second)
	require.Len(t, jobs, types.StageCount)
	for i, job := range jobs {
		assert.Equal(t, types.Stages()[i].Name, job.Name)
		require.NoError(t, job.Run(testContext(t)))
	}
	for _, fp := range fakes {
		assert.EqualValues(t, 1, fp.runs.Load(), fp.stage.Name)
	}
}

func TestHealthSweepJob(t *testing.T) {
	store := storage.NewMemoryStore(0)
	monitor := health.NewMonitor(store, time.Millisecond, nil)
	require.NoError(t, store.AppendCronHealth(testContext(t), &models.CronHealthRecord{
		StageName: types.StageHorizonAPIDatasets,
		Status:    types.Unhealthy(types.HealthReasonRateLimited),
		CreatedAt: time.Now().Add(-time.Minute),
	}))

	job := HealthSweepJob(monitor, time.Second)
	assert.Equal(t, JobHealthSweep, job.Name)
	require.NoError(t, job.Run(testContext(t)))

	assert.True(t, monitor.CheckCronHealth(testContext(t), types.StageHorizonAPIDatasets))
}
