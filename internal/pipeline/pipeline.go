// Package pipeline implements the eight lineage stage processors.
//
// Every processor follows the same contract: check the stage's cron health,
// select eligible records oldest first, claim each one with a status
// compare-and-swap, enrich the claimed records concurrently with a deadline
// per record, write the outcome and record a stage execution.
package pipeline

import (
	"context"
	"strconv"
	"time"

	"github.com/stellar-lineage/internal/adapter"
	"github.com/stellar-lineage/internal/config"
	"github.com/stellar-lineage/internal/health"
	"github.com/stellar-lineage/internal/lineage"
	"github.com/stellar-lineage/internal/metrics"
	"github.com/stellar-lineage/internal/observability"
	"github.com/stellar-lineage/internal/storage"
	"github.com/stellar-lineage/internal/tracker"
	"github.com/stellar-lineage/internal/types"
)

// Processor runs one stage over one batch of eligible records
type Processor interface {
	Stage() types.Stage
	Run(ctx context.Context) (*RunResult, error)
}

// RunResult summarises one invocation
type RunResult struct {
	Stage      string        `json:"stage"`
	Skipped    bool          `json:"skipped"`
	Selected   int           `json:"selected"`
	Claimed    int           `json:"claimed"`
	LostClaims int           `json:"lostClaims"`
	Done       int           `json:"done"`
	Invalid    int           `json:"invalid"`
	Transient  int           `json:"transient"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

// Sources are the external systems the stages read from. Creators may be
// nil, in which case stage 7 relies on the operations dataset alone.
type Sources struct {
	Ledger    adapter.LedgerSource
	Directory adapter.DirectorySource
	Creators  adapter.CreatorSource
	Validator *adapter.AddressValidator
}

// Deps are the collaborators shared by every processor
type Deps struct {
	Store   storage.Store
	Monitor *health.Monitor
	Tracker *tracker.Tracker
	Sink    observability.ErrorSink
	Metrics *metrics.Metrics
}

// Config tunes batch sizes and deadlines
type Config struct {
	BatchSize      int
	FetchBatchSize int
	Concurrency    int
	CallTimeout    time.Duration
	MaxDepth       int
}

// ConfigFrom converts the loaded pipeline configuration
func ConfigFrom(cfg config.PipelineConfig) Config {
	return Config{
		BatchSize:      cfg.BatchSize,
		FetchBatchSize: cfg.FetchBatchSize,
		Concurrency:    cfg.Concurrency,
		CallTimeout:    cfg.CallTimeout,
		MaxDepth:       cfg.MaxDepth,
	}
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.FetchBatchSize <= 0 {
		c.FetchBatchSize = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 20 * time.Second
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = lineage.DefaultMaxDepth
	}
	return c
}

// Pipeline holds the eight processors in stage order
type Pipeline struct {
	processors []Processor
}

// New wires every stage processor
func New(deps Deps, sources Sources, cfg Config) *Pipeline {
	cfg = cfg.withDefaults()
	if deps.Sink == nil {
		deps.Sink = observability.NewLogSink()
	}
	if sources.Validator == nil {
		sources.Validator = adapter.NewAddressValidator()
	}

	builder := lineage.NewBuilder(deps.Store, cfg.MaxDepth)
	mirror := lineage.NewMirror(deps.Store, builder)

	newRunner := func(number, batchSize int, h stageHandler) *lineageRunner {
		return &lineageRunner{
			stage:     mustStage(number),
			batchSize: batchSize,
			cfg:       cfg,
			deps:      deps,
			mirror:    mirror,
			handler:   h,
		}
	}

	return &Pipeline{processors: []Processor{
		&searchStage{
			stage:     mustStage(1),
			batchSize: cfg.BatchSize,
			cfg:       cfg,
			deps:      deps,
			validator: sources.Validator,
			mirror:    mirror,
		},
		newRunner(2, cfg.FetchBatchSize, &horizonDatasets{ledger: sources.Ledger}),
		newRunner(3, cfg.BatchSize, rawDataStage{}),
		newRunner(4, cfg.BatchSize, operationsStage{}),
		newRunner(5, cfg.BatchSize, flagsStage{}),
		newRunner(6, cfg.FetchBatchSize, &directoryStage{directory: sources.Directory}),
		newRunner(7, cfg.BatchSize, &creatorStage{creators: sources.Creators, validator: sources.Validator}),
		newRunner(8, cfg.BatchSize, &grandparentStage{
			store:    deps.Store,
			tracker:  deps.Tracker,
			builder:  builder,
			maxDepth: cfg.MaxDepth,
		}),
	}}
}

// Processors returns the processors in stage order
func (p *Pipeline) Processors() []Processor {
	out := make([]Processor, len(p.processors))
	copy(out, p.processors)
	return out
}

// Processor returns the processor of a stage by number or name
func (p *Pipeline) Processor(stage string) (Processor, error) {
	st, err := types.StageByName(stage)
	if err != nil {
		n, convErr := strconv.Atoi(stage)
		if convErr != nil {
			return nil, err
		}
		if st, err = types.StageByNumber(n); err != nil {
			return nil, err
		}
	}
	return p.processors[st.Number-1], nil
}

func mustStage(n int) types.Stage {
	st, err := types.StageByNumber(n)
	if err != nil {
		panic(err)
	}
	return st
}
