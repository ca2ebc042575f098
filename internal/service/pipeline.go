package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"hoaxwatch/internal/config"
	"hoaxwatch/internal/domain"
)

const (
	maxRecordedFailures = 500
	recordTimeout       = 30 * time.Second
)

// ErrRunStopped marks a run ended early by cancellation or its deadline.
var ErrRunStopped = errors.New("run stopped")

// Pipeline drives one run: collect, classify, optionally verify, store.
type Pipeline struct {
	collectors  []Collector
	classifier  Classifier
	factChecker FactChecker
	store       ItemStore
	runs        RunRecorder
	publisher   Publisher
	logger      *slog.Logger
	config      config.PipelineConfig
	now         func() time.Time
}

// NewPipeline wires a pipeline. factChecker, runs and publisher may be nil.
func NewPipeline(
	collectors []Collector,
	classifier Classifier,
	factChecker FactChecker,
	store ItemStore,
	runs RunRecorder,
	publisher Publisher,
	logger *slog.Logger,
	cfg config.PipelineConfig,
) *Pipeline {
	return &Pipeline{
		collectors:  collectors,
		classifier:  classifier,
		factChecker: factChecker,
		store:       store,
		runs:        runs,
		publisher:   publisher,
		logger:      logger.With("component", "pipeline"),
		config:      cfg,
		now:         time.Now,
	}
}

// run is the mutable state of a single execution.
type run struct {
	stats  *domain.RunStats
	seen   map[string]struct{}
	logger *slog.Logger

	storeAttempts int
	storeFailures int
}

// Run executes one full pass over every keyword and collector. The returned
// stats are never nil. The error is non-nil when the run ends failed or
// cancelled; per-item failures only show up in the stats.
func (p *Pipeline) Run(ctx context.Context, trigger string) (*domain.RunStats, error) {
	r := &run{
		stats: &domain.RunStats{
			ID:        uuid.NewString(),
			Trigger:   trigger,
			StartedAt: p.now(),
			State:     domain.RunRunning,
		},
		seen: make(map[string]struct{}),
	}
	r.logger = p.logger.With("run_id", r.stats.ID)

	r.logger.Info("starting run",
		"trigger", trigger,
		"keywords", len(p.config.Keywords),
		"collectors", len(p.collectors),
		"fact_check", p.factChecker != nil,
	)

	err := p.execute(ctx, r)
	p.finish(ctx, r, err)
	return r.stats, err
}

func (p *Pipeline) execute(ctx context.Context, r *run) error {
	if err := p.classifier.Ready(ctx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrRunStopped, ctx.Err())
		}
		return &domain.StageError{Stage: domain.StageInit, Err: err}
	}

	for _, keyword := range p.config.Keywords {
		for _, collector := range p.collectors {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("%w: %w", ErrRunStopped, err)
			}

			items, err := collector.Fetch(ctx, keyword)
			if err != nil {
				if ctx.Err() != nil {
					return fmt.Errorf("%w: %w", ErrRunStopped, ctx.Err())
				}
				p.fail(r, &domain.StageError{
					Stage:    domain.StageCollect,
					Keyword:  keyword,
					Platform: collector.Platform(),
					Err:      err,
				})
			}
			r.stats.Collected += len(items)

			for _, item := range items {
				if err := ctx.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrRunStopped, err)
				}
				p.processItem(ctx, r, item)
			}
		}
	}

	if r.storeAttempts > 0 && r.storeFailures == r.storeAttempts {
		return fmt.Errorf("%w: all %d storage attempts failed", domain.ErrStorage, r.storeAttempts)
	}
	return nil
}

// processItem runs one item to completion on a context detached from the
// stop signal, so a shutdown never leaves a half-written record.
func (p *Pipeline) processItem(ctx context.Context, r *run, item domain.RawItem) {
	stageErr := func(stage domain.Stage, err error) *domain.StageError {
		return &domain.StageError{
			Stage:    stage,
			Keyword:  item.Keyword,
			Platform: item.Platform,
			URL:      item.URL,
			Err:      err,
		}
	}

	if item.URL == "" {
		p.fail(r, stageErr(domain.StageCollect, errors.New("item has no url")))
		return
	}
	if _, dup := r.seen[item.URL]; dup {
		r.stats.Duplicates++
		return
	}
	r.seen[item.URL] = struct{}{}

	itemCtx, cancel := p.itemContext(ctx)
	defer cancel()

	r.storeAttempts++
	exists, err := p.store.Exists(itemCtx, item.URL)
	if err != nil {
		r.storeFailures++
		p.fail(r, stageErr(domain.StageStore, fmt.Errorf("check exists: %w", err)))
		return
	}
	if exists {
		r.stats.Duplicates++
		return
	}

	if strings.TrimSpace(item.Content) == "" {
		p.fail(r, stageErr(domain.StageClassify, errors.New("empty content")))
		return
	}

	cls, err := p.classifier.Classify(itemCtx, item.Content)
	if err == nil {
		err = cls.Validate()
	}
	if err != nil {
		p.fail(r, stageErr(domain.StageClassify, err))
		return
	}
	r.stats.Classified++
	if cls.Label == domain.LabelHoax {
		r.stats.Hoaxes++
	}

	fc := p.verify(itemCtx, r, item, cls, stageErr)

	rec := domain.NewRecord(item, cls, fc)
	inserted, err := p.store.Insert(itemCtx, &rec)
	if err != nil {
		r.storeFailures++
		p.fail(r, stageErr(domain.StageStore, fmt.Errorf("insert: %w", err)))
		return
	}
	if !inserted {
		r.stats.Duplicates++
		return
	}
	r.stats.Stored++

	r.logger.Debug("stored item",
		"url", item.URL,
		"keyword", item.Keyword,
		"platform", item.Platform,
		"label", rec.Label,
		"score", rec.Score,
		"fact_checked", rec.FactCheck != nil,
	)

	if p.publisher != nil {
		if err := p.publisher.Publish(itemCtx, &rec); err != nil {
			p.fail(r, stageErr(domain.StagePublish, err))
			return
		}
		r.stats.Published++
	}
}

func (p *Pipeline) verify(
	ctx context.Context,
	r *run,
	item domain.RawItem,
	cls domain.Classification,
	stageErr func(domain.Stage, error) *domain.StageError,
) *domain.FactCheck {
	if p.factChecker == nil {
		return nil
	}
	if p.config.OnlyHoax && cls.Label != domain.LabelHoax {
		return nil
	}

	fc, err := p.factChecker.Lookup(ctx, item.Content)
	if err != nil {
		p.fail(r, stageErr(domain.StageFactCheck, err))
		return nil
	}
	if !fc.Complete() {
		r.stats.FactCheckMisses++
		return nil
	}
	r.stats.Verified++
	return fc
}

func (p *Pipeline) itemContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if p.config.ItemTimeout > 0 {
		return context.WithTimeout(detached, p.config.ItemTimeout)
	}
	return context.WithCancel(detached)
}

func (p *Pipeline) fail(r *run, err *domain.StageError) {
	switch err.Stage {
	case domain.StageCollect:
		r.stats.Failed.Collect++
	case domain.StageClassify:
		r.stats.Failed.Classify++
	case domain.StageFactCheck:
		r.stats.Failed.FactCheck++
	case domain.StageStore:
		r.stats.Failed.Store++
	case domain.StagePublish:
		r.stats.Failed.Publish++
	}
	if len(r.stats.Failures) < maxRecordedFailures {
		r.stats.Failures = append(r.stats.Failures, err.Failure())
	}

	r.logger.Warn("item failed",
		"stage", err.Stage,
		"keyword", err.Keyword,
		"platform", err.Platform,
		"url", err.URL,
		"error", err.Err,
	)
}

func (p *Pipeline) finish(ctx context.Context, r *run, err error) {
	stats := r.stats
	stats.FinishedAt = p.now()

	switch {
	case err == nil:
		stats.State = domain.RunCompleted
	case errors.Is(err, ErrRunStopped):
		stats.State = domain.RunCancelled
		stats.Error = err.Error()
	default:
		stats.State = domain.RunFailed
		stats.Error = err.Error()
	}

	if stats.State == domain.RunFailed {
		r.logger.Error("run failed", "error", err)
	}

	r.logger.Info("run completed",
		"state", stats.State,
		"collected", stats.Collected,
		"duplicates", stats.Duplicates,
		"classified", stats.Classified,
		"hoaxes", stats.Hoaxes,
		"verified", stats.Verified,
		"fact_check_misses", stats.FactCheckMisses,
		"stored", stats.Stored,
		"published", stats.Published,
		"failed_collect", stats.Failed.Collect,
		"failed_classify", stats.Failed.Classify,
		"failed_fact_check", stats.Failed.FactCheck,
		"failed_store", stats.Failed.Store,
		"failed_publish", stats.Failed.Publish,
		"duration", stats.Duration(),
	)

	if p.runs == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := p.runs.Record(recordCtx, stats); err != nil {
		r.logger.Error("failed to record run", "error", err)
	}
}
