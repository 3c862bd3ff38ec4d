package pipeline

import (
	"context"
	"fmt"
	"time"

	"snaprescue/internal/downloader"
	"snaprescue/pkg/config"
	"snaprescue/pkg/dedupe"
	errs "snaprescue/pkg/errors"
	"snaprescue/pkg/fetch"
	"snaprescue/pkg/ledger"
	"snaprescue/pkg/logger"
	"snaprescue/pkg/metadata"
	"snaprescue/pkg/models"
	"snaprescue/pkg/overlay"
	"snaprescue/pkg/progress"
	"snaprescue/pkg/ratelimit"
	"snaprescue/pkg/storage"
)

// Status is the terminal state of a pipeline run.
type Status string

const (
	// StatusCompleted means every requested stage ran to the end,
	// whether or not individual items failed.
	StatusCompleted Status = "completed"
	// StatusStopped means a stop signal interrupted the run. Progress
	// up to the interruption is persisted.
	StatusStopped Status = "stopped"
	// StatusFailed means an environmental failure aborted the run.
	StatusFailed Status = "failed"
)

// Result is the outcome of one pipeline run.
type Result struct {
	Status Status
	Stats  map[string]progress.Stats
	Err    error
}

// Pipeline wires the stages together over a shared ledger and runs the
// requested subset in order.
type Pipeline struct {
	cfg     *config.Config
	store   *storage.Manager
	led     *ledger.Ledger
	emitter *progress.Emitter
	logger  logger.Logger
}

// New opens the destination tree and the ledger and builds a pipeline.
func New(cfg *config.Config, emitter *progress.Emitter, log logger.Logger) (*Pipeline, error) {
	if log == nil {
		log = logger.GetLogger()
	}

	store, err := storage.NewManager(cfg.Output.Directory)
	if err != nil {
		return nil, err
	}
	led, err := ledger.Open(cfg.Output.Directory)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:     cfg,
		store:   store,
		led:     led,
		emitter: emitter,
		logger:  log,
	}, nil
}

// Ledger exposes the run's ledger for status reporting.
func (p *Pipeline) Ledger() *ledger.Ledger {
	return p.led
}

// Run executes the configured stages in order. Item-level failures are
// recorded and do not abort the run; environmental failures do. A
// cancelled context yields a stopped result with all completed work
// persisted.
func (p *Pipeline) Run(ctx context.Context) Result {
	start := time.Now()
	res := Result{Status: StatusCompleted, Stats: make(map[string]progress.Stats)}

	items, err := p.loadItems()
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		p.emitter.ItemError("pipeline", "", string(errs.TypeOf(err)), err.Error())
		return res
	}

	p.emitter.Info("pipeline", fmt.Sprintf("processing %d item(s) through stages %v", len(items), p.cfg.Pipeline.Stages))

	for _, stage := range p.cfg.Pipeline.Stages {
		if ctx.Err() != nil {
			res.Status = StatusStopped
			p.emitter.Info("pipeline", "stop requested, remaining stages skipped")
			return res
		}

		stats, err := p.runStage(ctx, stage, items)
		res.Stats[stage] = stats
		if err != nil {
			res.Status = StatusFailed
			res.Err = err
			p.emitter.ItemError(stage, "", string(errs.TypeOf(err)), err.Error())
			return res
		}

		if ctx.Err() != nil {
			res.Status = StatusStopped
			p.emitter.Info("pipeline", fmt.Sprintf("stage %s interrupted: %s", stage, stats))
			return res
		}
		p.emitter.Success(stage, stats.String())
	}

	p.logger.InfoWithFields("pipeline finished", map[string]interface{}{
		"status":   string(res.Status),
		"duration": time.Since(start).Round(time.Second).String(),
	})
	return res
}

func (p *Pipeline) runStage(ctx context.Context, stage string, items []models.WorkItem) (progress.Stats, error) {
	switch stage {
	case config.StageDownload:
		return p.runDownload(ctx, items), nil
	case config.StageMetadata:
		return p.runMetadata(ctx, items)
	case config.StageCombine:
		return p.runCombine(ctx, items), nil
	case config.StageDedupe:
		return p.runDedupe(ctx), nil
	default:
		return progress.Stats{}, errs.New(errs.ErrorTypeFatal, "unknown stage %q", stage)
	}
}

func (p *Pipeline) runDownload(ctx context.Context, items []models.WorkItem) progress.Stats {
	var limiter ratelimit.Limiter = ratelimit.Unlimited{}
	if p.cfg.Download.RequestsPerMinute > 0 {
		limiter = ratelimit.NewTokenBucket(p.cfg.Download.RequestsPerMinute, time.Minute)
	}

	client := fetch.NewClient(p.cfg.Download.FetchTimeout, p.cfg.Download.UserAgent, limiter, p.logger)
	pool := downloader.New(downloader.Options{
		Workers:       p.cfg.Download.Workers,
		RetryAttempts: p.cfg.Download.RetryAttempts,
		DryRun:        p.cfg.Pipeline.DryRun,
	}, client, p.store, p.led, p.emitter, p.logger)

	return pool.Run(ctx, items)
}

func (p *Pipeline) runMetadata(ctx context.Context, items []models.WorkItem) (progress.Stats, error) {
	stage := metadata.NewStage(metadata.Options{
		Workers: p.cfg.Download.Workers,
		Require: p.cfg.Tools.RequireMetadata,
		DryRun:  p.cfg.Pipeline.DryRun,
	}, p.injector(), p.led, p.emitter, p.logger)

	return stage.Run(ctx, items)
}

func (p *Pipeline) runCombine(ctx context.Context, items []models.WorkItem) progress.Stats {
	// Composites inherit tags from their base asset when exiftool is
	// around; without it the composite still gets built.
	var tags overlay.TagCopier
	if inj := p.injector(); inj.Available() == nil {
		tags = inj
	}

	rec := overlay.New(overlay.Options{
		Workers:     p.cfg.Download.Workers,
		FFmpegPath:  p.cfg.Tools.FFmpegPath,
		ToolTimeout: p.cfg.Tools.ToolTimeout,
		DryRun:      p.cfg.Pipeline.DryRun,
	}, p.store, p.led, tags, p.emitter, p.logger)

	return rec.Run(ctx, items)
}

func (p *Pipeline) runDedupe(ctx context.Context) progress.Stats {
	sweeper := dedupe.New(dedupe.Options{
		Workers: p.cfg.Download.Workers,
		DryRun:  p.cfg.Pipeline.DryRun,
	}, p.emitter, p.logger)

	return sweeper.Run(ctx, p.store.Dir())
}

func (p *Pipeline) injector() *metadata.Injector {
	return metadata.NewInjector(p.cfg.Tools.ExiftoolPath, p.cfg.Tools.ToolTimeout, p.logger)
}

// loadItems reads the work list, applies the item limit, and narrows to
// the failed subset when a retry mode is on.
func (p *Pipeline) loadItems() ([]models.WorkItem, error) {
	if p.cfg.Input.ItemsFile == "" {
		// The sweep works from the filesystem alone; every other stage
		// needs the parsed work list.
		for _, stage := range p.cfg.Pipeline.Stages {
			if stage != config.StageDedupe {
				return nil, errs.New(errs.ErrorTypeFatal, "stage %s requires an items file", stage)
			}
		}
		return nil, nil
	}

	items, err := models.LoadItems(p.cfg.Input.ItemsFile)
	if err != nil {
		return nil, err
	}

	if p.cfg.Pipeline.RetryFailed || p.cfg.Pipeline.RetryAll {
		items = FilterFailed(items, p.led, p.cfg.Pipeline.RetryAll)
		p.logger.WithField("items", len(items)).Info("retry mode, narrowed to failed items")
	}

	if p.cfg.Download.Limit > 0 && len(items) > p.cfg.Download.Limit {
		items = items[:p.cfg.Download.Limit]
	}
	return items, nil
}

// FilterFailed selects the items with a recorded failure. By default
// only failures whose reason class is worth re-attempting are included;
// includeAll also picks up link-expiry responses for runs against a
// re-exported item list with fresh links.
func FilterFailed(items []models.WorkItem, led *ledger.Ledger, includeAll bool) []models.WorkItem {
	failed := led.Errors()

	var out []models.WorkItem
	for _, item := range items {
		rec, ok := failed[item.ID]
		if !ok {
			continue
		}
		if includeAll || retryableReason(rec) {
			out = append(out, item)
		}
	}
	return out
}

func retryableReason(rec ledger.ErrorRecord) bool {
	if rec.Reason == errs.ErrorTypeHTTPStatus {
		return false
	}
	return errs.IsRetryable(rec.Reason)
}
