package overlay

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	errs "snaprescue/pkg/errors"
	"snaprescue/pkg/ledger"
	"snaprescue/pkg/logger"
	"snaprescue/pkg/models"
	"snaprescue/pkg/progress"
	"snaprescue/pkg/storage"
)

// TagCopier copies capture metadata from one file to another. Nil means
// composites keep only the tags their container format preserves.
type TagCopier interface {
	CopyTags(ctx context.Context, src, dst string) error
}

// Options configures the reconstruction stage.
type Options struct {
	Workers     int
	FFmpegPath  string
	ToolTimeout time.Duration
	DryRun      bool
}

// Reconstructor flattens each item's overlay onto its base asset.
// Images are composited in-process; videos go through ffmpeg.
type Reconstructor struct {
	opts    Options
	store   *storage.Manager
	led     *ledger.Ledger
	tags    TagCopier
	emitter *progress.Emitter
	logger  logger.Logger

	ffmpegOnce sync.Once
	ffmpegErr  error
}

// New creates a reconstruction stage.
func New(opts Options, store *storage.Manager, led *ledger.Ledger, tags TagCopier, emitter *progress.Emitter, log logger.Logger) *Reconstructor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = 5 * time.Minute
	}
	if log == nil {
		log = logger.GetLogger()
	}

	return &Reconstructor{
		opts:    opts,
		store:   store,
		led:     led,
		tags:    tags,
		emitter: emitter,
		logger:  log,
	}
}

// ffmpegAvailable probes for the ffmpeg binary once per run.
func (r *Reconstructor) ffmpegAvailable() error {
	r.ffmpegOnce.Do(func() {
		if _, err := exec.LookPath(r.opts.FFmpegPath); err != nil {
			r.ffmpegErr = errs.New(errs.ErrorTypeToolMissing, "ffmpeg not found at %q", r.opts.FFmpegPath)
		}
	})
	return r.ffmpegErr
}

// Run composites every item that has a staging pair and marks the rest
// combined as-is. Per-item failures are recorded and do not stop the
// stage.
func (r *Reconstructor) Run(ctx context.Context, items []models.WorkItem) progress.Stats {
	r.logger.InfoWithFields("combine stage starting", map[string]interface{}{
		"items":   len(items),
		"workers": r.opts.Workers,
		"dry_run": r.opts.DryRun,
	})

	var mu sync.Mutex
	var stats progress.Stats
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)

	for _, item := range items {
		item := item
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			skipped, err := r.processItem(gctx, item)

			mu.Lock()
			defer mu.Unlock()
			done++
			switch {
			case skipped:
				stats.Skipped++
			case err != nil:
				stats.Failed++
				r.emitter.ItemError("combine", item.ID, string(errs.TypeOf(err)), err.Error())
			default:
				stats.Completed++
				r.emitter.ItemDone("combine", item.ID, done, len(items))
			}
			return nil
		})
	}
	// Item errors are swallowed above; only cancellation reaches here.
	_ = g.Wait()

	r.logger.InfoWithFields("combine stage finished", map[string]interface{}{
		"completed": stats.Completed,
		"skipped":   stats.Skipped,
		"failed":    stats.Failed,
	})
	return stats
}

func (r *Reconstructor) processItem(ctx context.Context, item models.WorkItem) (skipped bool, err error) {
	if r.led.IsDone(item.ID, ledger.StageCombined) {
		return true, nil
	}
	if !r.led.IsDone(item.ID, ledger.StageDownloaded) {
		// Nothing on disk yet; the download stage will report it.
		return true, nil
	}

	rec, _ := r.led.Get(item.ID)
	if rec.StagingDir == "" {
		// Flat asset, no overlay to flatten.
		if r.opts.DryRun {
			return true, nil
		}
		return false, r.led.Record(item.ID, ledger.StageCombined, ledger.OutcomeDone, ledger.Detail{})
	}

	mainPath, overlayPath, err := storage.LocatePair(rec.StagingDir)
	if err != nil {
		err = errs.New(errs.ErrorTypeExtraction, "%v", err)
		r.recordFailure(item, err)
		return false, err
	}

	outPath := r.store.AssetPath(item.Stem(), compositeExt(mainPath))
	if r.opts.DryRun {
		r.emitter.Info("combine", fmt.Sprintf("would composite %s onto %s", filepath.Base(overlayPath), filepath.Base(mainPath)))
		return true, nil
	}

	if storage.IsVideoFile(mainPath) {
		// No ffmpeg degrades gracefully: the base video stands in as
		// the output and the item keeps a distinct skip record instead
		// of a failure.
		if toolErr := r.ffmpegAvailable(); toolErr != nil {
			r.emitter.ItemError("combine", item.ID, string(errs.ErrorTypeToolMissing),
				"overlay skipped, compositing tool missing")
			if recErr := r.led.RecordError(item.ID, ledger.StageCombined, errs.ErrorTypeToolMissing,
				"overlay skipped, compositing tool missing", item.URL); recErr != nil {
				r.logger.WithError(recErr).Error("failed to record error detail")
			}
			return true, nil
		}
		err = r.compositeVideo(ctx, mainPath, overlayPath, outPath)
	} else {
		err = compositeImage(mainPath, overlayPath, outPath)
	}
	if err != nil {
		r.recordFailure(item, err)
		return false, err
	}

	if r.tags != nil {
		if tagErr := r.tags.CopyTags(ctx, mainPath, outPath); tagErr != nil {
			r.logger.WithError(tagErr).WithField("item", item.ID).Warn("composite kept without copied tags")
		}
	}

	return false, r.led.Record(item.ID, ledger.StageCombined, ledger.OutcomeDone, ledger.Detail{OutputPath: outPath})
}

func (r *Reconstructor) recordFailure(item models.WorkItem, err error) {
	if recErr := r.led.Record(item.ID, ledger.StageCombined, ledger.OutcomeFailed, ledger.Detail{Err: err.Error()}); recErr != nil {
		r.logger.WithError(recErr).Error("failed to record combine failure")
	}
	if recErr := r.led.RecordError(item.ID, ledger.StageCombined, errs.TypeOf(err), err.Error(), item.URL); recErr != nil {
		r.logger.WithError(recErr).Error("failed to record error detail")
	}
}

// compositeExt picks the composite's extension from the base asset.
// JPEG bases stay JPEG so the library tree keeps one format per item.
func compositeExt(mainPath string) string {
	ext := strings.ToLower(filepath.Ext(mainPath))
	switch ext {
	case ".jpeg":
		return ".jpg"
	case ".jpg", ".png", ".mp4", ".mov":
		return ext
	}
	if storage.IsVideoFile(mainPath) {
		return ".mp4"
	}
	return ".jpg"
}
