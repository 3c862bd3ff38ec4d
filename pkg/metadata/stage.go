package metadata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	errs "snaprescue/pkg/errors"
	"snaprescue/pkg/ledger"
	"snaprescue/pkg/logger"
	"snaprescue/pkg/models"
	"snaprescue/pkg/progress"
	"snaprescue/pkg/storage"
)

// Options configures the metadata stage.
type Options struct {
	Workers int
	// Require makes a missing exiftool abort the stage instead of
	// skipping it.
	Require bool
	DryRun  bool
}

// Stage writes capture timestamps and GPS coordinates into downloaded
// assets, then mirrors the capture time onto the filesystem so photo
// managers that sort by file time get the real chronology.
type Stage struct {
	opts    Options
	inj     *Injector
	led     *ledger.Ledger
	emitter *progress.Emitter
	logger  logger.Logger
}

// NewStage creates a metadata stage.
func NewStage(opts Options, inj *Injector, led *ledger.Ledger, emitter *progress.Emitter, log logger.Logger) *Stage {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Stage{opts: opts, inj: inj, led: led, emitter: emitter, logger: log}
}

// Run tags every downloaded item that is not yet tagged. When exiftool
// is absent the whole stage degrades to a single capability notice, or
// aborts when the caller demands metadata.
func (s *Stage) Run(ctx context.Context, items []models.WorkItem) (progress.Stats, error) {
	if err := s.inj.Available(); err != nil {
		if s.opts.Require {
			return progress.Stats{}, err
		}
		s.emitter.ItemError("metadata", "", string(errs.ErrorTypeToolMissing),
			"exiftool not installed, metadata stage skipped")
		s.logger.Warn("exiftool not installed, metadata stage skipped")
		return progress.Stats{Skipped: len(items)}, nil
	}

	s.logger.InfoWithFields("metadata stage starting", map[string]interface{}{
		"items":   len(items),
		"workers": s.opts.Workers,
		"dry_run": s.opts.DryRun,
	})

	var mu sync.Mutex
	var stats progress.Stats
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	for _, item := range items {
		item := item
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			skipped, err := s.processItem(gctx, item)

			mu.Lock()
			defer mu.Unlock()
			done++
			switch {
			case skipped:
				stats.Skipped++
			case err != nil:
				stats.Failed++
				s.emitter.ItemError("metadata", item.ID, string(errs.TypeOf(err)), err.Error())
			default:
				stats.Completed++
				s.emitter.ItemDone("metadata", item.ID, done, len(items))
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.InfoWithFields("metadata stage finished", map[string]interface{}{
		"completed": stats.Completed,
		"skipped":   stats.Skipped,
		"failed":    stats.Failed,
	})
	return stats, nil
}

func (s *Stage) processItem(ctx context.Context, item models.WorkItem) (skipped bool, err error) {
	if s.led.IsDone(item.ID, ledger.StageMetadata) {
		return true, nil
	}
	if !s.led.IsDone(item.ID, ledger.StageDownloaded) {
		return true, nil
	}

	rec, _ := s.led.Get(item.ID)
	targets, tagTarget, err := resolveTargets(rec)
	if err != nil {
		s.recordFailure(item, err)
		return false, err
	}

	if s.opts.DryRun {
		s.emitter.Info("metadata", fmt.Sprintf("would tag %s with %d target file(s)", item.ID, len(targets)))
		return true, nil
	}

	if tagTarget != "" {
		if !item.Timestamp.IsZero() {
			if err := s.inj.WriteCaptureTime(ctx, tagTarget, item.Timestamp, storage.IsVideoFile(tagTarget)); err != nil {
				s.recordFailure(item, err)
				return false, err
			}
		}
		if item.HasLocation() {
			if err := s.inj.WriteGPS(ctx, tagTarget, *item.Latitude, *item.Longitude); err != nil {
				s.recordFailure(item, err)
				return false, err
			}
		}
	}

	// File times apply to every member so the staging pair sorts
	// next to the eventual composite.
	if !item.Timestamp.IsZero() {
		for _, target := range targets {
			if err := os.Chtimes(target, item.Timestamp, item.Timestamp); err != nil {
				s.logger.WithError(err).WithField("path", target).Warn("could not set file times")
			}
		}
	}

	return false, s.led.Record(item.ID, ledger.StageMetadata, ledger.OutcomeDone, ledger.Detail{})
}

// resolveTargets lists the files the stage touches for one item and
// picks the one that receives embedded tags. Overlay members carry no
// capture data of their own, so only the base member is tagged.
func resolveTargets(rec ledger.Record) (targets []string, tagTarget string, err error) {
	if rec.OutputPath != "" {
		return []string{rec.OutputPath}, rec.OutputPath, nil
	}
	if rec.StagingDir == "" {
		return nil, "", errs.New(errs.ErrorTypeFatal, "record %s has neither output path nor staging dir", rec.ID)
	}

	entries, err := os.ReadDir(rec.StagingDir)
	if err != nil {
		return nil, "", errs.New(errs.ErrorTypeExtraction, "cannot read staging directory %s: %v", rec.StagingDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(rec.StagingDir, entry.Name())
		targets = append(targets, path)
		lower := strings.ToLower(entry.Name())
		if strings.Contains(lower, "-main.") || strings.Contains(lower, "_main.") {
			tagTarget = path
		}
	}
	if len(targets) == 0 {
		return nil, "", errs.New(errs.ErrorTypeExtraction, "staging directory %s is empty", rec.StagingDir)
	}
	return targets, tagTarget, nil
}

func (s *Stage) recordFailure(item models.WorkItem, err error) {
	if recErr := s.led.Record(item.ID, ledger.StageMetadata, ledger.OutcomeFailed, ledger.Detail{Err: err.Error()}); recErr != nil {
		s.logger.WithError(recErr).Error("failed to record metadata failure")
	}
	if recErr := s.led.RecordError(item.ID, ledger.StageMetadata, errs.TypeOf(err), err.Error(), item.URL); recErr != nil {
		s.logger.WithError(recErr).Error("failed to record error detail")
	}
}
