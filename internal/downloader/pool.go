package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	errs "snaprescue/pkg/errors"
	"snaprescue/pkg/fetch"
	"snaprescue/pkg/ledger"
	"snaprescue/pkg/logger"
	"snaprescue/pkg/models"
	"snaprescue/pkg/progress"
	"snaprescue/pkg/retry"
	"snaprescue/pkg/storage"
)

// Job is one work item handed to the pool.
type Job struct {
	Item models.WorkItem
}

// Result is the outcome of one job.
type Result struct {
	ItemID  string
	Stem    string
	Skipped bool
	Err     error
}

// Options configures a download pool.
type Options struct {
	Workers       int
	RetryAttempts int
	DryRun        bool
}

// Pool fetches work items concurrently through a fixed set of workers
// reading from a shared job channel. Item state goes through the ledger
// only; workers share nothing else mutable.
type Pool struct {
	opts    Options
	client  *fetch.Client
	store   *storage.Manager
	led     *ledger.Ledger
	emitter *progress.Emitter
	logger  logger.Logger

	jobs    chan Job
	results chan Result
	wg      sync.WaitGroup
}

// New creates a download pool.
func New(opts Options, client *fetch.Client, store *storage.Manager, led *ledger.Ledger, emitter *progress.Emitter, log logger.Logger) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if log == nil {
		log = logger.GetLogger()
	}

	return &Pool{
		opts:    opts,
		client:  client,
		store:   store,
		led:     led,
		emitter: emitter,
		logger:  log,
	}
}

// Run processes all items and returns the stage tally. Cancellation is
// graceful: workers finish the item in hand, pending jobs are not
// dispatched, and everything already completed stays recorded.
func (p *Pool) Run(ctx context.Context, items []models.WorkItem) progress.Stats {
	p.logger.InfoWithFields("download stage starting", map[string]interface{}{
		"items":   len(items),
		"workers": p.opts.Workers,
		"dry_run": p.opts.DryRun,
	})

	// Fresh channels per run so the pool can be run again (e.g. a resume
	// pass); the previous run closed its channels on completion.
	p.jobs = make(chan Job, p.opts.Workers*2)
	p.results = make(chan Result, p.opts.Workers*2)

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	go func() {
		defer close(p.jobs)
		for _, item := range items {
			select {
			case p.jobs <- Job{Item: item}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		p.wg.Wait()
		close(p.results)
	}()

	var stats progress.Stats
	total := len(items)
	for res := range p.results {
		switch {
		case res.Skipped:
			stats.Skipped++
		case res.Err != nil:
			stats.Failed++
			p.emitter.ItemError("download", res.ItemID, string(errs.TypeOf(res.Err)), res.Err.Error())
		default:
			stats.Completed++
			p.emitter.ItemDone("download", res.ItemID, stats.Completed+stats.Skipped, total)
		}
	}

	p.logger.InfoWithFields("download stage finished", map[string]interface{}{
		"completed": stats.Completed,
		"skipped":   stats.Skipped,
		"failed":    stats.Failed,
	})
	return stats
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res := p.process(ctx, job.Item)
		p.logger.DebugWithFields("worker finished item", map[string]interface{}{
			"worker": id,
			"item":   job.Item.ID,
			"error":  res.Err != nil,
		})

		select {
		case p.results <- res:
		case <-ctx.Done():
			return
		}
	}
}

// process handles one item end to end: resume check, fetch with retry,
// ledger update.
func (p *Pool) process(ctx context.Context, item models.WorkItem) Result {
	res := Result{ItemID: item.ID, Stem: item.Stem()}

	if p.led.IsDone(item.ID, ledger.StageDownloaded) {
		res.Skipped = true
		return res
	}
	// A fresh ledger over an existing tree: trust the files on disk,
	// recording where they are so later stages can find them. Only
	// entries that pass an integrity check count as downloaded; partial
	// leftovers from an interrupted run are cleared and fetched again.
	if name, ok := p.store.Lookup(item.Stem()); ok && !p.opts.DryRun {
		if detail, valid := p.verifyExisting(item, name); valid {
			if err := p.led.Record(item.ID, ledger.StageDownloaded, ledger.OutcomeDone, detail); err != nil {
				res.Err = err
				return res
			}
			res.Skipped = true
			return res
		}
	}

	if p.opts.DryRun {
		p.emitter.Info("download", fmt.Sprintf("would fetch %s as %s", item.ID, item.Stem()))
		return res
	}

	var detail ledger.Detail
	op := func() error {
		var err error
		detail, err = p.fetchItem(ctx, item)
		return err
	}

	err := retry.Do(op, &retry.Config{
		MaxAttempts: p.opts.RetryAttempts,
		Backoff:     retry.DefaultExponentialBackoff(),
		RetryIf:     retry.DefaultRetryIf,
		Context:     ctx,
		Logger:      p.logger,
	})
	if err != nil {
		res.Err = err
		// A stop signal aborts the fetch mid-flight; the item stays
		// pending rather than being recorded as a failure.
		if errors.Is(err, context.Canceled) {
			return res
		}
		if recErr := p.led.Record(item.ID, ledger.StageDownloaded, ledger.OutcomeFailed, ledger.Detail{Err: err.Error()}); recErr != nil {
			p.logger.WithError(recErr).Error("failed to record download failure")
		}
		if recErr := p.led.RecordError(item.ID, ledger.StageDownloaded, errs.TypeOf(err), err.Error(), item.URL); recErr != nil {
			p.logger.WithError(recErr).Error("failed to record error detail")
		}
		return res
	}

	if err := p.led.Record(item.ID, ledger.StageDownloaded, ledger.OutcomeDone, detail); err != nil {
		res.Err = err
	}
	return res
}

// verifyExisting checks that an indexed disk entry really is a usable
// download before it is trusted. A staging directory must hold a
// complete main/overlay pair; a flat asset must be non-empty. Anything
// else is removed so the item is fetched fresh.
func (p *Pool) verifyExisting(item models.WorkItem, name string) (ledger.Detail, bool) {
	if name == item.Stem() {
		stagingDir := p.store.StagingDir(item.Stem())
		if _, _, err := storage.LocatePair(stagingDir); err != nil {
			p.logger.WithField("item", item.ID).Warn("discarding incomplete staging directory")
			if rmErr := os.RemoveAll(stagingDir); rmErr != nil {
				p.logger.WithError(rmErr).Error("failed to remove incomplete staging directory")
			}
			p.store.Forget(item.Stem())
			return ledger.Detail{}, false
		}
		return ledger.Detail{StagingDir: stagingDir}, true
	}

	path := filepath.Join(p.store.Dir(), name)
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		p.store.Forget(item.Stem())
		return ledger.Detail{}, false
	}
	return ledger.Detail{OutputPath: path}, true
}

// fetchItem performs one download attempt. Layered items that ship two
// links get both members fetched into the staging directory; single
// links that turn out to be archives are extracted into one.
func (p *Pool) fetchItem(ctx context.Context, item models.WorkItem) (ledger.Detail, error) {
	if item.OverlayURL != "" {
		return p.fetchPair(ctx, item)
	}

	body, contentType, err := p.client.Open(ctx, item.URL, item.UsePost)
	if err != nil {
		return ledger.Detail{}, err
	}
	defer body.Close()

	ext := storage.ExtFor(contentType, item.URL)
	path := p.store.AssetPath(item.Stem(), ext)
	if _, err := p.store.Save(body, path); err != nil {
		return ledger.Detail{}, err
	}

	detail := ledger.Detail{OutputPath: path, ContentType: contentType}
	if ext == ".zip" {
		stagingDir, err := p.store.ExtractArchive(path)
		if err != nil {
			return ledger.Detail{}, err
		}
		detail.OutputPath = ""
		detail.StagingDir = stagingDir
	}
	return detail, nil
}

// fetchPair downloads a base asset and its overlay into the item's
// staging directory, named the same way archive members are, so the
// compositing stage handles both delivery forms identically.
func (p *Pool) fetchPair(ctx context.Context, item models.WorkItem) (ledger.Detail, error) {
	stagingDir := p.store.StagingDir(item.Stem())
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return ledger.Detail{}, fmt.Errorf("failed to create staging directory: %w", err)
	}

	mainBody, mainType, err := p.client.Open(ctx, item.URL, item.UsePost)
	if err != nil {
		return ledger.Detail{}, err
	}
	mainPath := filepath.Join(stagingDir, item.Stem()+"-main"+storage.ExtFor(mainType, item.URL))
	_, err = p.store.Save(mainBody, mainPath)
	mainBody.Close()
	if err != nil {
		return ledger.Detail{}, err
	}

	overlayBody, overlayType, err := p.client.Open(ctx, item.OverlayURL, item.UsePost)
	if err != nil {
		return ledger.Detail{}, err
	}
	overlayPath := filepath.Join(stagingDir, item.Stem()+"-overlay"+storage.ExtFor(overlayType, item.OverlayURL))
	_, err = p.store.Save(overlayBody, overlayPath)
	overlayBody.Close()
	if err != nil {
		return ledger.Detail{}, err
	}

	return ledger.Detail{StagingDir: stagingDir, ContentType: mainType}, nil
}
