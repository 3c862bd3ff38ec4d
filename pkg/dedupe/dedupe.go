package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	errs "snaprescue/pkg/errors"
	"snaprescue/pkg/logger"
	"snaprescue/pkg/progress"
)

// Options configures the cleanup sweep.
type Options struct {
	Workers int
	DryRun  bool
}

// Sweeper removes staging directories whose composite already exists in
// the library and collapses byte-identical duplicates inside the ones
// that remain. It works purely from the filesystem so it can clean up
// trees whose ledger was lost.
type Sweeper struct {
	opts    Options
	emitter *progress.Emitter
	logger  logger.Logger
}

// New creates a sweeper.
func New(opts Options, emitter *progress.Emitter, log logger.Logger) *Sweeper {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Sweeper{opts: opts, emitter: emitter, logger: log}
}

// Run sweeps the library tree rooted at root. Each staging directory is
// handled independently; a failure in one never blocks the others.
func (s *Sweeper) Run(ctx context.Context, root string) progress.Stats {
	entries, err := os.ReadDir(root)
	if err != nil {
		s.logger.WithError(err).Error("cannot read library root")
		s.emitter.ItemError("dedupe", "", string(errs.ErrorTypeFatal), fmt.Sprintf("cannot read %s: %v", root, err))
		return progress.Stats{Failed: 1}
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	sort.Strings(dirs)

	s.logger.InfoWithFields("dedupe stage starting", map[string]interface{}{
		"staging_dirs": len(dirs),
		"workers":      s.opts.Workers,
		"dry_run":      s.opts.DryRun,
	})

	var mu sync.Mutex
	var stats progress.Stats
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	for _, dir := range dirs {
		dir := dir
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			removed, err := s.sweepDir(root, dir)

			mu.Lock()
			defer mu.Unlock()
			done++
			switch {
			case err != nil:
				stats.Failed++
				s.emitter.ItemError("dedupe", dir, string(errs.TypeOf(err)), err.Error())
			case removed == 0:
				stats.Skipped++
			default:
				stats.Completed++
				s.emitter.ItemDone("dedupe", dir, done, len(dirs))
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.InfoWithFields("dedupe stage finished", map[string]interface{}{
		"cleaned": stats.Completed,
		"skipped": stats.Skipped,
		"failed":  stats.Failed,
	})
	return stats
}

// sweepDir cleans one staging directory and returns how many entries it
// removed (or would remove under dry run).
func (s *Sweeper) sweepDir(root, dir string) (int, error) {
	stagingDir := filepath.Join(root, dir)

	// A composite named after the directory means the overlay was
	// already flattened; the raw members are redundant.
	if s.hasComposite(root, dir) {
		if s.opts.DryRun {
			s.emitter.Info("dedupe", fmt.Sprintf("would remove staging directory %s", dir))
			return 1, nil
		}
		if err := os.RemoveAll(stagingDir); err != nil {
			return 0, fmt.Errorf("cannot remove staging directory %s: %w", dir, err)
		}
		return 1, nil
	}

	removed, err := s.collapseDuplicates(stagingDir, dir)
	if err != nil {
		return removed, err
	}

	// Directories emptied by the sweep are dropped too.
	if !s.opts.DryRun {
		if remaining, err := os.ReadDir(stagingDir); err == nil && len(remaining) == 0 {
			if err := os.Remove(stagingDir); err != nil {
				return removed, fmt.Errorf("cannot remove empty directory %s: %w", dir, err)
			}
			removed++
		}
	}
	return removed, nil
}

// hasComposite reports whether a flattened asset for stem sits next to
// its staging directory.
func (s *Sweeper) hasComposite(root, stem string) bool {
	matches, err := filepath.Glob(filepath.Join(root, stem+".*"))
	if err != nil {
		return false
	}
	for _, match := range matches {
		if info, err := os.Stat(match); err == nil && !info.IsDir() && info.Size() > 0 {
			return true
		}
	}
	return false
}

// collapseDuplicates removes byte-identical files inside a staging
// directory, keeping the member whose name carries the item identity.
func (s *Sweeper) collapseDuplicates(stagingDir, stem string) (int, error) {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return 0, fmt.Errorf("cannot read staging directory %s: %w", stem, err)
	}

	byHash := make(map[string][]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(stagingDir, entry.Name())
		sum, err := hashFile(path)
		if err != nil {
			return 0, err
		}
		byHash[sum] = append(byHash[sum], path)
	}

	removed := 0
	for _, paths := range byHash {
		if len(paths) < 2 {
			continue
		}
		sort.Strings(paths)
		keep := pickKeeper(paths, stem)
		for _, path := range paths {
			if path == keep {
				continue
			}
			if s.opts.DryRun {
				s.emitter.Info("dedupe", fmt.Sprintf("would remove duplicate %s", filepath.Base(path)))
				removed++
				continue
			}
			if err := os.Remove(path); err != nil {
				return removed, fmt.Errorf("cannot remove duplicate %s: %w", filepath.Base(path), err)
			}
			s.logger.WithField("path", path).Debug("removed duplicate")
			removed++
		}
	}
	return removed, nil
}

// pickKeeper chooses which of a set of identical files survives: the
// one named after the item, so later runs still find it by stem.
func pickKeeper(paths []string, stem string) string {
	for _, path := range paths {
		if strings.HasPrefix(filepath.Base(path), stem) {
			return path
		}
	}
	return paths[0]
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("cannot open %s: %w", filepath.Base(path), err)
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("cannot hash %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
