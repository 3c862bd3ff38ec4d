package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	errs "snaprescue/pkg/errors"
	"snaprescue/pkg/logger"
)

// Stage names the pipeline steps tracked per item.
type Stage string

const (
	StageDownloaded Stage = "downloaded"
	StageCombined   Stage = "combined"
	StageMetadata   Stage = "metadata_written"
)

// Outcome is the recorded state of one stage for one item.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeDone    Outcome = "done"
	OutcomeFailed  Outcome = "failed"
)

const (
	progressFile = "download_progress.json"
	errorsFile   = "download_errors.json"
)

// Record is the persisted state machine entry for one item.
type Record struct {
	ID          string            `json:"id"`
	Stages      map[Stage]Outcome `json:"stages"`
	OutputPath  string            `json:"output_path,omitempty"`
	StagingDir  string            `json:"staging_dir,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	RetryCount  int               `json:"retry_count,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ErrorRecord is one persisted failure, kept separately from success
// state so a retry pass can select exactly the failed subset.
type ErrorRecord struct {
	ID        string         `json:"id"`
	Stage     Stage          `json:"stage"`
	Reason    errs.ErrorType `json:"reason"`
	Message   string         `json:"message"`
	URL       string         `json:"url,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Detail carries the optional fields of a Record update.
type Detail struct {
	OutputPath  string
	StagingDir  string
	ContentType string
	Err         string
}

// Ledger is the durable per-item progress store. It is the single
// source of truth for resume decisions: a stage must skip any item the
// ledger already shows done for that stage.
//
// Updates are serialized through one mutex (single-writer discipline);
// the two JSON files are replaced atomically so a kill mid-write never
// corrupts them.
type Ledger struct {
	progressPath string
	errorsPath   string

	mu      sync.RWMutex
	records map[string]*Record
	errors  map[string]ErrorRecord

	logger logger.Logger
}

// Open loads the ledger files from dir, creating empty state when no
// prior run exists. A file that exists but cannot be parsed is a fatal
// error: guessing at progress would redo or skip work silently.
func Open(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.New(errs.ErrorTypeFatal, "cannot create ledger directory %s: %v", dir, err)
	}

	l := &Ledger{
		progressPath: filepath.Join(dir, progressFile),
		errorsPath:   filepath.Join(dir, errorsFile),
		records:      make(map[string]*Record),
		errors:       make(map[string]ErrorRecord),
		logger:       logger.GetLogger(),
	}

	if err := loadJSON(l.progressPath, &l.records); err != nil {
		return nil, errs.New(errs.ErrorTypeFatal, "corrupted progress file %s: %v", l.progressPath, err)
	}
	if err := loadJSON(l.errorsPath, &l.errors); err != nil {
		return nil, errs.New(errs.ErrorTypeFatal, "corrupted error file %s: %v", l.errorsPath, err)
	}

	l.logger.InfoWithFields("ledger loaded", map[string]interface{}{
		"records": len(l.records),
		"errors":  len(l.errors),
		"path":    l.progressPath,
	})
	return l, nil
}

// loadJSON decodes path into v; a missing file leaves v untouched.
func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// IsDone reports whether the stage already completed for the item. This
// is the resume contract consulted before any stage re-processes an item.
func (l *Ledger) IsDone(id string, stage Stage) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[id]
	return ok && rec.Stages[stage] == OutcomeDone
}

// Record applies an atomic update for one item and stage. Safe to call
// concurrently from workers handling different items. Existing retry
// counts are preserved; a failed outcome increments them.
func (l *Ledger) Record(id string, stage Stage, outcome Outcome, detail Detail) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		rec = &Record{ID: id, Stages: make(map[Stage]Outcome)}
		l.records[id] = rec
	}

	rec.Stages[stage] = outcome
	rec.UpdatedAt = time.Now().UTC()
	if detail.OutputPath != "" {
		rec.OutputPath = detail.OutputPath
	}
	if detail.StagingDir != "" {
		rec.StagingDir = detail.StagingDir
	}
	if detail.ContentType != "" {
		rec.ContentType = detail.ContentType
	}
	if detail.Err != "" {
		rec.LastError = detail.Err
	}
	if outcome == OutcomeFailed {
		rec.RetryCount++
	}
	if outcome == OutcomeDone {
		rec.LastError = ""
		delete(l.errors, id)
		if err := saveAtomic(l.errorsPath, l.errors); err != nil {
			return fmt.Errorf("failed to save error records: %w", err)
		}
	}

	return saveAtomic(l.progressPath, l.records)
}

// RecordError appends a failure to the error record set.
func (l *Ledger) RecordError(id string, stage Stage, reason errs.ErrorType, msg, url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.errors[id] = ErrorRecord{
		ID:        id,
		Stage:     stage,
		Reason:    reason,
		Message:   msg,
		URL:       url,
		Timestamp: time.Now().UTC(),
	}

	return saveAtomic(l.errorsPath, l.errors)
}

// Errors returns a copy of the recorded failures.
func (l *Ledger) Errors() map[string]ErrorRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]ErrorRecord, len(l.errors))
	for id, rec := range l.errors {
		out[id] = rec
	}
	return out
}

// Get returns a copy of the record for id.
func (l *Ledger) Get(id string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[id]
	if !ok {
		return Record{}, false
	}
	return copyRecord(rec), true
}

// Snapshot returns a copy of all records, for status reporting.
func (l *Ledger) Snapshot() map[string]Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]Record, len(l.records))
	for id, rec := range l.records {
		out[id] = copyRecord(rec)
	}
	return out
}

func copyRecord(rec *Record) Record {
	cp := *rec
	cp.Stages = make(map[Stage]Outcome, len(rec.Stages))
	for s, o := range rec.Stages {
		cp.Stages[s] = o
	}
	return cp
}

// Len returns the number of tracked items.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// saveAtomic persists v with the write-new-then-replace discipline:
// temp file, fsync, rename over the old file.
func saveAtomic(path string, v interface{}) error {
	tempPath := path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	return nil
}
