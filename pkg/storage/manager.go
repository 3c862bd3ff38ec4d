package storage

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	errs "snaprescue/pkg/errors"
)

// Manager owns the destination library tree. Paths are partitioned by
// item stem, so concurrent workers never write the same file.
type Manager struct {
	destDir string

	mu        sync.RWMutex
	haveStems map[string]string // stem -> existing filename
}

// NewManager creates the destination directory and indexes existing
// assets so resumed runs recognize completed output even with a fresh
// ledger.
func NewManager(destDir string) (*Manager, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, errs.New(errs.ErrorTypeFatal, "cannot create destination directory %s: %v", destDir, err)
	}

	m := &Manager{
		destDir:   destDir,
		haveStems: make(map[string]string),
	}

	if err := m.scanExisting(); err != nil {
		return nil, errs.New(errs.ErrorTypeFatal, "cannot scan destination directory: %v", err)
	}
	return m, nil
}

// mediaExts are the asset extensions the export delivers.
var mediaExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true,
	".mp4": true, ".mov": true, ".avi": true,
}

func (m *Manager) scanExisting() error {
	entries, err := os.ReadDir(m.destDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			// Staging directory left from an interrupted run.
			m.haveStems[name] = name
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if mediaExts[ext] {
			m.haveStems[strings.TrimSuffix(name, filepath.Ext(name))] = name
		}
	}
	return nil
}

// Dir returns the destination directory.
func (m *Manager) Dir() string {
	return m.destDir
}

// Has reports whether an asset (or staging dir) for the stem exists.
func (m *Manager) Has(stem string) bool {
	_, ok := m.Lookup(stem)
	return ok
}

// Lookup returns the entry name indexed for the stem: the asset
// filename, or the stem itself when a staging directory holds it.
func (m *Manager) Lookup(stem string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name := m.haveStems[stem]
	return name, name != ""
}

// Forget drops a stem from the index, used after an indexed entry turns
// out to be an unusable leftover.
func (m *Manager) Forget(stem string) {
	m.mu.Lock()
	delete(m.haveStems, stem)
	m.mu.Unlock()
}

// AssetPath returns the destination path for a stem and extension.
func (m *Manager) AssetPath(stem, ext string) string {
	return filepath.Join(m.destDir, stem+ext)
}

// StagingDir returns the per-item staging directory for layered items.
func (m *Manager) StagingDir(stem string) string {
	return filepath.Join(m.destDir, stem)
}

// ExtFor infers a file extension from the declared Content-Type, falling
// back to the URL path and finally to .mp4, which is what the export
// serves when it declares nothing useful.
func ExtFor(contentType, rawURL string) string {
	if rawURL != "" {
		urlPath, _, _ := strings.Cut(rawURL, "?")
		ext := strings.ToLower(filepath.Ext(urlPath))
		switch ext {
		case ".mp4", ".jpg", ".jpeg", ".png", ".zip":
			return ext
		}
	}

	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "video"):
		return ".mp4"
	case strings.Contains(ct, "image/jpeg"), strings.Contains(ct, "image/jpg"):
		return ".jpg"
	case strings.Contains(ct, "image/png"):
		return ".png"
	case strings.Contains(ct, "zip"):
		return ".zip"
	}
	return ".mp4"
}

// Save streams r to path using a temporary file and an atomic rename.
// An empty body is a decode failure: the export sometimes serves
// zero-byte responses for expired links that still return 200.
func (m *Manager) Save(r io.Reader, path string) (int64, error) {
	tempPath := path + ".tmp"
	out, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create temporary file: %w", err)
	}

	size, err := io.Copy(out, r)
	closeErr := out.Close()

	if err != nil {
		os.Remove(tempPath)
		return 0, errs.New(errs.ErrorTypeDecode, "failed to stream body: %v", err)
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to close file: %w", closeErr)
	}
	if size == 0 {
		os.Remove(tempPath)
		return 0, errs.New(errs.ErrorTypeDecode, "empty response body")
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to rename temporary file: %w", err)
	}

	// Staging members live in subdirectories and are indexed through
	// their directory, not individually.
	if filepath.Dir(path) == m.destDir {
		m.mu.Lock()
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		m.haveStems[stem] = filepath.Base(path)
		m.mu.Unlock()
	}

	return size, nil
}

// ExtractArchive unpacks a layered item's zip into its staging
// directory and removes the zip. Member paths are flattened; the
// export's archives hold exactly a base asset and an overlay.
func (m *Manager) ExtractArchive(zipPath string) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(zipPath), filepath.Ext(zipPath))
	stagingDir := m.StagingDir(stem)

	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", errs.New(errs.ErrorTypeExtraction, "cannot open archive %s: %v", filepath.Base(zipPath), err)
	}
	defer reader.Close()

	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	extracted := 0
	for _, member := range reader.File {
		if member.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(member.Name)
		if name == "." || name == ".." || name == "" {
			continue
		}

		if err := extractMember(member, filepath.Join(stagingDir, name)); err != nil {
			return "", errs.New(errs.ErrorTypeExtraction, "cannot extract %s from %s: %v",
				name, filepath.Base(zipPath), err)
		}
		extracted++
	}

	if extracted == 0 {
		return "", errs.New(errs.ErrorTypeExtraction, "archive %s has no members", filepath.Base(zipPath))
	}

	if err := os.Remove(zipPath); err != nil {
		return "", fmt.Errorf("failed to remove archive after extraction: %w", err)
	}

	m.mu.Lock()
	m.haveStems[stem] = stem
	m.mu.Unlock()

	return stagingDir, nil
}

func extractMember(member *zip.File, dest string) error {
	src, err := member.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, src)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
	}
	return err
}

// LocatePair finds the base and overlay members inside a staging
// directory. The export names them "<id>-main.<ext>" and
// "<id>-overlay.<ext>" (underscores seen too).
func LocatePair(stagingDir string) (mainPath, overlayPath string, err error) {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return "", "", fmt.Errorf("cannot read staging directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		lower := strings.ToLower(entry.Name())
		switch {
		case strings.Contains(lower, "-main.") || strings.Contains(lower, "_main."):
			mainPath = filepath.Join(stagingDir, entry.Name())
		case strings.Contains(lower, "-overlay.") || strings.Contains(lower, "_overlay."):
			overlayPath = filepath.Join(stagingDir, entry.Name())
		}
	}

	if mainPath == "" || overlayPath == "" {
		return "", "", fmt.Errorf("staging directory %s is missing a main/overlay pair", filepath.Base(stagingDir))
	}
	return mainPath, overlayPath, nil
}

// IsVideoFile reports whether the path has a video extension.
func IsVideoFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".mov", ".avi", ".mkv", ".webm", ".m4v":
		return true
	}
	return false
}

// IsImageFile reports whether the path has an image extension.
func IsImageFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp":
		return true
	}
	return false
}
