package metadata

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	errs "snaprescue/pkg/errors"
	"snaprescue/pkg/logger"
)

// exiftool's timestamp notation.
const exifTimeLayout = "2006:01:02 15:04:05"

// Injector writes capture metadata into media files by shelling out to
// exiftool. One Injector is shared across workers; exiftool itself is
// invoked per file.
type Injector struct {
	exiftoolPath string
	timeout      time.Duration
	logger       logger.Logger

	probeOnce sync.Once
	probeErr  error
}

// NewInjector creates an injector using the given exiftool binary.
func NewInjector(exiftoolPath string, timeout time.Duration, log logger.Logger) *Injector {
	if exiftoolPath == "" {
		exiftoolPath = "exiftool"
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Injector{exiftoolPath: exiftoolPath, timeout: timeout, logger: log}
}

// Available reports whether exiftool can be invoked. The probe runs
// once; a missing tool is a capability failure for the whole stage, not
// a per-item error.
func (i *Injector) Available() error {
	i.probeOnce.Do(func() {
		path, err := exec.LookPath(i.exiftoolPath)
		if err != nil {
			i.probeErr = errs.New(errs.ErrorTypeToolMissing, "exiftool not found at %q", i.exiftoolPath)
			return
		}
		i.logger.WithField("path", path).Debug("exiftool located")
	})
	return i.probeErr
}

// WriteCaptureTime stamps the capture timestamp into the file. Images
// and videos carry the date in different tag sets.
func (i *Injector) WriteCaptureTime(ctx context.Context, path string, ts time.Time, isVideo bool) error {
	stamp := ts.UTC().Format(exifTimeLayout)

	var args []string
	if isVideo {
		args = []string{
			"-CreateDate=" + stamp,
			"-MediaCreateDate=" + stamp,
			"-TrackCreateDate=" + stamp,
			"-ModifyDate=" + stamp,
		}
	} else {
		args = []string{
			"-DateTimeOriginal=" + stamp,
			"-CreateDate=" + stamp,
			"-ModifyDate=" + stamp,
		}
	}
	return i.run(ctx, append(args, path))
}

// WriteGPS stamps a coordinate into the file. exiftool wants unsigned
// magnitudes with hemisphere reference tags.
func (i *Injector) WriteGPS(ctx context.Context, path string, lat, lon float64) error {
	latRef, lonRef := gpsRefs(lat, lon)

	args := []string{
		fmt.Sprintf("-GPSLatitude=%f", math.Abs(lat)),
		"-GPSLatitudeRef=" + latRef,
		fmt.Sprintf("-GPSLongitude=%f", math.Abs(lon)),
		"-GPSLongitudeRef=" + lonRef,
		path,
	}
	return i.run(ctx, args)
}

// gpsRefs maps signed coordinates to exiftool hemisphere references.
func gpsRefs(lat, lon float64) (latRef, lonRef string) {
	latRef, lonRef = "N", "E"
	if lat < 0 {
		latRef = "S"
	}
	if lon < 0 {
		lonRef = "W"
	}
	return latRef, lonRef
}

// CopyTags copies all metadata from src into dst, used to carry tags
// from a base asset onto its composite.
func (i *Injector) CopyTags(ctx context.Context, src, dst string) error {
	return i.run(ctx, []string{"-TagsFromFile", src, "-all:all", dst})
}

func (i *Injector) run(ctx context.Context, args []string) error {
	if err := i.Available(); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	full := append([]string{"-overwrite_original", "-q", "-q"}, args...)
	cmd := exec.CommandContext(runCtx, i.exiftoolPath, full...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return errs.New(errs.ErrorTypeTimeout, "exiftool exceeded %s", i.timeout)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		target := args[len(args)-1]
		return errs.New(errs.ErrorTypeToolFailed, "exiftool failed on %s: %v: %s",
			filepath.Base(target), err, strings.TrimSpace(string(output)))
	}
	return nil
}
