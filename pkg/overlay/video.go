package overlay

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	errs "snaprescue/pkg/errors"
)

// videoFilter rescales the overlay to the base video's frame and keys
// it on top. scale2ref keeps the pairing correct when the overlay was
// rendered at a different resolution than the recording.
const videoFilter = "[1:v]format=rgba[ov];" +
	"[ov][0:v]scale2ref=main_w:main_h[ovr][base];" +
	"[base][ovr]overlay=0:0:format=auto"

// ffmpegArgs builds the compositing invocation. Output is forced to
// 4:2:0 chroma; some players refuse the 4:4:4 that libx264 would pick
// when the overlay carries full-resolution color.
func ffmpegArgs(mainPath, overlayPath, tempPath string) []string {
	return []string{
		"-y",
		"-i", mainPath,
		"-i", overlayPath,
		"-filter_complex", videoFilter,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "18",
		"-pix_fmt", "yuv420p",
		"-c:a", "copy",
		tempPath,
	}
}

// compositeVideo burns the overlay into the base video with ffmpeg.
// The video track is re-encoded; audio is copied through untouched.
func (r *Reconstructor) compositeVideo(ctx context.Context, mainPath, overlayPath, outPath string) error {
	runCtx, cancel := context.WithTimeout(ctx, r.opts.ToolTimeout)
	defer cancel()

	// ffmpeg picks the container from the extension, so the temporary
	// name keeps it while staying distinct from the final asset.
	tempPath := strings.TrimSuffix(outPath, filepath.Ext(outPath)) + ".tmp" + filepath.Ext(outPath)

	cmd := exec.CommandContext(runCtx, r.opts.FFmpegPath, ffmpegArgs(mainPath, overlayPath, tempPath)...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errs.New(errs.ErrorTypeToolFailed, "cannot attach to ffmpeg output: %v", err)
	}
	if err := cmd.Start(); err != nil {
		os.Remove(tempPath)
		return errs.New(errs.ErrorTypeToolFailed, "cannot start ffmpeg: %v", err)
	}

	// ffmpeg reports progress on stderr; pass it through so the host
	// can show it without parsing our events apart from theirs.
	r.emitter.ForwardRaw("combine", stderr)

	if err := cmd.Wait(); err != nil {
		os.Remove(tempPath)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return errs.New(errs.ErrorTypeTimeout, "ffmpeg exceeded %s compositing %s", r.opts.ToolTimeout, filepath.Base(mainPath))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.New(errs.ErrorTypeToolFailed, "ffmpeg failed on %s: %v", filepath.Base(mainPath), err)
	}

	if err := os.Rename(tempPath, outPath); err != nil {
		os.Remove(tempPath)
		return errs.New(errs.ErrorTypeToolFailed, "cannot finalize composite: %v", err)
	}
	return nil
}
