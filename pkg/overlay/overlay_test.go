package overlay

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"snaprescue/pkg/ledger"
	"snaprescue/pkg/logger"
	"snaprescue/pkg/models"
	"snaprescue/pkg/progress"
	"snaprescue/pkg/storage"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	if err := png.Encode(file, img); err != nil {
		t.Fatal(err)
	}
}

func writeJPEG(t *testing.T, path string, img image.Image) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	if err := jpeg.Encode(file, img, nil); err != nil {
		t.Fatal(err)
	}
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestCompositeImage(t *testing.T) {
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "x-main.jpg")
	overlayPath := filepath.Join(dir, "x-overlay.png")
	outPath := filepath.Join(dir, "out.jpg")

	writeJPEG(t, mainPath, solid(40, 40, color.RGBA{R: 255, A: 255}))

	// Overlay: transparent except an opaque blue square in the corner.
	over := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			over.SetRGBA(x, y, color.RGBA{B: 255, A: 255})
		}
	}
	writePNG(t, overlayPath, over)

	if err := compositeImage(mainPath, overlayPath, outPath); err != nil {
		t.Fatalf("composite failed: %v", err)
	}

	file, err := os.Open(outPath)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	result, err := jpeg.Decode(file)
	if err != nil {
		t.Fatalf("output not decodable: %v", err)
	}

	// Inside the overlay square the blue channel dominates; outside,
	// the red base shows through.
	r, _, b, _ := result.At(5, 5).RGBA()
	if b <= r {
		t.Errorf("overlay pixel not composited: r=%d b=%d", r, b)
	}
	r, _, b, _ = result.At(30, 30).RGBA()
	if r <= b {
		t.Errorf("base pixel overwritten: r=%d b=%d", r, b)
	}
}

// orientedJPEG encodes img as a baseline JPEG and splices in a minimal
// EXIF block right after the SOI marker declaring the given orientation
// value (1 through 8, per the TIFF orientation tag).
func orientedJPEG(t *testing.T, img image.Image, orientation byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()

	// APP1 segment: length 0x22 covers the length field, the Exif
	// header, and a little-endian TIFF body holding one IFD entry for
	// tag 0x0112 (orientation, SHORT, count 1).
	exif := []byte{
		0xFF, 0xE1, 0x00, 0x22,
		'E', 'x', 'i', 'f', 0x00, 0x00,
		'I', 'I', 0x2A, 0x00,
		0x08, 0x00, 0x00, 0x00,
		0x01, 0x00,
		0x12, 0x01, 0x03, 0x00, 0x01, 0x00, 0x00, 0x00, orientation, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}

	out := append([]byte{}, data[:2]...)
	out = append(out, exif...)
	out = append(out, data[2:]...)
	return out
}

func TestCompositeImageHonorsExifOrientation(t *testing.T) {
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "x-main.jpg")
	overlayPath := filepath.Join(dir, "x-overlay.png")
	outPath := filepath.Join(dir, "out.jpg")

	// Stored 40x20 with orientation 6 (rotate 90 CW to display), so the
	// image viewers show is 20x40. The composite must come out in
	// display orientation, not storage orientation.
	data := orientedJPEG(t, solid(40, 20, color.RGBA{R: 255, A: 255}), 6)
	if err := os.WriteFile(mainPath, data, 0644); err != nil {
		t.Fatal(err)
	}
	writePNG(t, overlayPath, image.NewRGBA(image.Rect(0, 0, 20, 40)))

	if err := compositeImage(mainPath, overlayPath, outPath); err != nil {
		t.Fatalf("composite failed: %v", err)
	}

	file, err := os.Open(outPath)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	result, err := jpeg.Decode(file)
	if err != nil {
		t.Fatal(err)
	}
	if got := result.Bounds(); got.Dx() != 20 || got.Dy() != 40 {
		t.Errorf("orientation not applied: got %dx%d, want 20x40", got.Dx(), got.Dy())
	}
}

func TestCompositeImageRescalesOverlay(t *testing.T) {
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "x-main.jpg")
	overlayPath := filepath.Join(dir, "x-overlay.png")
	outPath := filepath.Join(dir, "out.jpg")

	writeJPEG(t, mainPath, solid(60, 80, color.RGBA{G: 255, A: 255}))
	// Overlay at half resolution, fully opaque blue.
	writePNG(t, overlayPath, solid(30, 40, color.RGBA{B: 255, A: 255}))

	if err := compositeImage(mainPath, overlayPath, outPath); err != nil {
		t.Fatalf("composite failed: %v", err)
	}

	file, err := os.Open(outPath)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	result, err := jpeg.Decode(file)
	if err != nil {
		t.Fatal(err)
	}

	if result.Bounds().Dx() != 60 || result.Bounds().Dy() != 80 {
		t.Fatalf("composite lost the base dimensions: %v", result.Bounds())
	}
	// The scaled opaque overlay must cover the far corner too.
	_, g, b, _ := result.At(59, 79).RGBA()
	if b <= g {
		t.Errorf("overlay not rescaled to cover the frame: g=%d b=%d", g, b)
	}
}

func TestCompositeImageBadInput(t *testing.T) {
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "x-main.jpg")
	if err := os.WriteFile(mainPath, []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}

	err := compositeImage(mainPath, mainPath, filepath.Join(dir, "out.jpg"))
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestCompositeExt(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a/b-main.jpg", ".jpg"},
		{"a/b-main.jpeg", ".jpg"},
		{"a/b-main.png", ".png"},
		{"a/b-main.mp4", ".mp4"},
		{"a/b-main.webm", ".mp4"},
		{"a/b-main.bmp", ".jpg"},
	}
	for _, tt := range tests {
		if got := compositeExt(tt.in); got != tt.want {
			t.Errorf("compositeExt(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func newTestReconstructor(t *testing.T, dir string, dryRun bool) (*Reconstructor, *ledger.Ledger, *storage.Manager) {
	t.Helper()
	store, err := storage.NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	led, err := ledger.Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	rec := New(Options{Workers: 2, DryRun: dryRun, ToolTimeout: time.Minute},
		store, led, nil, progress.NewEmitter(&bytes.Buffer{}), logger.NewNopLogger())
	return rec, led, store
}

func TestFFmpegArgs(t *testing.T) {
	args := ffmpegArgs("in-main.mp4", "in-overlay.png", "out.tmp.mp4")

	flags := map[string]string{}
	for i := 0; i < len(args)-1; i++ {
		flags[args[i]] = args[i+1]
	}

	// yuv420p keeps composites playable; libx264 defaults to 4:4:4 when
	// the overlay carries full-resolution color.
	if flags["-pix_fmt"] != "yuv420p" {
		t.Errorf("missing -pix_fmt yuv420p: %v", args)
	}
	if flags["-preset"] != "medium" {
		t.Errorf("missing -preset medium: %v", args)
	}
	if flags["-c:v"] != "libx264" || flags["-crf"] != "18" || flags["-c:a"] != "copy" {
		t.Errorf("unexpected encoder settings: %v", args)
	}
	if flags["-filter_complex"] != videoFilter {
		t.Errorf("filter graph not wired: %v", args)
	}
	if args[len(args)-1] != "out.tmp.mp4" {
		t.Errorf("output path must come last: %v", args)
	}
}

func TestRunMarksFlatItemsCombined(t *testing.T) {
	dir := t.TempDir()
	rec, led, store := newTestReconstructor(t, dir, false)

	item := models.WorkItem{ID: "flat1", URL: "https://example.com/dl?mid=flat1"}
	if err := led.Record(item.ID, ledger.StageDownloaded, ledger.OutcomeDone,
		ledger.Detail{OutputPath: store.AssetPath(item.Stem(), ".jpg")}); err != nil {
		t.Fatal(err)
	}

	stats := rec.Run(context.Background(), []models.WorkItem{item})
	if stats.Completed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if !led.IsDone("flat1", ledger.StageCombined) {
		t.Error("flat item not marked combined")
	}
}

func TestRunCompositesStagedImagePair(t *testing.T) {
	dir := t.TempDir()
	rec, led, store := newTestReconstructor(t, dir, false)

	item := models.WorkItem{
		ID:        "abcd1234",
		Timestamp: time.Date(2023, 6, 15, 14, 30, 0, 0, time.UTC),
		Kind:      models.KindLayeredImage,
	}

	stagingDir := store.StagingDir(item.Stem())
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeJPEG(t, filepath.Join(stagingDir, "abcd1234-main.jpg"), solid(20, 20, color.RGBA{R: 255, A: 255}))
	writePNG(t, filepath.Join(stagingDir, "abcd1234-overlay.png"), solid(20, 20, color.RGBA{B: 255, A: 128}))

	if err := led.Record(item.ID, ledger.StageDownloaded, ledger.OutcomeDone,
		ledger.Detail{StagingDir: stagingDir}); err != nil {
		t.Fatal(err)
	}

	stats := rec.Run(context.Background(), []models.WorkItem{item})
	if stats.Completed != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	outPath := store.AssetPath(item.Stem(), ".jpg")
	if _, err := os.Stat(outPath); err != nil {
		t.Fatalf("composite missing: %v", err)
	}
	if !led.IsDone(item.ID, ledger.StageCombined) {
		t.Error("ledger not updated")
	}
	// Raw members stay until the cleanup sweep confirms the composite.
	if _, _, err := storage.LocatePair(stagingDir); err != nil {
		t.Errorf("staging members removed too early: %v", err)
	}
}

func TestRunSkipsAlreadyCombined(t *testing.T) {
	dir := t.TempDir()
	rec, led, _ := newTestReconstructor(t, dir, false)

	item := models.WorkItem{ID: "done1"}
	if err := led.Record(item.ID, ledger.StageDownloaded, ledger.OutcomeDone, ledger.Detail{}); err != nil {
		t.Fatal(err)
	}
	if err := led.Record(item.ID, ledger.StageCombined, ledger.OutcomeDone, ledger.Detail{}); err != nil {
		t.Fatal(err)
	}

	stats := rec.Run(context.Background(), []models.WorkItem{item})
	if stats.Skipped != 1 || stats.Completed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRunRecordsBrokenStagingDir(t *testing.T) {
	dir := t.TempDir()
	rec, led, store := newTestReconstructor(t, dir, false)

	item := models.WorkItem{ID: "broken1"}
	stagingDir := store.StagingDir(item.Stem())
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		t.Fatal(err)
	}
	// Only a main member, no overlay.
	if err := os.WriteFile(filepath.Join(stagingDir, "broken1-main.jpg"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := led.Record(item.ID, ledger.StageDownloaded, ledger.OutcomeDone,
		ledger.Detail{StagingDir: stagingDir}); err != nil {
		t.Fatal(err)
	}

	stats := rec.Run(context.Background(), []models.WorkItem{item})
	if stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(led.Errors()) != 1 {
		t.Error("failure not recorded")
	}
}

func TestRunDegradesWhenFFmpegMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	led, err := ledger.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	rec := New(Options{Workers: 1, FFmpegPath: filepath.Join(dir, "no-such-ffmpeg")},
		store, led, nil, progress.NewEmitter(&bytes.Buffer{}), logger.NewNopLogger())

	item := models.WorkItem{ID: "vid1", Kind: models.KindLayeredVideo}
	stagingDir := store.StagingDir(item.Stem())
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"vid1-main.mp4", "vid1-overlay.png"} {
		if err := os.WriteFile(filepath.Join(stagingDir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := led.Record(item.ID, ledger.StageDownloaded, ledger.OutcomeDone,
		ledger.Detail{StagingDir: stagingDir}); err != nil {
		t.Fatal(err)
	}

	stats := rec.Run(context.Background(), []models.WorkItem{item})
	if stats.Failed != 0 {
		t.Fatalf("missing tool must not fail the item: %+v", stats)
	}
	if stats.Skipped != 1 {
		t.Fatalf("expected a skip: %+v", stats)
	}

	// The base video survives as the de-facto output and the skip is
	// discoverable with its own reason.
	if _, err := os.Stat(filepath.Join(stagingDir, "vid1-main.mp4")); err != nil {
		t.Error("base member removed")
	}
	failures := led.Errors()
	if len(failures) != 1 || failures["vid1"].Reason != "tool_missing" {
		t.Errorf("wrong skip record: %+v", failures)
	}
}

func TestRunDryRunDoesNotComposite(t *testing.T) {
	dir := t.TempDir()
	rec, led, store := newTestReconstructor(t, dir, true)

	item := models.WorkItem{ID: "dry1", Kind: models.KindLayeredImage}
	stagingDir := store.StagingDir(item.Stem())
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeJPEG(t, filepath.Join(stagingDir, "dry1-main.jpg"), solid(10, 10, color.RGBA{R: 255, A: 255}))
	writePNG(t, filepath.Join(stagingDir, "dry1-overlay.png"), solid(10, 10, color.RGBA{B: 255, A: 255}))
	if err := led.Record(item.ID, ledger.StageDownloaded, ledger.OutcomeDone,
		ledger.Detail{StagingDir: stagingDir}); err != nil {
		t.Fatal(err)
	}

	rec.Run(context.Background(), []models.WorkItem{item})

	if _, err := os.Stat(store.AssetPath(item.Stem(), ".jpg")); !os.IsNotExist(err) {
		t.Error("dry run produced a composite")
	}
	if led.IsDone(item.ID, ledger.StageCombined) {
		t.Error("dry run mutated the ledger")
	}
}
