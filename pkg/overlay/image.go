package overlay

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"

	errs "snaprescue/pkg/errors"
)

const jpegQuality = 95

// compositeImage alpha-blends the overlay onto the base frame and
// writes the result to outPath. The overlay is rescaled to the base
// frame's dimensions first; exports deliver the two at different
// resolutions.
func compositeImage(mainPath, overlayPath, outPath string) error {
	base, err := decodeImage(mainPath)
	if err != nil {
		return err
	}
	over, err := decodeImage(overlayPath)
	if err != nil {
		return err
	}

	bounds := base.Bounds()
	canvas := image.NewRGBA(bounds)
	xdraw.Draw(canvas, bounds, base, bounds.Min, xdraw.Src)

	if over.Bounds() == bounds {
		xdraw.Draw(canvas, bounds, over, over.Bounds().Min, xdraw.Over)
	} else {
		xdraw.CatmullRom.Scale(canvas, bounds, over, over.Bounds(), xdraw.Over, nil)
	}

	return encodeImage(canvas, outPath)
}

// decodeImage reads an image with its EXIF orientation applied, so a
// photo the camera stored rotated is composited the way it displays.
func decodeImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errs.New(errs.ErrorTypeDecode, "cannot open %s: %v", filepath.Base(path), err)
	}
	defer file.Close()

	img, err := imaging.Decode(file, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errs.New(errs.ErrorTypeDecode, "cannot decode %s: %v", filepath.Base(path), err)
	}
	return img, nil
}

// encodeImage writes img to outPath via a temporary file so a crash
// never leaves a truncated composite in the library.
func encodeImage(img image.Image, outPath string) error {
	tempPath := outPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create composite file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(outPath)) {
	case ".png":
		err = png.Encode(file, img)
	default:
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: jpegQuality})
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode composite: %w", err)
	}

	if err := os.Rename(tempPath, outPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to finalize composite: %w", err)
	}
	return nil
}
