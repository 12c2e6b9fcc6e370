package img

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"

	// Uploaded .webp originals must decode like any other raster format.
	_ "golang.org/x/image/webp"
)

// Format is the container format detected from the image bytes, as named
// by the registered image decoders.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
	FormatWebP Format = "webp"
)

// ErrSkipped is returned by Recompress for formats it does not re-encode.
// GIF and WebP originals land here; animated uploads in particular are left
// exactly as received.
var ErrSkipped = errors.New("recompression skipped")

type encodeFunc func(w io.Writer, src image.Image) error

// recompressor returns the encoder used to shrink an original of the given
// format in place.
func recompressor(format Format, jpegQuality int) (encodeFunc, bool) {
	switch format {
	case FormatJPEG:
		return func(w io.Writer, src image.Image) error {
			return imaging.Encode(w, src, imaging.JPEG, imaging.JPEGQuality(jpegQuality))
		}, true
	case FormatPNG:
		return func(w io.Writer, src image.Image) error {
			return imaging.Encode(w, src, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
		}, true
	default:
		return nil, false
	}
}

// Recompress re-encodes src over the original at path. The new bytes only
// replace the original when they are smaller than originalSize; otherwise
// the original is kept and replaced is false. The swap goes through a temp
// sibling and a rename, so the original is never left half-written.
func Recompress(src image.Image, format Format, path string, originalSize int64, jpegQuality int) (replaced bool, _ error) {
	encode, ok := recompressor(format, jpegQuality)
	if !ok {
		return false, ErrSkipped
	}

	var buf bytes.Buffer
	if err := encode(&buf, src); err != nil {
		return false, fmt.Errorf("encode %s: %w", format, err)
	}
	if originalSize > 0 && int64(buf.Len()) >= originalSize {
		return false, nil
	}

	err := writeAtomic(path, func(out io.Writer) error {
		_, err := buf.WriteTo(out)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("replace original: %w", err)
	}
	return true, nil
}

// EncodeWebP writes src as lossy WebP. method is libwebp's effort knob
// (0 fastest, 6 smallest).
func EncodeWebP(src image.Image, dstPath string, quality, method int) error {
	options, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, float32(quality))
	if err != nil {
		return fmt.Errorf("webp options: %w", err)
	}
	options.Method = method

	err = writeAtomic(dstPath, func(out io.Writer) error {
		return webp.Encode(out, src, options)
	})
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}

// writeAtomic streams encode's output into a temp file in the destination
// directory and renames it over dstPath once complete.
func writeAtomic(dstPath string, encode func(io.Writer) error) error {
	dstDir := filepath.Dir(dstPath)
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dstDir, filepath.Base(dstPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()

	if err := encode(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp: %w", err)
	}
	// CreateTemp uses 0600; the static file server needs to read it.
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
