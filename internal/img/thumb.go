// internal/img/thumb.go
package img

import (
	"fmt"
	"image"
	"io"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// ThumbSuffix marks thumbnail artifacts. Given a stored original X.ext the
// thumbnail always lives at X_thumb.ext and the WebP derivative at X.webp;
// the site builds image URLs from this convention without asking the API.
const ThumbSuffix = "_thumb"

// ThumbName returns the thumbnail file name for a stored original.
func ThumbName(name string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + ThumbSuffix + ext
}

// WebPName returns the WebP derivative file name for a stored original.
func WebPName(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".webp"
}

// IsThumbName reports whether name already carries the thumbnail suffix.
func IsThumbName(name string) bool {
	return strings.Contains(name, ThumbSuffix)
}

// Thumbnail scales src down to fit inside a bound×bound box. Images already
// inside the box are copied unchanged, never enlarged.
func Thumbnail(src image.Image, bound int) *image.NRGBA {
	return imaging.Fit(src, bound, bound, imaging.Lanczos)
}

// GenerateThumbnail writes a thumbnail of src to dstPath. The output is
// always JPEG, whatever the extension of dstPath, so every thumbnail decodes
// at the same cost.
func GenerateThumbnail(src image.Image, dstPath string, bound, quality int) (w int, h int, _ error) {
	thumb := Thumbnail(src, bound)

	err := writeAtomic(dstPath, func(out io.Writer) error {
		return imaging.Encode(out, thumb, imaging.JPEG, imaging.JPEGQuality(quality))
	})
	if err != nil {
		return 0, 0, fmt.Errorf("save: %w", err)
	}

	b := thumb.Bounds()
	return b.Dx(), b.Dy(), nil
}

// GenerateThumbnailFile loads an image from srcPath and writes its thumbnail
// next to it, following the naming convention. It returns the thumbnail path.
func GenerateThumbnailFile(srcPath string, bound, quality int) (string, error) {
	src, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}

	dstPath := filepath.Join(filepath.Dir(srcPath), ThumbName(filepath.Base(srcPath)))
	if _, _, err := GenerateThumbnail(src, dstPath, bound, quality); err != nil {
		return "", err
	}
	return dstPath, nil
}
