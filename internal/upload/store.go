// internal/upload/store.go
package upload

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maisoncolyne/photo-optimizer/internal/img"
)

// Descriptor describes one accepted upload sitting in the content directory.
type Descriptor struct {
	StoredName   string
	OriginalName string
	DeclaredType string
	Size         int64
	Path         string
}

// Reason classifies why an upload was refused.
type Reason string

const (
	ReasonUnsupportedType Reason = "unsupported_type"
	ReasonEmptyFile       Reason = "empty_file"
	ReasonTooLarge        Reason = "too_large"
	ReasonInvalidName     Reason = "invalid_name"
	ReasonNoFile          Reason = "no_file"
	ReasonTooManyFiles    Reason = "too_many_files"
	ReasonUnexpectedField Reason = "unexpected_field"
)

// ValidationError is returned for uploads rejected before anything is kept
// on disk.
type ValidationError struct {
	Reason  Reason
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ErrNotFound is returned by Delete when the named original does not exist.
var ErrNotFound = errors.New("file not found")

var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// AllowedExtension reports whether filename carries an accepted image extension.
func AllowedExtension(filename string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// AllowedType reports whether a declared media type is an accepted image type.
func AllowedType(mediaType string) bool {
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	return allowedTypes[mediaType]
}

// Store validates raw uploads and writes them under unique names in a
// single content directory.
type Store struct {
	dir      string
	maxBytes int64
	now      func() time.Time
	token    func() string
}

// NewStore ensures dir exists and returns a Store that accepts files up to
// maxBytes.
func NewStore(dir string, maxBytes int64) (*Store, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max bytes must be greater than zero (got %d)", maxBytes)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve dir: %w", err)
	}
	return &Store{
		dir:      abs,
		maxBytes: maxBytes,
		now:      time.Now,
		token:    uuid.NewString,
	}, nil
}

// Dir returns the absolute content directory.
func (s *Store) Dir() string { return s.dir }

// MaxBytes returns the per-file size limit.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Path returns the on-disk path of a stored file name.
func (s *Store) Path(name string) string { return filepath.Join(s.dir, name) }

// Validate checks the name and declared type of an upload without reading it.
func (s *Store) Validate(filename, declaredType string) error {
	if !AllowedExtension(filename) || !AllowedType(declaredType) {
		return &ValidationError{
			Reason:  ReasonUnsupportedType,
			Message: fmt.Sprintf("only images are accepted (jpeg, jpg, png, gif, webp); got %q as %q", filename, declaredType),
		}
	}
	return nil
}

// Save validates one upload and streams it into the content directory under
// "<field>-<unix millis>-<token><ext>". Nothing is left on disk when Save
// returns an error.
func (s *Store) Save(field, filename, declaredType string, r io.Reader) (Descriptor, error) {
	if err := s.Validate(filename, declaredType); err != nil {
		return Descriptor{}, err
	}
	if !fieldPattern.MatchString(field) {
		field = "file"
	}
	ext := strings.ToLower(filepath.Ext(filename))

	f, name, err := s.create(field, ext)
	if err != nil {
		return Descriptor{}, err
	}
	path := f.Name()

	n, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return Descriptor{}, s.tooLarge(filename)
		}
		return Descriptor{}, fmt.Errorf("write %s: %w", name, err)
	}
	if n > s.maxBytes {
		_ = os.Remove(path)
		return Descriptor{}, s.tooLarge(filename)
	}
	if n == 0 {
		_ = os.Remove(path)
		return Descriptor{}, &ValidationError{
			Reason:  ReasonEmptyFile,
			Message: fmt.Sprintf("%s is empty", filename),
		}
	}

	return Descriptor{
		StoredName:   name,
		OriginalName: filename,
		DeclaredType: declaredType,
		Size:         n,
		Path:         path,
	}, nil
}

// create opens a fresh file exclusively so two uploads can never share a name.
func (s *Store) create(field, ext string) (*os.File, string, error) {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		name := fmt.Sprintf("%s-%d-%s%s", field, s.now().UnixMilli(), s.token(), ext)
		f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, name, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("create: %w", err)
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("create: no free name after %d attempts: %w", attempts, lastErr)
}

func (s *Store) tooLarge(filename string) error {
	return &ValidationError{
		Reason:  ReasonTooLarge,
		Message: fmt.Sprintf("%s exceeds the %d MB limit", filename, s.maxBytes>>20),
	}
}

// Delete removes a stored original together with its thumbnail and WebP
// derivatives. It returns the names actually removed.
func (s *Store) Delete(name string) ([]string, error) {
	if !validName(name) {
		return nil, &ValidationError{Reason: ReasonInvalidName, Message: fmt.Sprintf("invalid file name %q", name)}
	}
	if err := os.Remove(s.Path(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("remove %s: %w", name, err)
	}
	removed := []string{name}

	if img.IsThumbName(name) {
		return removed, nil
	}
	for _, sibling := range []string{img.ThumbName(name), img.WebPName(name)} {
		if sibling == name {
			continue
		}
		err := os.Remove(s.Path(sibling))
		switch {
		case err == nil:
			removed = append(removed, sibling)
		case errors.Is(err, os.ErrNotExist):
		default:
			return removed, fmt.Errorf("remove %s: %w", sibling, err)
		}
	}
	return removed, nil
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}
