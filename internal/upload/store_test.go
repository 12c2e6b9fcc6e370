package upload

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()

	store, err := NewStore(filepath.Join(t.TempDir(), "uploads"), maxBytes)
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	return store
}

func TestSaveStoresUniqueName(t *testing.T) {
	store := newTestStore(t, 1024)
	store.now = func() time.Time { return time.UnixMilli(1700000000000) }
	store.token = func() string { return "tok" }

	desc, err := store.Save("image", "Photo.JPG", "image/jpeg", strings.NewReader("jpeg-bytes"))
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	if desc.StoredName != "image-1700000000000-tok.jpg" {
		t.Fatalf("unexpected stored name: %s", desc.StoredName)
	}
	if desc.OriginalName != "Photo.JPG" || desc.DeclaredType != "image/jpeg" || desc.Size != 10 {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
	if desc.Path != filepath.Join(store.Dir(), desc.StoredName) {
		t.Fatalf("unexpected path: %s", desc.Path)
	}

	data, err := os.ReadFile(desc.Path)
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Fatalf("stored bytes mismatch: %q", data)
	}
}

func TestSaveNameFormat(t *testing.T) {
	store := newTestStore(t, 1024)

	desc, err := store.Save("images", "a.webp", "image/webp", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	pattern := regexp.MustCompile(`^images-\d{13}-[0-9a-f-]{36}\.webp$`)
	if !pattern.MatchString(desc.StoredName) {
		t.Fatalf("stored name %s does not match %s", desc.StoredName, pattern)
	}
}

func TestSaveConcurrentUploadsNeverCollide(t *testing.T) {
	store := newTestStore(t, 1024)
	// Same millisecond for everyone; only the token tells them apart.
	store.now = func() time.Time { return time.UnixMilli(1700000000000) }

	const n = 20
	names := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			desc, err := store.Save("image", "p.png", "image/png", strings.NewReader(fmt.Sprintf("file-%d", i)))
			if err != nil {
				t.Errorf("Save %d returned error: %v", i, err)
				return
			}
			names[i] = desc.StoredName
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, name := range names {
		if seen[name] {
			t.Fatalf("duplicate stored name %s", name)
		}
		seen[name] = true
	}
}

func TestSaveRetriesOnExistingName(t *testing.T) {
	store := newTestStore(t, 1024)
	store.now = func() time.Time { return time.UnixMilli(1) }
	tokens := []string{"same", "same", "fresh"}
	store.token = func() string {
		tok := tokens[0]
		tokens = tokens[1:]
		return tok
	}

	first, err := store.Save("image", "a.png", "image/png", strings.NewReader("one"))
	if err != nil {
		t.Fatalf("first Save returned error: %v", err)
	}
	second, err := store.Save("image", "b.png", "image/png", strings.NewReader("two"))
	if err != nil {
		t.Fatalf("second Save returned error: %v", err)
	}
	if first.StoredName == second.StoredName {
		t.Fatalf("names collided: %s", first.StoredName)
	}
	if second.StoredName != "image-1-fresh.png" {
		t.Fatalf("unexpected retry name: %s", second.StoredName)
	}
}

func TestSaveRejects(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		mime     string
		body     []byte
		reason   Reason
	}{
		{"zero byte jpeg", "empty.jpg", "image/jpeg", nil, ReasonEmptyFile},
		{"oversized", "big.png", "image/png", bytes.Repeat([]byte("x"), 65), ReasonTooLarge},
		{"bad extension", "doc.pdf", "image/png", []byte("x"), ReasonUnsupportedType},
		{"bad media type", "photo.jpg", "application/octet-stream", []byte("x"), ReasonUnsupportedType},
		{"svg", "logo.svg", "image/svg+xml", []byte("<svg/>"), ReasonUnsupportedType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t, 64)

			_, err := store.Save("image", tt.filename, tt.mime, bytes.NewReader(tt.body))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Reason != tt.reason {
				t.Fatalf("unexpected reason: got %s want %s", verr.Reason, tt.reason)
			}

			entries, err := os.ReadDir(store.Dir())
			if err != nil {
				t.Fatalf("read dir: %v", err)
			}
			if len(entries) != 0 {
				t.Fatalf("rejected upload left %d file(s) behind", len(entries))
			}
		})
	}
}

func TestSaveAcceptsExactLimit(t *testing.T) {
	store := newTestStore(t, 64)
	desc, err := store.Save("image", "edge.gif", "image/gif", bytes.NewReader(bytes.Repeat([]byte("x"), 64)))
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if desc.Size != 64 {
		t.Fatalf("unexpected size: %d", desc.Size)
	}
}

func TestSaveSanitizesField(t *testing.T) {
	store := newTestStore(t, 64)
	desc, err := store.Save("../evil", "a.png", "image/png", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if !strings.HasPrefix(desc.StoredName, "file-") {
		t.Fatalf("field not sanitized: %s", desc.StoredName)
	}
}

func TestAllowedType(t *testing.T) {
	tests := []struct {
		mime string
		want bool
	}{
		{"image/jpeg", true},
		{"IMAGE/PNG", true},
		{"image/webp; charset=binary", true},
		{"image/tiff", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			if got := AllowedType(tt.mime); got != tt.want {
				t.Errorf("AllowedType(%q) = %v, want %v", tt.mime, got, tt.want)
			}
		})
	}
}

func TestDeleteRemovesDerivatives(t *testing.T) {
	store := newTestStore(t, 1024)
	for _, name := range []string{"image-1-a.jpg", "image-1-a_thumb.jpg", "image-1-a.webp", "other.jpg"} {
		if err := os.WriteFile(store.Path(name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	removed, err := store.Delete("image-1-a.jpg")
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if len(removed) != 3 {
		t.Fatalf("expected 3 removed files, got %v", removed)
	}
	if _, err := os.Stat(store.Path("other.jpg")); err != nil {
		t.Fatalf("unrelated file removed: %v", err)
	}
}

func TestDeleteErrors(t *testing.T) {
	store := newTestStore(t, 1024)

	if _, err := store.Delete("missing.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	for _, name := range []string{"", "..", "../etc/passwd", `a\b.jpg`} {
		var verr *ValidationError
		if _, err := store.Delete(name); !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError for %q, got %v", name, err)
		}
	}
}
