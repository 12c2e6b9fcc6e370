package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/maisoncolyne/photo-optimizer/internal/auth"
	"github.com/maisoncolyne/photo-optimizer/internal/img"
	"github.com/maisoncolyne/photo-optimizer/internal/metrics"
	"github.com/maisoncolyne/photo-optimizer/internal/process"
	"github.com/maisoncolyne/photo-optimizer/internal/upload"
)

const testSecret = "server-test-secret"

type filePart struct {
	field    string
	filename string
	mime     string
	body     []byte
}

type countingProcessor struct {
	calls atomic.Int32
	inner Processor
}

func (p *countingProcessor) Process(ctx context.Context, files []upload.Descriptor) []process.Outcome {
	p.calls.Add(1)
	return p.inner.Process(ctx, files)
}

type testEnv struct {
	srv   *Server
	store *upload.Store
	proc  *countingProcessor
}

func newTestEnv(t *testing.T, enabled bool, verifier *auth.Verifier) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := upload.NewStore(filepath.Join(t.TempDir(), "uploads"), 1<<20)
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	reg := prometheus.NewRegistry()
	obs, err := metrics.New("test", reg)
	if err != nil {
		t.Fatalf("metrics.New returned error: %v", err)
	}
	optimizer := img.NewOptimizer(img.Options{
		ThumbSize:    400,
		ThumbQuality: 80,
		JPEGQuality:  85,
		WebPQuality:  85,
		WebPMethod:   4,
	}, nil, obs)
	proc := &countingProcessor{inner: process.NewPipeline(optimizer, process.Options{Enabled: enabled, Observer: obs}, nil)}

	srv := New(Deps{
		MaxFiles: 3,
		Store:    store,
		Pipeline: proc,
		Verifier: verifier,
		Metrics:  obs,
		Gatherer: reg,
	})
	return &testEnv{srv: srv, store: store, proc: proc}
}

func adminToken(t *testing.T, role string) string {
	t.Helper()
	claims := auth.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	src := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			src.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, src, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func uploadRequest(t *testing.T, path, token string, parts ...filePart) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+p.field+`"; filename="`+p.filename+`"`)
		h.Set("Content-Type", p.mime)
		pw, err := w.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := pw.Write(p.body); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(env *testEnv, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	return rec
}

type response[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Message string `json:"message"`
}

type fileBody struct {
	Filename     string  `json:"filename"`
	URL          string  `json:"url"`
	Thumbnail    *string `json:"thumbnail"`
	WebP         *string `json:"webp"`
	Size         int64   `json:"size"`
	Mimetype     string  `json:"mimetype"`
	Optimization struct {
		Status string `json:"status"`
	} `json:"optimization"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) response[T] {
	t.Helper()
	var r response[T]
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return r
}

func storedFiles(t *testing.T, store *upload.Store) []string {
	t.Helper()
	entries, err := os.ReadDir(store.Dir())
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestUploadSingle(t *testing.T) {
	env := newTestEnv(t, true, auth.NewVerifier(testSecret))
	body := jpegBytes(t, 900, 600)

	rec := serve(env, uploadRequest(t, "/api/upload/single", adminToken(t, auth.RoleAdmin),
		filePart{field: "image", filename: "Portrait.JPG", mime: "image/jpeg", body: body}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	r := decode[fileBody](t, rec)
	if !r.Success {
		t.Fatalf("expected success: %+v", r)
	}
	f := r.Data
	if !strings.HasPrefix(f.Filename, "image-") || !strings.HasSuffix(f.Filename, ".jpg") {
		t.Fatalf("unexpected stored name: %s", f.Filename)
	}
	if f.URL != "/uploads/"+f.Filename {
		t.Fatalf("unexpected url: %s", f.URL)
	}
	if f.Thumbnail == nil || *f.Thumbnail != "/uploads/"+img.ThumbName(f.Filename) {
		t.Fatalf("unexpected thumbnail: %v", f.Thumbnail)
	}
	if f.WebP == nil || *f.WebP != "/uploads/"+img.WebPName(f.Filename) {
		t.Fatalf("unexpected webp: %v", f.WebP)
	}
	if f.Size != int64(len(body)) || f.Mimetype != "image/jpeg" {
		t.Fatalf("unexpected size/mimetype: %d %s", f.Size, f.Mimetype)
	}
	if f.Optimization.Status != "success" {
		t.Fatalf("unexpected optimization status: %s", f.Optimization.Status)
	}
	if _, err := os.Stat(env.store.Path(img.ThumbName(f.Filename))); err != nil {
		t.Fatalf("thumbnail not on disk: %v", err)
	}
}

func TestUploadMultipleKeepsOrder(t *testing.T) {
	env := newTestEnv(t, true, auth.NewVerifier(testSecret))

	rec := serve(env, uploadRequest(t, "/api/upload/multiple", adminToken(t, auth.RoleAdmin),
		filePart{field: "images", filename: "one.jpg", mime: "image/jpeg", body: jpegBytes(t, 500, 300)},
		filePart{field: "images", filename: "broken.jpg", mime: "image/jpeg", body: []byte("not really a jpeg")},
		filePart{field: "images", filename: "three.jpg", mime: "image/jpeg", body: jpegBytes(t, 200, 200)},
	))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	r := decode[[]fileBody](t, rec)
	if len(r.Data) != 3 {
		t.Fatalf("expected 3 files, got %d", len(r.Data))
	}
	want := []string{"success", "failure", "success"}
	for i, f := range r.Data {
		if f.Optimization.Status != want[i] {
			t.Fatalf("file %d status = %s, want %s", i, f.Optimization.Status, want[i])
		}
		if !strings.HasPrefix(f.Filename, "images-") {
			t.Fatalf("unexpected stored name: %s", f.Filename)
		}
	}
	broken := r.Data[1]
	if broken.Thumbnail != nil || broken.WebP != nil {
		t.Fatalf("broken file should have null derivatives: %+v", broken)
	}
	if _, err := os.Stat(env.store.Path(broken.Filename)); err != nil {
		t.Fatalf("broken original should be kept: %v", err)
	}
}

func TestUploadRejectsWithoutProcessing(t *testing.T) {
	token := func(t *testing.T) string { return adminToken(t, auth.RoleAdmin) }

	tests := []struct {
		name  string
		path  string
		parts []filePart
		code  int
	}{
		{"zero byte", "/api/upload/single", []filePart{{field: "image", filename: "empty.jpg", mime: "image/jpeg"}}, http.StatusBadRequest},
		{"wrong type", "/api/upload/single", []filePart{{field: "image", filename: "notes.txt", mime: "text/plain", body: []byte("hi")}}, http.StatusBadRequest},
		{"no file", "/api/upload/single", nil, http.StatusBadRequest},
		{"two files on single", "/api/upload/single", []filePart{
			{field: "image", filename: "a.jpg", mime: "image/jpeg", body: []byte("a")},
			{field: "image", filename: "b.jpg", mime: "image/jpeg", body: []byte("b")},
		}, http.StatusBadRequest},
		{"too many", "/api/upload/multiple", []filePart{
			{field: "images", filename: "a.jpg", mime: "image/jpeg", body: []byte("a")},
			{field: "images", filename: "b.jpg", mime: "image/jpeg", body: []byte("b")},
			{field: "images", filename: "c.jpg", mime: "image/jpeg", body: []byte("c")},
			{field: "images", filename: "d.jpg", mime: "image/jpeg", body: []byte("d")},
		}, http.StatusBadRequest},
		{"oversized", "/api/upload/single", []filePart{{field: "image", filename: "big.jpg", mime: "image/jpeg", body: bytes.Repeat([]byte("x"), 1<<20+1)}}, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, true, auth.NewVerifier(testSecret))

			rec := serve(env, uploadRequest(t, tt.path, token(t), tt.parts...))
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.code, rec.Body.String())
			}
			r := decode[any](t, rec)
			if r.Success || r.Message == "" {
				t.Fatalf("unexpected error body: %s", rec.Body.String())
			}
			if env.proc.calls.Load() != 0 {
				t.Fatalf("rejected upload reached the pipeline")
			}
			if names := storedFiles(t, env.store); len(names) != 0 {
				t.Fatalf("rejected upload left files: %v", names)
			}
		})
	}
}

func TestUploadWithOptimizationDisabled(t *testing.T) {
	env := newTestEnv(t, false, auth.NewVerifier(testSecret))

	rec := serve(env, uploadRequest(t, "/api/upload/single", adminToken(t, auth.RoleAdmin),
		filePart{field: "image", filename: "a.png", mime: "image/png", body: jpegBytes(t, 50, 50)}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	f := decode[fileBody](t, rec).Data
	if f.Thumbnail != nil || f.WebP != nil || f.Optimization.Status != "skipped" {
		t.Fatalf("unexpected response with optimization disabled: %+v", f)
	}
	if names := storedFiles(t, env.store); len(names) != 1 {
		t.Fatalf("expected only the original on disk, got %v", names)
	}
}

func TestUploadAuth(t *testing.T) {
	part := filePart{field: "image", filename: "a.jpg", mime: "image/jpeg", body: []byte("a")}

	tests := []struct {
		name     string
		verifier *auth.Verifier
		token    string
		code     int
	}{
		{"missing token", auth.NewVerifier(testSecret), "", http.StatusUnauthorized},
		{"non admin", auth.NewVerifier(testSecret), adminToken(t, "editor"), http.StatusForbidden},
		{"no secret configured", nil, adminToken(t, auth.RoleAdmin), http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, true, tt.verifier)
			rec := serve(env, uploadRequest(t, "/api/upload/single", tt.token, part))
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d", rec.Code, tt.code)
			}
			if names := storedFiles(t, env.store); len(names) != 0 {
				t.Fatalf("unauthorized upload stored files: %v", names)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t, true, auth.NewVerifier(testSecret))
	token := adminToken(t, auth.RoleAdmin)

	rec := serve(env, uploadRequest(t, "/api/upload/single", token,
		filePart{field: "image", filename: "a.jpg", mime: "image/jpeg", body: jpegBytes(t, 300, 200)}))
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body.String())
	}
	name := decode[fileBody](t, rec).Data.Filename

	req := httptest.NewRequest(http.MethodDelete, "/api/upload/"+name, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = serve(env, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body.String())
	}
	if names := storedFiles(t, env.store); len(names) != 0 {
		t.Fatalf("delete left files: %v", names)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/upload/"+name, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if rec = serve(env, req); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestAdminSubjectLogged(t *testing.T) {
	env := newTestEnv(t, false, auth.NewVerifier(testSecret))
	var logs bytes.Buffer
	env.srv.logger = slog.New(slog.NewTextHandler(&logs, nil))
	token := adminToken(t, auth.RoleAdmin)

	rec := serve(env, uploadRequest(t, "/api/upload/single", token,
		filePart{field: "image", filename: "a.jpg", mime: "image/jpeg", body: jpegBytes(t, 50, 50)}))
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d: %s", rec.Code, rec.Body.String())
	}
	name := decode[fileBody](t, rec).Data.Filename

	req := httptest.NewRequest(http.MethodDelete, "/api/upload/"+name, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if rec = serve(env, req); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body.String())
	}

	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, "msg=\"upload stored\"") || strings.Contains(line, "msg=\"upload deleted\"") {
			if !strings.Contains(line, "admin=1") {
				t.Fatalf("log line missing admin subject: %q", line)
			}
		}
	}
	if !strings.Contains(logs.String(), "upload stored") || !strings.Contains(logs.String(), "upload deleted") {
		t.Fatalf("expected upload and delete log lines, got %q", logs.String())
	}
}

func TestServesUploadsCrossOrigin(t *testing.T) {
	env := newTestEnv(t, true, nil)
	if err := os.WriteFile(env.store.Path("photo.jpg"), []byte("bytes"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	rec := serve(env, httptest.NewRequest(http.MethodGet, "/uploads/photo.jpg", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Cross-Origin-Resource-Policy"); got != "cross-origin" {
		t.Fatalf("unexpected CORP header: %q", got)
	}
	if rec.Body.String() != "bytes" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, true, nil)

	rec := serve(env, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(env, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test_http_requests_total") {
		t.Fatalf("request counter missing from metrics output")
	}
}
