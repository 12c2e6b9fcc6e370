// internal/server/handlers.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/maisoncolyne/photo-optimizer/internal/auth"
	"github.com/maisoncolyne/photo-optimizer/internal/process"
	"github.com/maisoncolyne/photo-optimizer/internal/upload"
)

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// fileResponse is what clients get back for every stored upload.
type fileResponse struct {
	Filename     string          `json:"filename"`
	URL          string          `json:"url"`
	Thumbnail    *string         `json:"thumbnail"`
	WebP         *string         `json:"webp"`
	Size         int64           `json:"size"`
	Mimetype     string          `json:"mimetype"`
	Optimization process.Outcome `json:"optimization"`
}

func writeJSON(c *gin.Context, code int, data any, message string) {
	c.JSON(code, envelope{Success: true, Data: data, Message: message})
}

func writeError(c *gin.Context, code int, message string) {
	c.AbortWithStatusJSON(code, envelope{Success: false, Message: message})
}

func contentURL(name string) string { return "/uploads/" + name }

// admin is the subject of the token that authorized the request.
func admin(c *gin.Context) string {
	claims, ok := auth.FromContext(c)
	if !ok {
		return ""
	}
	return claims.Subject
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleUploadSingle(c *gin.Context) {
	files, ok := s.receive(c, "image", 1)
	if !ok {
		return
	}
	out := s.optimize(c, files)
	writeJSON(c, http.StatusOK, out[0], "Image uploaded successfully")
}

func (s *Server) handleUploadMultiple(c *gin.Context) {
	files, ok := s.receive(c, "images", s.deps.MaxFiles)
	if !ok {
		return
	}
	out := s.optimize(c, files)
	writeJSON(c, http.StatusOK, out, fmt.Sprintf("%d image(s) uploaded successfully", len(out)))
}

func (s *Server) handleDelete(c *gin.Context) {
	name := c.Param("filename")
	removed, err := s.deps.Store.Delete(name)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("upload deleted", "file", name, "removed", removed, "admin", admin(c))
	writeJSON(c, http.StatusOK, gin.H{"removed": removed}, "Image deleted successfully")
}

// receive stores the request's files. It writes the error response itself
// and reports false when nothing should be processed.
func (s *Server) receive(c *gin.Context, field string, maxFiles int) ([]upload.Descriptor, bool) {
	limit := s.deps.Store.MaxBytes()*int64(maxFiles) + multipartOverhead
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	mr, err := c.Request.MultipartReader()
	if err != nil {
		s.fail(c, &upload.ValidationError{Reason: upload.ReasonNoFile, Message: "no image was uploaded"})
		return nil, false
	}
	files, err := s.deps.Store.ReceiveMultipart(mr, field, maxFiles)
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	for _, f := range files {
		s.logger.Info("upload stored", "file", f.StoredName, "original_name", f.OriginalName, "size_bytes", f.Size, "admin", admin(c))
	}
	return files, true
}

// optimize runs the pipeline to completion even if the client goes away, so
// no original is left half processed.
func (s *Server) optimize(c *gin.Context, files []upload.Descriptor) []fileResponse {
	outcomes := s.deps.Pipeline.Process(context.WithoutCancel(c.Request.Context()), files)

	out := make([]fileResponse, len(files))
	for i, f := range files {
		o := outcomes[i]
		r := fileResponse{
			Filename:     f.StoredName,
			URL:          contentURL(f.StoredName),
			Size:         f.Size,
			Mimetype:     f.DeclaredType,
			Optimization: o,
		}
		if o.Thumbnail != nil {
			u := contentURL(*o.Thumbnail)
			r.Thumbnail = &u
		}
		if o.WebP != nil {
			u := contentURL(*o.WebP)
			r.WebP = &u
		}
		out[i] = r
	}
	return out
}

func (s *Server) fail(c *gin.Context, err error) {
	var verr *upload.ValidationError
	switch {
	case errors.As(err, &verr):
		s.deps.Metrics.ObserveRejection(string(verr.Reason))
		s.logger.Warn("upload rejected", "reason", verr.Reason, "err", verr.Message)
		code := http.StatusBadRequest
		if verr.Reason == upload.ReasonTooLarge {
			code = http.StatusRequestEntityTooLarge
		}
		writeError(c, code, verr.Message)
	case errors.Is(err, upload.ErrNotFound):
		writeError(c, http.StatusNotFound, "Image not found")
	default:
		s.logger.Error("upload request failed", "path", c.Request.URL.Path, "err", err)
		writeError(c, http.StatusInternalServerError, "Internal server error")
	}
}
