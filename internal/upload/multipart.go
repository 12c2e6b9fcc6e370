// internal/upload/multipart.go
package upload

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
)

// ReceiveMultipart streams every file part named field from mr into the
// store, accepting at most maxFiles of them. Non-file form values are
// ignored. If any part is rejected, the files already saved for this
// request are removed and the error is returned.
func (s *Store) ReceiveMultipart(mr *multipart.Reader, field string, maxFiles int) (saved []Descriptor, err error) {
	defer func() {
		if err != nil {
			s.discard(saved)
			saved = nil
		}
	}()

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				return saved, &ValidationError{Reason: ReasonTooLarge, Message: "request body exceeds the upload limit"}
			}
			return saved, &ValidationError{Reason: ReasonNoFile, Message: fmt.Sprintf("malformed multipart body: %v", err)}
		}

		filename := part.FileName()
		if filename == "" {
			_ = part.Close()
			continue
		}
		if part.FormName() != field {
			_ = part.Close()
			return saved, &ValidationError{
				Reason:  ReasonUnexpectedField,
				Message: fmt.Sprintf("unexpected file field %q, expected %q", part.FormName(), field),
			}
		}
		if len(saved) >= maxFiles {
			_ = part.Close()
			return saved, &ValidationError{
				Reason:  ReasonTooManyFiles,
				Message: fmt.Sprintf("at most %d file(s) per request", maxFiles),
			}
		}

		desc, err := s.Save(field, filename, part.Header.Get("Content-Type"), part)
		_ = part.Close()
		if err != nil {
			return saved, err
		}
		saved = append(saved, desc)
	}

	if len(saved) == 0 {
		return nil, &ValidationError{Reason: ReasonNoFile, Message: "no image was uploaded"}
	}
	return saved, nil
}

func (s *Store) discard(descs []Descriptor) {
	for _, d := range descs {
		_ = os.Remove(d.Path)
	}
}
