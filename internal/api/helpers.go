package api

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lumen/internal/imageproc"
)

// maxUploadBytes bounds multipart bodies and decoded base64 images.
const maxUploadBytes = 32 << 20

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

// writeFailure writes err with the status its kind maps to.
func writeFailure(c *echo.Context, err error) error {
	status, errType, code := classify(err)
	return writeError(c, status, errType, err.Error(), "", code)
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var v T
	dec := json.NewDecoder(io.LimitReader(r, maxUploadBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, newInvalidRequest(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return v, nil
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm)
}

// formImage decodes the named multipart file. A missing field yields nil.
func formImage(r *http.Request, field string) (*imageproc.Image, error) {
	f, _, err := r.FormFile(field)
	if err == http.ErrMissingFile {
		return nil, nil
	}
	if err != nil {
		return nil, newInvalidRequest(fmt.Sprintf("%s: %v", field, err))
	}
	defer func(f multipart.File) { _ = f.Close() }(f)
	img, err := imageproc.Decode(f)
	if err != nil {
		return nil, newInvalidRequest(fmt.Sprintf("%s: %v", field, err))
	}
	return img, nil
}

func base64Image(s string) (*imageproc.Image, error) {
	if s == "" {
		return nil, nil
	}
	// Accept data URLs as well as bare payloads.
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, newInvalidRequest(fmt.Sprintf("image_base64: %v", err))
	}
	if len(raw) > maxUploadBytes {
		return nil, newInvalidRequest("image_base64: image too large")
	}
	img, err := imageproc.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, newInvalidRequest(fmt.Sprintf("image_base64: %v", err))
	}
	return img, nil
}

func parseOptionalInt(name, s string) (int, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, newInvalidRequest(fmt.Sprintf("%s must be a non-negative integer, got %q", name, s))
	}
	return n, nil
}

func queryBool(c *echo.Context, name string) bool {
	v, err := strconv.ParseBool(c.QueryParam(name))
	return err == nil && v
}

func newRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
