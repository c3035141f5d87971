package api

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lumen/internal/bundle"
	"github.com/samcharles93/lumen/internal/inference"
	"github.com/samcharles93/lumen/internal/toy"
)

const testConfig = `{
	"lm_hidden_dim": 16,
	"lm_n_kv_heads": 1,
	"lm_n_blocks": 2,
	"mp_image_token_length": 4,
	"max_img_size": 64,
	"splitted_image_size": 32,
	"eos_token_id": 2
}`

func writeTestBundle(t *testing.T) string {
	t.Helper()
	tokens := []string{
		"<|endoftext|>", "<|im_start|>", "<|im_end|>",
		"a", "b", "c", "d", "e", "i", "r", "s", "t", "u", "w", "h", "Ġ", "Ċ",
		"us", "er", "user", "as", "ss", "ist", "an", "nt",
	}
	vocab := make(map[string]int, len(tokens))
	for i, tok := range tokens {
		vocab[tok] = i
	}
	doc := map[string]any{
		"model": map[string]any{
			"type":   "BPE",
			"vocab":  vocab,
			"merges": []string{"u s", "e r", "us er", "a s"},
		},
		"added_tokens": []map[string]any{
			{"id": 0, "content": "<|endoftext|>", "special": true},
			{"id": 1, "content": "<|im_start|>", "special": true},
			{"id": 2, "content": "<|im_end|>", "special": true},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal tokenizer: %v", err)
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, bundle.ConfigFile), []byte(testConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, bundle.TokenizerFile), raw, 0o644); err != nil {
		t.Fatalf("write tokenizer: %v", err)
	}
	return dir
}

func newTestServer(t *testing.T, cfg Config) (*Server, *echo.Echo) {
	t.Helper()
	res, err := inference.Loader{BundleDir: writeTestBundle(t), Workers: 2}.Load(toy.Factory(3))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { _ = res.Pipeline.Close() })
	server, err := NewServer(res.Pipeline, cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	e := echo.New()
	server.Register(e)
	return server, e
}

func newTestEcho(t *testing.T) *echo.Echo {
	t.Helper()
	_, e := newTestServer(t, Config{Model: "test-bundle", Version: "v0.0.1-test"})
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func doMultipart(t *testing.T, e *echo.Echo, path string, fields map[string]string, img []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if img != nil {
		fw, err := mw.CreateFormFile("image", "image.png")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := fw.Write(img); err != nil {
			t.Fatalf("write image: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) ResponseError {
	t.Helper()
	return decodeBody[struct {
		Error ResponseError `json:"error"`
	}](t, rec).Error
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)

	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody[HealthResponse](t, rec); got.Status != "ok" || got.Version != "v0.0.1-test" {
		t.Fatalf("body = %+v", got)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("missing %s header", RequestIDHeader)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req_fixed")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "req_fixed" {
		t.Fatalf("request id = %q", got)
	}
}

func TestModelInfo(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)

	rec := doJSON(t, e, http.MethodGet, "/v1/model", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[ModelResponse](t, rec)
	if got.MaxSideLen != 64 || got.PatchSize != 32 || got.TokensPerTile != 4 {
		t.Fatalf("tiling = %+v", got)
	}
	if got.Specials.EOS != 2 || got.Template != "chatml" || got.Model != "test-bundle" || got.NumLayers != 2 {
		t.Fatalf("model = %+v", got)
	}
}

func TestTokenize(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)

	tests := []struct {
		name    string
		body    string
		status  int
		markers int
	}{
		{"text only", `{"text":"a user"}`, http.StatusOK, 0},
		{"single tile", `{"text":"a","rows":1,"cols":1}`, http.StatusOK, 4},
		{"grid", `{"text":"a","rows":1,"cols":2}`, http.StatusOK, 12},
		{"half grid", `{"text":"a","rows":2}`, http.StatusBadRequest, 0},
		{"unknown field", `{"text":"a","images":1}`, http.StatusBadRequest, 0},
		{"grid past markers", `{"text":"a","rows":9,"cols":9}`, http.StatusUnprocessableEntity, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/v1/tokenize", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			if tt.status != http.StatusOK {
				return
			}
			got := decodeBody[TokenizeResponse](t, rec)
			if got.ImageMarkers != tt.markers || got.Count != len(got.IDs) {
				t.Fatalf("markers = %d, count = %d, ids = %v", got.ImageMarkers, got.Count, got.IDs)
			}
		})
	}
}

func TestTile(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)

	rec := doMultipart(t, e, "/v1/tile", nil, encodePNG(t, 64, 32))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[TileResponse](t, rec)
	want := TileResponse{
		SourceWidth:  64,
		SourceHeight: 32,
		Width:        64,
		Height:       32,
		Rows:         1,
		Cols:         2,
		ImageTokens:  12,
		Tiles: []TileInfo{
			{Role: "global", Size: 32},
			{Role: "patch", Row: 0, Col: 0, Size: 32},
			{Role: "patch", Row: 0, Col: 1, Size: 32},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tile response (-want +got):\n%s", diff)
	}

	rec = doMultipart(t, e, "/v1/tile", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing image status = %d", rec.Code)
	}
	rec = doMultipart(t, e, "/v1/tile", nil, []byte("not an image"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("garbage image status = %d", rec.Code)
	}
	rec = doMultipart(t, e, "/v1/tile", nil, hugePNGHeader())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized image status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := errorType(t, rec); got.Type != "invalid_request_error" || !strings.Contains(got.Message, "pixel budget") {
		t.Fatalf("oversized image error = %+v", got)
	}
}

// hugePNGHeader declares a 40000x40000 RGB image and carries no pixel data.
func hugePNGHeader() []byte {
	ihdr := []byte("IHDR")
	ihdr = binary.BigEndian.AppendUint32(ihdr, 40000)
	ihdr = binary.BigEndian.AppendUint32(ihdr, 40000)
	ihdr = append(ihdr, 8, 2, 0, 0, 0)
	out := []byte("\x89PNG\r\n\x1a\n")
	out = binary.BigEndian.AppendUint32(out, 13)
	out = append(out, ihdr...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(ihdr))
}

func TestGenerateJSON(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)

	body, err := json.Marshal(GenerateRequest{
		Prompt:       "what is this",
		ImageBase64:  "data:image/png;base64," + base64.StdEncoding.EncodeToString(encodePNG(t, 64, 32)),
		MaxNewTokens: 4,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rec := doJSON(t, e, http.MethodPost, "/v1/generate", string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[GenerateResponse](t, rec)
	if got.Status != "COMPLETED" && got.Status != "MAX_TOKENS" {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Usage.ImageTokens != 12 || got.Usage.GeneratedTokens != len(got.Tokens) || len(got.Tokens) > 4 {
		t.Fatalf("response = %+v", got)
	}
	if !strings.HasPrefix(got.ID, "gen-") {
		t.Fatalf("id = %q", got.ID)
	}
}

func TestGenerateMultipartMatchesJSON(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	img := encodePNG(t, 40, 40)

	rec := doMultipart(t, e, "/v1/generate", map[string]string{"prompt": "hi", "max_new_tokens": "3"}, img)
	if rec.Code != http.StatusOK {
		t.Fatalf("multipart status = %d: %s", rec.Code, rec.Body.String())
	}
	fromForm := decodeBody[GenerateResponse](t, rec)

	body := `{"prompt":"hi","max_new_tokens":3,"image_base64":"` + base64.StdEncoding.EncodeToString(img) + `"}`
	rec = doJSON(t, e, http.MethodPost, "/v1/generate", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("json status = %d: %s", rec.Code, rec.Body.String())
	}
	fromJSON := decodeBody[GenerateResponse](t, rec)
	if diff := cmp.Diff(fromForm.Tokens, fromJSON.Tokens); diff != "" {
		t.Fatalf("tokens differ (-multipart +json):\n%s", diff)
	}
}

func TestGenerateStream(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)

	rec := doJSON(t, e, http.MethodPost, "/v1/generate?stream=true", `{"prompt":"a user","max_new_tokens":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	var (
		deltas strings.Builder
		done   *GenerateResponse
	)
	for _, block := range strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n") {
		lines := strings.SplitN(block, "\n", 2)
		if len(lines) != 2 {
			t.Fatalf("malformed event %q", block)
		}
		name := strings.TrimPrefix(lines[0], "event: ")
		data := []byte(strings.TrimPrefix(lines[1], "data: "))
		switch name {
		case "delta":
			var ev deltaEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Fatalf("delta: %v", err)
			}
			deltas.WriteString(ev.Delta)
		case "done":
			var ev doneEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Fatalf("done: %v", err)
			}
			done = &ev.GenerateResponse
		default:
			t.Fatalf("unexpected event %q", name)
		}
	}
	if done == nil {
		t.Fatalf("no done event in %q", rec.Body.String())
	}
	if got := inference.SanitizeOutput(deltas.String()); got != done.Text {
		t.Fatalf("deltas %q, final text %q", got, done.Text)
	}
}

func TestGenerateErrors(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"bad base64", `{"prompt":"a","image_base64":"%%%"}`, http.StatusBadRequest},
		{"not an image", `{"prompt":"a","image_base64":"` + base64.StdEncoding.EncodeToString([]byte("nope")) + `"}`, http.StatusBadRequest},
		{"negative budget", `{"prompt":"a","max_new_tokens":-1}`, http.StatusBadRequest},
		{"malformed", `{"prompt":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/v1/generate", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			if got := errorType(t, rec); got.Type != "invalid_request_error" || got.Message == "" {
				t.Fatalf("error = %+v", got)
			}
		})
	}
}

func TestGenerateBusy(t *testing.T) {
	t.Parallel()
	s, e := newTestServer(t, Config{})

	if !s.gen.TryAcquire(1) {
		t.Fatalf("slot already taken")
	}
	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt":"a"}`)
	s.gen.Release(1)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := errorType(t, rec); got.Code != "busy" {
		t.Fatalf("error = %+v", got)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt":"a","max_new_tokens":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("after release status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	_, e := newTestServer(t, Config{Rate: 0.001, Burst: 1})

	if rec := doJSON(t, e, http.MethodGet, "/v1/model", ""); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec := doJSON(t, e, http.MethodGet, "/v1/model", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz is not limited, got %d", rec.Code)
	}
}
