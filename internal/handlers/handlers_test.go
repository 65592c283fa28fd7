package handlers

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/frameserver/internal/diffusion"
	"github.com/example/frameserver/internal/frame"
	"github.com/example/frameserver/internal/usecase"
)

type stubModel struct {
	mu      sync.Mutex
	prompts []string
	empty   bool
}

func (s *stubModel) Transform(ctx context.Context, req diffusion.Request) (*diffusion.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, req.Prompt)
	if s.empty {
		return &diffusion.Result{}, nil
	}
	return &diffusion.Result{Images: []image.Image{req.Image}}, nil
}

func newTestRouter(model *stubModel, opts Options) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize

	uc := usecase.NewFrameTransformUseCase(model, nil, nil, zap.NewNop())
	RegisterRoutes(router, uc, opts)
	return router
}

func TestProcessFrameReturnsPNG(t *testing.T) {
	router := newTestRouter(&stubModel{}, Options{})

	body, contentType := buildMultipartBody(t, "image/png", encodePNG(t, 640, 480), nil)
	resp := postFrame(router, body, contentType)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	if ct := resp.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %q", ct)
	}
	if !bytes.HasPrefix(resp.Body.Bytes(), frame.PNGSignature) {
		t.Fatal("expected PNG signature")
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(resp.Body.Bytes()))
	if err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if cfg.Width != 512 || cfg.Height != 512 {
		t.Fatalf("expected 512x512, got %dx%d", cfg.Width, cfg.Height)
	}
	if resp.Header().Get(HeaderRequestID) == "" {
		t.Fatal("expected request id header")
	}
}

func TestProcessFrameNormalizesAnyDimensions(t *testing.T) {
	router := newTestRouter(&stubModel{}, Options{})

	for _, size := range [][2]int{{1, 1}, {512, 512}, {1920, 1080}, {300, 900}} {
		body, contentType := buildMultipartBody(t, "image/png", encodePNG(t, size[0], size[1]), nil)
		resp := postFrame(router, body, contentType)
		if resp.Code != http.StatusOK {
			t.Fatalf("%v: expected status %d, got %d", size, http.StatusOK, resp.Code)
		}
		cfg, err := png.DecodeConfig(bytes.NewReader(resp.Body.Bytes()))
		if err != nil {
			t.Fatalf("%v: failed to decode response: %v", size, err)
		}
		if cfg.Width != 512 || cfg.Height != 512 {
			t.Fatalf("%v: expected 512x512, got %dx%d", size, cfg.Width, cfg.Height)
		}
	}
}

func TestProcessFrameDefaultsPrompt(t *testing.T) {
	model := &stubModel{}
	router := newTestRouter(model, Options{})

	body, contentType := buildMultipartBody(t, "image/png", encodePNG(t, 32, 32), nil)
	if resp := postFrame(router, body, contentType); resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	body, contentType = buildMultipartBody(t, "image/png", encodePNG(t, 32, 32), map[string]string{"prompt": "an aurora"})
	if resp := postFrame(router, body, contentType); resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}

	if model.prompts[0] != diffusion.DefaultPrompt {
		t.Fatalf("expected default prompt, got %q", model.prompts[0])
	}
	if model.prompts[1] != "an aurora" {
		t.Fatalf("expected custom prompt, got %q", model.prompts[1])
	}
}

func TestProcessFrameSequentialCallsSucceed(t *testing.T) {
	model := &stubModel{}
	router := newTestRouter(model, Options{})
	frameData := encodePNG(t, 64, 64)

	for i := 0; i < 2; i++ {
		body, contentType := buildMultipartBody(t, "image/png", frameData, nil)
		resp := postFrame(router, body, contentType)
		if resp.Code != http.StatusOK {
			t.Fatalf("call %d: expected status %d, got %d", i+1, http.StatusOK, resp.Code)
		}
		img, err := png.Decode(bytes.NewReader(resp.Body.Bytes()))
		if err != nil {
			t.Fatalf("call %d: response is not a valid PNG: %v", i+1, err)
		}
		if b := img.Bounds(); b.Dx() != 512 || b.Dy() != 512 {
			t.Fatalf("call %d: expected 512x512, got %v", i+1, b)
		}
	}
	if len(model.prompts) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(model.prompts))
	}
}

func TestProcessFrameRejectsOversizedDimensions(t *testing.T) {
	model := &stubModel{}
	router := newTestRouter(model, Options{})

	body, contentType := buildMultipartBody(t, "image/png", hugeGrayPNG(t, 20000, 20000), nil)
	resp := postFrame(router, body, contentType)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
	if kind := resp.Header().Get(HeaderErrorKind); kind != string(frame.KindDecode) {
		t.Fatalf("expected error kind %q, got %q", frame.KindDecode, kind)
	}
	if detail := decodeDetail(t, resp); !strings.Contains(detail, "exceeds limit") {
		t.Fatalf("unexpected detail: %q", detail)
	}
	if len(model.prompts) != 0 {
		t.Fatal("model must not be called for oversized images")
	}
}

func TestProcessFrameRejectsNonImage(t *testing.T) {
	model := &stubModel{}
	router := newTestRouter(model, Options{})

	body, contentType := buildMultipartBody(t, "text/plain", []byte("definitely not pixels"), nil)
	resp := postFrame(router, body, contentType)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
	detail := decodeDetail(t, resp)
	if !strings.Contains(detail, "cannot identify image file") {
		t.Fatalf("unexpected detail: %q", detail)
	}
	if kind := resp.Header().Get(HeaderErrorKind); kind != string(frame.KindDecode) {
		t.Fatalf("expected error kind %q, got %q", frame.KindDecode, kind)
	}
	if len(model.prompts) != 0 {
		t.Fatal("model must not be called for non-image input")
	}
}

func TestProcessFrameReportsEmptyResult(t *testing.T) {
	router := newTestRouter(&stubModel{empty: true}, Options{})

	body, contentType := buildMultipartBody(t, "image/png", encodePNG(t, 16, 16), nil)
	resp := postFrame(router, body, contentType)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, resp.Code)
	}
	if detail := decodeDetail(t, resp); detail != "no image generated" {
		t.Fatalf("unexpected detail: %q", detail)
	}
	if kind := resp.Header().Get(HeaderErrorKind); kind != string(frame.KindEmptyResult) {
		t.Fatalf("unexpected error kind %q", kind)
	}
}

func TestProcessFrameRejectsLargeUpload(t *testing.T) {
	router := newTestRouter(&stubModel{}, Options{MaxUploadSize: 1024})

	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), 1025), nil)
	resp := postFrame(router, body, contentType)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestProcessFrameRejectsOversizedBody(t *testing.T) {
	router := newTestRouter(&stubModel{}, Options{MaxUploadSize: 1024})

	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), 2<<20), nil)
	resp := postFrame(router, body, contentType)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestProcessFrameRequiresFile(t *testing.T) {
	router := newTestRouter(&stubModel{}, Options{})

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("prompt", "no file here"); err != nil {
		t.Fatalf("failed to write field: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	resp := postFrame(router, body, writer.FormDataContentType())

	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, resp.Code)
	}
	if detail := decodeDetail(t, resp); detail != "file is required" {
		t.Fatalf("unexpected detail: %q", detail)
	}
}

func TestCORSPreflightEchoesOriginAndHeaders(t *testing.T) {
	router := newTestRouter(&stubModel{}, Options{})

	req := httptest.NewRequest(http.MethodOptions, "/process_frame", nil)
	req.Header.Set("Origin", "http://webcam.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "x-camera-id, content-type")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code >= 300 {
		t.Fatalf("expected preflight success, got %d", resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "http://webcam.example" {
		t.Fatalf("expected echoed origin, got %q", got)
	}
	if got := resp.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("expected credentials allowed, got %q", got)
	}
	if got := resp.Header().Get("Access-Control-Allow-Headers"); got != "x-camera-id, content-type" {
		t.Fatalf("expected requested headers, got %q", got)
	}
}

func TestCORSEchoesOriginOnFrameResponse(t *testing.T) {
	router := newTestRouter(&stubModel{}, Options{})

	body, contentType := buildMultipartBody(t, "image/png", encodePNG(t, 16, 16), nil)
	req := httptest.NewRequest(http.MethodPost, "/process_frame", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Origin", "http://webcam.example")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "http://webcam.example" {
		t.Fatalf("expected echoed origin, got %q", got)
	}
	if got := resp.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("expected credentials allowed, got %q", got)
	}
}

func postFrame(router *gin.Engine, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/process_frame", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeDetail(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()

	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode body %q: %v", resp.Body.String(), err)
	}
	return payload.Detail
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("failed to encode fixture: %v", err)
	}
	return buf.Bytes()
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="frame"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

// hugeGrayPNG streams a w x h all-black grayscale PNG without holding the
// raster in memory.
func hugeGrayPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	var idat bytes.Buffer
	zw := zlib.NewWriter(&idat)
	row := make([]byte, w+1)
	for y := 0; y < h; y++ {
		if _, err := zw.Write(row); err != nil {
			t.Fatalf("failed to compress row: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close zlib writer: %v", err)
	}

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], uint32(w))
	binary.BigEndian.PutUint32(ihdr[4:8], uint32(h))
	ihdr[8] = 8

	var out bytes.Buffer
	out.Write(frame.PNGSignature)
	for _, chunk := range []struct {
		typ  string
		data []byte
	}{{"IHDR", ihdr}, {"IDAT", idat.Bytes()}, {"IEND", nil}} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(chunk.data)))
		out.Write(n[:])
		out.WriteString(chunk.typ)
		out.Write(chunk.data)
		binary.BigEndian.PutUint32(n[:], crc32.ChecksumIEEE(append([]byte(chunk.typ), chunk.data...)))
		out.Write(n[:])
	}
	return out.Bytes()
}
