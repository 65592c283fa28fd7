// Package frameclient posts frames to a frame server and returns the
// transformed PNG.
package frameclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"go.uber.org/zap"

	"github.com/example/frameserver/internal/frame"
)

const (
	processFramePath = "/process_frame"
	maxDetailBytes   = 512
	jpegQuality      = 95
)

// APIError is a non-200 answer from the server.
type APIError struct {
	StatusCode int
	Detail     string
	// Kind is the server's failure category, empty when not reported.
	Kind string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Kind, e.Detail)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Detail)
}

// Frame is one upload.
type Frame struct {
	Data        []byte
	Filename    string
	ContentType string
	// Prompt is omitted from the form when empty.
	Prompt string
}

// Client talks to a frame server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New builds a client for the server at baseURL.
func New(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.Named("frame_client"),
	}
}

// ProcessFrame uploads f and returns the PNG the server produced.
func (c *Client) ProcessFrame(ctx context.Context, f Frame) ([]byte, error) {
	body, contentType, err := buildForm(f)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+processFramePath, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	c.logger.Debug("sending frame", zap.String("filename", f.Filename), zap.Int("bytes", len(f.Data)))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Detail:     detailOf(data),
			Kind:       resp.Header.Get("X-Frame-Error-Kind"),
		}
	}
	if !frame.IsPNG(data) {
		return nil, fmt.Errorf("server returned %d bytes that are not a PNG", len(data))
	}
	return data, nil
}

func buildForm(f Frame) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if f.Prompt != "" {
		if err := writer.WriteField("prompt", f.Prompt); err != nil {
			return nil, "", err
		}
	}

	filename := f.Filename
	if filename == "" {
		filename = "frame"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if f.ContentType != "" {
		header.Set("Content-Type", f.ContentType)
	} else {
		header.Set("Content-Type", "application/octet-stream")
	}
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(f.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

func detailOf(body []byte) string {
	var payload struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Detail != nil {
		if s, ok := payload.Detail.(string); ok {
			return s
		}
		if raw, err := json.Marshal(payload.Detail); err == nil {
			return string(raw)
		}
	}
	if len(body) > maxDetailBytes {
		body = body[:maxDetailBytes]
	}
	return strings.TrimSpace(string(body))
}

// EncodeJPEG decodes any supported image and re-encodes it as an opaque JPEG,
// returning the new bytes and the image size.
func EncodeJPEG(data []byte) ([]byte, image.Point, error) {
	decoded, err := frame.Decode(data)
	if err != nil {
		return nil, image.Point{}, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, decoded.Image, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, image.Point{}, err
	}
	return buf.Bytes(), decoded.Image.Bounds().Size(), nil
}
