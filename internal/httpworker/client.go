// Package httpworker talks to a diffusion worker that serves pipelines over a
// JSON HTTP API.
package httpworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/frameserver/internal/diffusion"
	"github.com/example/frameserver/internal/logging"
)

const closeTimeout = 5 * time.Second

type loadRequest struct {
	Checkpoint string `json:"checkpoint"`
	TorchDType string `json:"torch_dtype"`
	Device     string `json:"device"`
}

type loadResponse struct {
	PipelineID string `json:"pipeline_id"`
}

type img2imgRequest struct {
	Prompt            string  `json:"prompt"`
	Image             string  `json:"image"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	Strength          float64 `json:"strength"`
	GuidanceScale     float64 `json:"guidance_scale"`
	Seed              *int64  `json:"seed,omitempty"`
}

type img2imgResponse struct {
	Images []string `json:"images"`
}

// Client is a worker endpoint. It produces Pipelines through Loader.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient builds a client for the worker at baseURL. A nil httpClient gets a
// client without a global timeout; generations are bounded by their contexts.
func NewClient(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.Named("http_worker"),
	}
}

// Loader returns a diffusion.Loader that asks the worker to load spec.
func (c *Client) Loader() diffusion.Loader {
	return func(ctx context.Context, spec diffusion.LoadSpec) (diffusion.Pipeline, error) {
		var out loadResponse
		err := c.doJSON(ctx, http.MethodPost, "/v1/pipelines", loadRequest{
			Checkpoint: spec.Checkpoint,
			TorchDType: spec.DType,
			Device:     spec.Device,
		}, &out)
		if err != nil {
			wrapped := logging.NewOperationError("httpworker.load_pipeline", "", err)
			c.logger.Error("failed to load pipeline", zap.Error(wrapped), zap.String("checkpoint", spec.Checkpoint))
			return nil, wrapped
		}
		if out.PipelineID == "" {
			return nil, fmt.Errorf("worker returned no pipeline id for %s", spec.Checkpoint)
		}
		c.logger.Info("pipeline ready", zap.String("pipeline_id", out.PipelineID))
		return &pipeline{client: c, id: out.PipelineID}, nil
	}
}

type pipeline struct {
	client *Client
	id     string
}

func (p *pipeline) Transform(ctx context.Context, req diffusion.Request) (*diffusion.Result, error) {
	encoded, err := diffusion.EncodeImage(req.Image)
	if err != nil {
		return nil, err
	}

	var out img2imgResponse
	err = p.client.doJSON(ctx, http.MethodPost, "/v1/pipelines/"+p.id+"/img2img", img2imgRequest{
		Prompt:            req.Prompt,
		Image:             encoded,
		NumInferenceSteps: req.Params.NumInferenceSteps,
		Strength:          req.Params.Strength,
		GuidanceScale:     req.Params.GuidanceScale,
		Seed:              req.Params.Seed,
	}, &out)
	if err != nil {
		return nil, err
	}
	return diffusion.DecodeImages(out.Images)
}

func (p *pipeline) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := p.client.doJSON(ctx, http.MethodDelete, "/v1/pipelines/"+p.id, nil, nil); err != nil {
		return logging.NewOperationError("httpworker.unload_pipeline", "", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
