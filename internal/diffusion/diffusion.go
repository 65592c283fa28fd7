package diffusion

import (
	"context"
	"fmt"
	"image"

	"github.com/example/frameserver/internal/frame"
)

const (
	// DefaultCheckpoint is the pretrained image-to-image pipeline loaded at start.
	DefaultCheckpoint = "stabilityai/sdxl-turbo"
	// DTypeFloat32 pins the pipeline to full 32-bit precision.
	DTypeFloat32 = "float32"
	// DeviceCPU binds the pipeline to the CPU.
	DeviceCPU = "cpu"

	// DefaultPrompt is used when a request carries no prompt.
	DefaultPrompt = "Beautiful, cinematic photography shot of a planet in space"
)

// Params are the sampler settings sent with every generation.
type Params struct {
	NumInferenceSteps int
	Strength          float64
	GuidanceScale     float64
	// Seed is nil for unseeded sampling.
	Seed *int64
}

// DefaultParams returns the fixed per-frame settings. 2 steps at strength 0.5
// sit exactly on the steps*strength >= 1 boundary.
func DefaultParams() Params {
	return Params{
		NumInferenceSteps: 2,
		Strength:          0.5,
		GuidanceScale:     0.0,
	}
}

// Validate checks the sampler preconditions before any worker time is spent.
func (p Params) Validate() error {
	switch {
	case p.NumInferenceSteps <= 0:
		return frame.NewError(frame.KindInvalidParams, fmt.Errorf("num_inference_steps must be positive, got %d", p.NumInferenceSteps))
	case p.Strength <= 0 || p.Strength > 1:
		return frame.NewError(frame.KindInvalidParams, fmt.Errorf("strength must be in (0, 1], got %g", p.Strength))
	case p.GuidanceScale < 0:
		return frame.NewError(frame.KindInvalidParams, fmt.Errorf("guidance_scale must not be negative, got %g", p.GuidanceScale))
	case float64(p.NumInferenceSteps)*p.Strength < 1:
		return frame.NewError(frame.KindInvalidParams, fmt.Errorf(
			"num_inference_steps * strength must be >= 1, got %d * %g", p.NumInferenceSteps, p.Strength))
	}
	return nil
}

// Request is a single image-to-image generation.
type Request struct {
	Image  image.Image
	Prompt string
	Params Params
}

// Result holds the images produced by a generation. It may be empty.
type Result struct {
	Images []image.Image
}

// First returns the first generated image, or false when none were produced.
func (r *Result) First() (image.Image, bool) {
	if r == nil || len(r.Images) == 0 {
		return nil, false
	}
	return r.Images[0], true
}

// LoadSpec names the checkpoint and where it runs.
type LoadSpec struct {
	Checkpoint string
	DType      string
	Device     string
}

// DefaultLoadSpec returns sdxl-turbo in float32 on the CPU.
func DefaultLoadSpec() LoadSpec {
	return LoadSpec{Checkpoint: DefaultCheckpoint, DType: DTypeFloat32, Device: DeviceCPU}
}

// Transformer runs image-to-image generations.
type Transformer interface {
	Transform(ctx context.Context, req Request) (*Result, error)
}

// Pipeline is a loaded model instance held by a worker.
type Pipeline interface {
	Transformer
	Close() error
}

// Loader loads one pipeline instance. Implementations fail when the checkpoint
// cannot be fetched or deserialized.
type Loader func(ctx context.Context, spec LoadSpec) (Pipeline, error)
