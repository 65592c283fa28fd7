package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/example/frameserver/internal/diffusion"
	"github.com/example/frameserver/internal/frame"
	"github.com/example/frameserver/internal/logging"
	"github.com/example/frameserver/internal/repository"
)

// FrameJournal defines the persistence operations needed by the use case.
type FrameJournal interface {
	SaveLog(ctx context.Context, log *repository.FrameLog) error
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// FrameInput is one uploaded frame.
type FrameInput struct {
	Data        []byte
	Filename    string
	ContentType string
	// Prompt is used as is; empty means the default prompt.
	Prompt string
}

// FrameTransformUseCase runs an uploaded frame through the diffusion model.
type FrameTransformUseCase struct {
	model          diffusion.Transformer
	journal        FrameJournal
	counter        Counter
	logger         *zap.Logger
	params         diffusion.Params
	defaultPrompt  string
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewFrameTransformUseCase constructs a use case with the default sampler
// parameters and prompt. journal and counter may be nil.
func NewFrameTransformUseCase(model diffusion.Transformer, journal FrameJournal, counter Counter, logger *zap.Logger) *FrameTransformUseCase {
	return &FrameTransformUseCase{
		model:          model,
		journal:        lo.Ternary[FrameJournal](journal != nil, journal, NopJournal{}),
		counter:        lo.Ternary[Counter](counter != nil, counter, NopCounter{}),
		logger:         logger.Named("frame_usecase"),
		params:         diffusion.DefaultParams(),
		defaultPrompt:  diffusion.DefaultPrompt,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// WithParams overrides the sampler parameters sent with every frame.
func (uc *FrameTransformUseCase) WithParams(p diffusion.Params) *FrameTransformUseCase {
	uc.params = p
	return uc
}

// WithDefaultPrompt overrides the prompt used when a frame carries none.
func (uc *FrameTransformUseCase) WithDefaultPrompt(prompt string) *FrameTransformUseCase {
	if prompt != "" {
		uc.defaultPrompt = prompt
	}
	return uc
}

// Params returns the sampler parameters in use.
func (uc *FrameTransformUseCase) Params() diffusion.Params {
	return uc.params
}

// ProcessFrame decodes, normalizes and transforms in, returning the request id
// and the PNG encoded result. Errors are *frame.Error values; the request id
// is returned in either case.
func (uc *FrameTransformUseCase) ProcessFrame(ctx context.Context, in FrameInput) (string, []byte, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.process_frame", requestID)
	start := time.Now()

	prompt := lo.Ternary(in.Prompt != "", in.Prompt, uc.defaultPrompt)
	entry := &repository.FrameLog{
		RequestID:  requestID,
		Prompt:     prompt,
		Filename:   in.Filename,
		InputBytes: len(in.Data),
		CreatedAt:  start.UTC(),
	}

	opLogger.Info("received frame",
		zap.String("prompt", prompt),
		zap.String("filename", in.Filename),
		zap.String("content_type", in.ContentType),
		zap.Int("bytes", len(in.Data)),
	)

	out, err := uc.transform(ctx, opLogger, prompt, in.Data, entry)
	entry.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		kind, _ := frame.KindOf(err)
		entry.ErrorKind = string(kind)
		entry.ErrorMessage = err.Error()
		opLogger.Error("error processing frame", zap.String("error_kind", string(kind)), zap.Error(err))
	} else {
		entry.Success = true
		entry.OutputBytes = len(out)
		opLogger.Info("returning processed image", zap.Int("bytes", len(out)), zap.Int64("latency_ms", entry.LatencyMs))
	}

	uc.record(context.WithoutCancel(ctx), entry)
	return requestID, out, err
}

func (uc *FrameTransformUseCase) transform(ctx context.Context, opLogger *zap.Logger, prompt string, data []byte, entry *repository.FrameLog) ([]byte, error) {
	decoded, err := frame.Decode(data)
	if err != nil {
		return nil, err
	}
	b := decoded.Image.Bounds()
	entry.InputWidth, entry.InputHeight = b.Dx(), b.Dy()
	opLogger.Debug("opened image", zap.String("format", decoded.Format), zap.Int("width", b.Dx()), zap.Int("height", b.Dy()))

	input, resized, err := frame.Normalize(decoded.Image)
	if err != nil {
		return nil, err
	}
	entry.Resized = resized
	if resized {
		opLogger.Debug("resized input image", zap.Int("width", frame.Resolution), zap.Int("height", frame.Resolution))
	}

	if err := uc.params.Validate(); err != nil {
		return nil, err
	}

	opLogger.Info("starting image processing",
		zap.Int("num_inference_steps", uc.params.NumInferenceSteps),
		zap.Float64("strength", uc.params.Strength),
		zap.Float64("guidance_scale", uc.params.GuidanceScale),
	)
	result, err := uc.model.Transform(ctx, diffusion.Request{Image: input, Prompt: prompt, Params: uc.params})
	if err != nil {
		if _, ok := frame.KindOf(err); !ok {
			err = frame.NewError(frame.KindInference, err)
		}
		return nil, err
	}

	img, ok := result.First()
	if !ok {
		return nil, frame.NewError(frame.KindEmptyResult, frame.ErrNoImageGenerated)
	}
	opLogger.Debug("image processing completed", zap.Int("images", len(result.Images)))

	return frame.EncodePNG(img)
}

func (uc *FrameTransformUseCase) record(ctx context.Context, entry *repository.FrameLog) {
	opLogger := logging.WithOperation(uc.logger, "usecase.record", entry.RequestID)

	if err := uc.journal.SaveLog(ctx, entry); err != nil {
		opLogger.Warn("failed to persist frame log", zap.Error(err))
	}

	keys := []string{counterTotal}
	if entry.Success {
		keys = append(keys, counterSucceeded)
	} else {
		keys = append(keys, counterFailed, fmt.Sprintf("%s:%s", counterFailed, entry.ErrorKind))
	}
	for _, key := range keys {
		key := key
		if err := uc.withRedisRetry(ctx, entry.RequestID, "counter.incr", func() error {
			return uc.counter.Incr(ctx, key)
		}); err != nil {
			opLogger.Warn("failed to update counter", zap.String("key", key), zap.Error(err))
		}
	}
}

func (uc *FrameTransformUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !logging.IsTransient(err) || attempt == uc.retryAttempts-1 {
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
