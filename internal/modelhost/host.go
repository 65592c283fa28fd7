// Package modelhost owns the loaded diffusion pipelines for the life of the
// process and serializes access to them.
//
// Pipelines are not safe for parallel invocation. The host keeps a fixed pool
// of independently loaded replicas and hands each caller exclusive use of one;
// with a single replica this is plain mutual exclusion.
package modelhost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/frameserver/internal/diffusion"
	"github.com/example/frameserver/internal/frame"
	"github.com/example/frameserver/internal/logging"
)

// ErrClosed is returned by Transform after Shutdown.
var ErrClosed = errors.New("model host is shut down")

// Options tune the replica pool.
type Options struct {
	// Replicas is the number of independently loaded pipelines. Values below 1 mean 1.
	Replicas int
	// InferenceTimeout bounds a single generation. Zero means no bound beyond
	// the caller's context.
	InferenceTimeout time.Duration
	// Seed, when set, is applied to every request that does not carry its own.
	Seed *int64
}

// Host is the process-wide model instance.
type Host struct {
	spec     diffusion.LoadSpec
	opts     Options
	logger   *zap.Logger
	replicas []diffusion.Pipeline
	free     chan diffusion.Pipeline
	done     chan struct{}
	once     sync.Once
	closeErr error
}

var _ diffusion.Transformer = (*Host)(nil)

// New loads every replica through loader. If any replica fails to load, the
// ones already loaded are closed and the error is returned; the caller must
// not serve traffic.
func New(ctx context.Context, loader diffusion.Loader, spec diffusion.LoadSpec, opts Options, logger *zap.Logger) (*Host, error) {
	if loader == nil {
		return nil, errors.New("modelhost: nil loader")
	}
	if opts.Replicas < 1 {
		opts.Replicas = 1
	}
	logger = logger.Named("model_host")
	opLogger := logging.WithOperation(logger, "modelhost.initialize", "")

	start := time.Now()
	opLogger.Info("loading pipeline",
		zap.String("checkpoint", spec.Checkpoint),
		zap.String("dtype", spec.DType),
		zap.String("device", spec.Device),
		zap.Int("replicas", opts.Replicas),
	)

	loaded := make([]diffusion.Pipeline, opts.Replicas)
	g, gctx := errgroup.WithContext(ctx)
	for i := range loaded {
		i := i
		g.Go(func() error {
			p, err := loader(gctx, spec)
			if err != nil {
				return fmt.Errorf("load replica %d: %w", i, err)
			}
			loaded[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, p := range loaded {
			if p == nil {
				continue
			}
			if cerr := p.Close(); cerr != nil {
				opLogger.Warn("failed to close replica after load failure", zap.Error(cerr))
			}
		}
		opErr := &logging.OperationError{Operation: "modelhost.initialize", Err: err}
		logger.Error("failed to load pipeline", opErr.Fields()...)
		return nil, opErr
	}

	free := make(chan diffusion.Pipeline, len(loaded))
	for _, p := range loaded {
		free <- p
	}
	opLogger.Info("pipeline loaded successfully", zap.Duration("elapsed", time.Since(start)))

	return &Host{
		spec:     spec,
		opts:     opts,
		logger:   logger,
		replicas: loaded,
		free:     free,
		done:     make(chan struct{}),
	}, nil
}

// Spec returns the checkpoint the host was loaded with.
func (h *Host) Spec() diffusion.LoadSpec {
	return h.spec
}

// Replicas returns the pool size.
func (h *Host) Replicas() int {
	return len(h.replicas)
}

// Transform runs req on a free replica, waiting for one if all are busy.
// Worker failures are returned as frame errors of kind inference.
func (h *Host) Transform(ctx context.Context, req diffusion.Request) (*diffusion.Result, error) {
	var p diffusion.Pipeline
	select {
	case <-h.done:
		return nil, frame.NewError(frame.KindInference, ErrClosed)
	case <-ctx.Done():
		return nil, frame.NewError(frame.KindInference, fmt.Errorf("waiting for model: %w", ctx.Err()))
	case p = <-h.free:
	}
	defer func() { h.free <- p }()

	select {
	case <-h.done:
		return nil, frame.NewError(frame.KindInference, ErrClosed)
	default:
	}

	if req.Params.Seed == nil && h.opts.Seed != nil {
		seed := *h.opts.Seed
		req.Params.Seed = &seed
	}

	if h.opts.InferenceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.InferenceTimeout)
		defer cancel()
	}

	result, err := p.Transform(ctx, req)
	if err != nil {
		if _, ok := frame.KindOf(err); ok {
			return nil, err
		}
		return nil, frame.NewError(frame.KindInference, err)
	}
	return result, nil
}

// Shutdown stops handing out replicas and closes all of them, including any
// still serving a call. It is safe to call more than once.
func (h *Host) Shutdown() error {
	h.once.Do(func() {
		close(h.done)
		var errs []error
		for _, p := range h.replicas {
			if err := p.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		h.closeErr = errors.Join(errs...)
		h.logger.Info("pipeline released", zap.Int("replicas", len(h.replicas)))
	})
	return h.closeErr
}
