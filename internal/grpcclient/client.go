package grpcclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/frameserver/internal/diffusion"
	"github.com/example/frameserver/internal/logging"
)

// Full method names of the worker's diffusion.v1.DiffusionWorker service. All
// messages are google.protobuf.Struct.
const (
	MethodLoadPipeline   = "/diffusion.v1.DiffusionWorker/LoadPipeline"
	MethodImageToImage   = "/diffusion.v1.DiffusionWorker/ImageToImage"
	MethodUnloadPipeline = "/diffusion.v1.DiffusionWorker/UnloadPipeline"
)

const unloadTimeout = 5 * time.Second

// Invoker is the subset of *grpc.ClientConn used by the worker client.
type Invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}

// DialDiffusionWorker returns a ready-to-use connection to the worker.
func DialDiffusionWorker(ctx context.Context, addr string, logger *zap.Logger) (*grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_diffusion_worker", "", err)
		logger.Error("failed to dial diffusion worker", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return conn, nil
}

// Loader returns a diffusion.Loader backed by conn.
func Loader(conn Invoker, logger *zap.Logger) diffusion.Loader {
	logger = logger.Named("grpc_worker")
	return func(ctx context.Context, spec diffusion.LoadSpec) (diffusion.Pipeline, error) {
		in, err := structpb.NewStruct(map[string]any{
			"checkpoint":  spec.Checkpoint,
			"torch_dtype": spec.DType,
			"device":      spec.Device,
		})
		if err != nil {
			return nil, err
		}
		out := &structpb.Struct{}
		if err := conn.Invoke(ctx, MethodLoadPipeline, in, out); err != nil {
			wrapped := logging.NewOperationError("grpcclient.load_pipeline", "", err)
			logger.Error("failed to load pipeline", zap.Error(wrapped), zap.String("checkpoint", spec.Checkpoint))
			return nil, wrapped
		}
		id := out.GetFields()["pipeline_id"].GetStringValue()
		if id == "" {
			return nil, fmt.Errorf("worker returned no pipeline id for %s", spec.Checkpoint)
		}
		logger.Info("pipeline ready", zap.String("pipeline_id", id))
		return &grpcPipeline{conn: conn, id: id}, nil
	}
}

type grpcPipeline struct {
	conn Invoker
	id   string
}

func (g *grpcPipeline) Transform(ctx context.Context, req diffusion.Request) (*diffusion.Result, error) {
	encoded, err := diffusion.EncodeImage(req.Image)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		"pipeline_id":         g.id,
		"prompt":              req.Prompt,
		"image":               encoded,
		"num_inference_steps": req.Params.NumInferenceSteps,
		"strength":            req.Params.Strength,
		"guidance_scale":      req.Params.GuidanceScale,
	}
	if req.Params.Seed != nil {
		fields["seed"] = *req.Params.Seed
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}

	out := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, MethodImageToImage, in, out); err != nil {
		return nil, err
	}

	values := out.GetFields()["images"].GetListValue().GetValues()
	images := make([]string, 0, len(values))
	for _, v := range values {
		images = append(images, v.GetStringValue())
	}
	return diffusion.DecodeImages(images)
}

func (g *grpcPipeline) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), unloadTimeout)
	defer cancel()

	in, err := structpb.NewStruct(map[string]any{"pipeline_id": g.id})
	if err != nil {
		return err
	}
	if err := g.conn.Invoke(ctx, MethodUnloadPipeline, in, &structpb.Struct{}); err != nil {
		return logging.NewOperationError("grpcclient.unload_pipeline", "", err)
	}
	return nil
}
