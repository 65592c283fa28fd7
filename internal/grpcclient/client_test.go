package grpcclient

import (
	"context"
	"errors"
	"image"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/frameserver/internal/diffusion"
)

type call struct {
	method string
	args   *structpb.Struct
}

type stubInvoker struct {
	calls   []call
	replies map[string]map[string]any
	errs    map[string]error
}

func (s *stubInvoker) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	s.calls = append(s.calls, call{method: method, args: args.(*structpb.Struct)})
	if err := s.errs[method]; err != nil {
		return err
	}
	resp, err := structpb.NewStruct(s.replies[method])
	if err != nil {
		return err
	}
	proto.Merge(reply.(proto.Message), resp)
	return nil
}

func TestLoaderLoadsAndUnloadsPipeline(t *testing.T) {
	inv := &stubInvoker{replies: map[string]map[string]any{
		MethodLoadPipeline: {"pipeline_id": "worker-7"},
	}}

	p, err := Loader(inv, zap.NewNop())(context.Background(), diffusion.DefaultLoadSpec())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	load := inv.calls[0]
	if load.method != MethodLoadPipeline {
		t.Fatalf("unexpected method %s", load.method)
	}
	if got := load.args.GetFields()["torch_dtype"].GetStringValue(); got != "float32" {
		t.Fatalf("expected float32, got %q", got)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	unload := inv.calls[1]
	if unload.method != MethodUnloadPipeline || unload.args.GetFields()["pipeline_id"].GetStringValue() != "worker-7" {
		t.Fatalf("unexpected unload call: %+v", unload)
	}
}

func TestLoaderWrapsRPCError(t *testing.T) {
	inv := &stubInvoker{errs: map[string]error{
		MethodLoadPipeline: status.Error(codes.NotFound, "checkpoint not found"),
	}}
	_, err := Loader(inv, zap.NewNop())(context.Background(), diffusion.DefaultLoadSpec())
	if status.Code(errors.Unwrap(err)) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestTransformSendsParamsAndDecodesImages(t *testing.T) {
	encoded, err := diffusion.EncodeImage(image.NewRGBA(image.Rect(0, 0, 8, 8)))
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	inv := &stubInvoker{replies: map[string]map[string]any{
		MethodLoadPipeline: {"pipeline_id": "worker-7"},
		MethodImageToImage: {"images": []any{encoded}},
	}}
	p, err := Loader(inv, zap.NewNop())(context.Background(), diffusion.DefaultLoadSpec())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seed := int64(7)
	params := diffusion.DefaultParams()
	params.Seed = &seed
	result, err := p.Transform(context.Background(), diffusion.Request{
		Image:  image.NewRGBA(image.Rect(0, 0, 8, 8)),
		Prompt: "nebula",
		Params: params,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Images) != 1 {
		t.Fatalf("expected 1 image, got %d", len(result.Images))
	}

	fields := inv.calls[1].args.GetFields()
	if fields["pipeline_id"].GetStringValue() != "worker-7" || fields["prompt"].GetStringValue() != "nebula" {
		t.Fatalf("unexpected request fields: %v", fields)
	}
	if fields["num_inference_steps"].GetNumberValue() != 2 || fields["strength"].GetNumberValue() != 0.5 {
		t.Fatalf("unexpected sampler fields: %v", fields)
	}
	if fields["seed"].GetNumberValue() != 7 {
		t.Fatalf("expected seed 7, got %v", fields["seed"])
	}
}
