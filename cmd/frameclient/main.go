// Command frameclient sends image files to a frame server and writes the
// transformed frames next to them as <name>.processed.png.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/frameserver/internal/frame"
	"github.com/example/frameserver/internal/frameclient"
	"github.com/example/frameserver/internal/logging"
)

const processedSuffix = ".processed.png"

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tif", ".tiff"}

type options struct {
	server      string
	prompt      string
	outDir      string
	asJPEG      bool
	timeout     time.Duration
	concurrency int
}

func main() {
	var opts options
	flag.StringVar(&opts.server, "server", "http://localhost:8000", "frame server base URL")
	flag.StringVar(&opts.prompt, "prompt", "", "prompt sent with every frame (server default when empty)")
	flag.StringVar(&opts.outDir, "out", "", "output directory (next to each input when empty)")
	flag.BoolVar(&opts.asJPEG, "jpeg", true, "re-encode inputs as JPEG before sending")
	flag.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "per-frame request timeout")
	flag.IntVar(&opts.concurrency, "concurrency", 1, "frames in flight")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <image|dir>...\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := logging.NewLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inputs, err := collectInputs(flag.Args())
	if err != nil {
		logger.Fatal("failed to collect inputs", zap.Error(err))
	}
	if len(inputs) == 0 {
		logger.Fatal("no images found", zap.Strings("args", flag.Args()))
	}

	client := frameclient.New(opts.server, &http.Client{}, logger)
	failed := run(ctx, client, inputs, opts, logger)
	if failed > 0 {
		logger.Error("some frames failed", zap.Int("failed", failed), zap.Int("total", len(inputs)))
		logger.Sync() //nolint:errcheck
		os.Exit(1)
	}
	logger.Info("all frames processed", zap.Int("total", len(inputs)))
}

// run processes every input and returns how many failed.
func run(ctx context.Context, client *frameclient.Client, inputs []string, opts options, logger *zap.Logger) int {
	var failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.concurrency, 1))
	for _, path := range inputs {
		path := path
		g.Go(func() error {
			if gctx.Err() != nil {
				failed.Add(1)
				return nil
			}
			if err := processFile(gctx, client, path, opts, logger); err != nil {
				failed.Add(1)
				logger.Error("frame failed", zap.String("input", path), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(failed.Load())
}

func processFile(ctx context.Context, client *frameclient.Client, path string, opts options, logger *zap.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	f := frameclient.Frame{Data: data, Filename: filepath.Base(path), Prompt: opts.prompt}
	if opts.asJPEG {
		encoded, size, err := frameclient.EncodeJPEG(data)
		if err != nil {
			return err
		}
		f.Data = encoded
		f.Filename = "image.jpg"
		f.ContentType = "image/jpeg"
		logger.Info("sending image", zap.String("input", path), zap.Int("bytes", len(encoded)), zap.Int("width", size.X), zap.Int("height", size.Y))
	}

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := client.ProcessFrame(ctx, f)
	if err != nil {
		return err
	}

	dest := outputPath(path, opts.outDir)
	if err := os.WriteFile(dest, out, 0o644); err != nil {
		return err
	}

	fields := []zap.Field{zap.String("input", path), zap.String("output", dest), zap.Duration("elapsed", time.Since(start))}
	if decoded, err := frame.Decode(out); err == nil {
		b := decoded.Image.Bounds()
		fields = append(fields, zap.Int("width", b.Dx()), zap.Int("height", b.Dy()))
	}
	logger.Info("processed image written", fields...)
	return nil
}

// collectInputs expands directories into the image files they contain and
// skips earlier outputs.
func collectInputs(args []string) ([]string, error) {
	var inputs []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			inputs = append(inputs, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !isImageName(e.Name()) {
				continue
			}
			inputs = append(inputs, filepath.Join(arg, e.Name()))
		}
	}
	return lo.Uniq(inputs), nil
}

func isImageName(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, processedSuffix) {
		return false
	}
	return lo.Contains(imageExtensions, filepath.Ext(lower))
}

func outputPath(input, outDir string) string {
	base := filepath.Base(input)
	name := strings.TrimSuffix(base, filepath.Ext(base)) + processedSuffix
	if outDir == "" {
		return filepath.Join(filepath.Dir(input), name)
	}
	return filepath.Join(outDir, name)
}
