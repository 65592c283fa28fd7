package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/example/frameserver/internal/diffusion"
)

// Backends understood by the composition root.
const (
	BackendHTTP = "http"
	BackendGRPC = "grpc"
)

// FileEnv names the environment variable pointing at an optional YAML config file.
const FileEnv = "FRAMESERVER_CONFIG"

// Config holds all configuration for the service.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string

	Backend    string
	WorkerURL  string
	WorkerAddr string

	Model            diffusion.LoadSpec
	Replicas         int
	InferenceTimeout time.Duration
	Seed             *int64
	DefaultPrompt    string
	MaxUploadBytes   int64

	DatabaseDSN string
	RedisAddr   string

	RetentionDays     int
	RetentionSchedule string
	SummarySchedule   string
}

// Load reads the optional YAML file named by FRAMESERVER_CONFIG and an
// optional .env file, then applies environment overrides. Environment values
// win over the file; both win over the defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	src := source{}
	if path := os.Getenv(FileEnv); path != "" {
		values, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = values
	}

	cfg, err := src.build()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	values := make(map[string]any)
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	return values, nil
}

type source struct {
	file map[string]any
}

func (s source) getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value, ok := s.file[key]; ok && value != nil {
		return fmt.Sprint(value)
	}
	return fallback
}

func (s source) getInt(key string, fallback int) (int, error) {
	raw := s.getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func (s source) getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := s.getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func (s source) build() (*Config, error) {
	cfg := &Config{
		HTTPAddr:   s.getEnv("HTTP_ADDR", ":8000"),
		LogLevel:   s.getEnv("LOG_LEVEL", "info"),
		Backend:    strings.ToLower(s.getEnv("BACKEND", BackendHTTP)),
		WorkerURL:  s.getEnv("WORKER_URL", "http://localhost:7860"),
		WorkerAddr: s.getEnv("WORKER_ADDR", "localhost:50051"),
		Model: diffusion.LoadSpec{
			Checkpoint: s.getEnv("MODEL_CHECKPOINT", diffusion.DefaultCheckpoint),
			DType:      s.getEnv("MODEL_DTYPE", diffusion.DTypeFloat32),
			Device:     s.getEnv("MODEL_DEVICE", diffusion.DeviceCPU),
		},
		DefaultPrompt:     s.getEnv("DEFAULT_PROMPT", diffusion.DefaultPrompt),
		DatabaseDSN:       s.getEnv("DATABASE_DSN", ""),
		RedisAddr:         s.getEnv("REDIS_ADDR", ""),
		RetentionSchedule: s.getEnv("RETENTION_SCHEDULE", "@daily"),
		SummarySchedule:   s.getEnv("SUMMARY_SCHEDULE", "@every 15m"),
	}

	var err error
	if cfg.ShutdownTimeout, err = s.getDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.InferenceTimeout, err = s.getDuration("INFERENCE_TIMEOUT", 0); err != nil {
		return nil, err
	}
	if cfg.Replicas, err = s.getInt("MODEL_REPLICAS", 1); err != nil {
		return nil, err
	}
	if cfg.RetentionDays, err = s.getInt("RETENTION_DAYS", 30); err != nil {
		return nil, err
	}

	maxUpload, err := s.getInt("MAX_UPLOAD_BYTES", 20<<20)
	if err != nil {
		return nil, err
	}
	cfg.MaxUploadBytes = int64(maxUpload)

	if raw := s.getEnv("SEED", ""); raw != "" {
		seed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SEED: %w", err)
		}
		cfg.Seed = lo.ToPtr(seed)
	}

	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if !lo.Contains([]string{BackendHTTP, BackendGRPC}, c.Backend) {
		return fmt.Errorf("BACKEND must be %q or %q, got %q", BackendHTTP, BackendGRPC, c.Backend)
	}
	if c.Backend == BackendHTTP && c.WorkerURL == "" {
		return fmt.Errorf("WORKER_URL is required for the %s backend", BackendHTTP)
	}
	if c.Backend == BackendGRPC && c.WorkerAddr == "" {
		return fmt.Errorf("WORKER_ADDR is required for the %s backend", BackendGRPC)
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP_ADDR is required")
	}
	if c.Model.Checkpoint == "" {
		return fmt.Errorf("MODEL_CHECKPOINT is required")
	}
	if c.Replicas < 1 {
		return fmt.Errorf("MODEL_REPLICAS must be at least 1, got %d", c.Replicas)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}
	if c.InferenceTimeout < 0 {
		return fmt.Errorf("INFERENCE_TIMEOUT must not be negative")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("RETENTION_DAYS must not be negative")
	}
	return nil
}
