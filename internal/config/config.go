package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	StoragePath string
	DatabaseURL string

	// Face detection backend: "pigo", "yunet" or "yunet-socket".
	FaceDetector    string
	PigoCascadePath string
	YuNetModelPath  string
	YuNetSocket     string
	OnnxLibraryPath string

	MaxImageDimension int
	CompilerMaxScale  int
	CompileTimeout    time.Duration

	FrameSamples      int
	CropPadding       float64
	MinFaceConfidence float64
	CropDebugDir      string

	DemoTTL           time.Duration
	DemoSweepInterval time.Duration

	Workers     int
	QueueSize   int
	MaxUploadMB int

	WebhookURL    string
	WebhookSecret string
	JWTSecret     string

	FFmpegPath  string
	FFprobePath string
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Could not read .env file", "error", err)
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		StoragePath: getEnv("AR_STORAGE_PATH", "storage/ar"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		FaceDetector:    getEnv("FACE_DETECTOR", "pigo"),
		PigoCascadePath: getEnv("PIGO_CASCADE_PATH", "models/facefinder"),
		YuNetModelPath:  getEnv("YUNET_MODEL_PATH", "models/face_detection_yunet.onnx"),
		YuNetSocket:     getEnv("YUNET_SOCKET", "/tmp/yunet.sock"),
		OnnxLibraryPath: getEnv("ONNXRUNTIME_LIB", "libonnxruntime.so"),

		CropDebugDir: getEnv("CROP_DEBUG_DIR", ""),

		WebhookURL:    getEnv("BACKEND_WEBHOOK_URL", ""),
		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
		JWTSecret:     getEnv("JWT_SECRET", ""),

		FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: getEnv("FFPROBE_PATH", "ffprobe"),
	}

	var err error
	if cfg.MaxImageDimension, err = getEnvInt("MAX_IMAGE_DIMENSION", 1920); err != nil {
		return nil, err
	}
	if cfg.CompilerMaxScale, err = getEnvInt("COMPILER_MAX_SCALE", 640); err != nil {
		return nil, err
	}
	if cfg.CompileTimeout, err = getEnvDuration("COMPILE_TIMEOUT", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.FrameSamples, err = getEnvInt("FRAME_SAMPLES", 5); err != nil {
		return nil, err
	}
	if cfg.CropPadding, err = getEnvFloat("CROP_PADDING", 0.15); err != nil {
		return nil, err
	}
	if cfg.MinFaceConfidence, err = getEnvFloat("MIN_FACE_CONFIDENCE", 0.5); err != nil {
		return nil, err
	}
	if cfg.DemoTTL, err = getEnvDuration("DEMO_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.DemoSweepInterval, err = getEnvDuration("DEMO_SWEEP_INTERVAL", 6*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Workers, err = getEnvInt("WORKERS", 2); err != nil {
		return nil, err
	}
	if cfg.QueueSize, err = getEnvInt("QUEUE_SIZE", 256); err != nil {
		return nil, err
	}
	if cfg.MaxUploadMB, err = getEnvInt("MAX_UPLOAD_MB", 200); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.FaceDetector {
	case "pigo", "yunet", "yunet-socket":
	default:
		return fmt.Errorf("FACE_DETECTOR must be pigo, yunet or yunet-socket, got %q", c.FaceDetector)
	}
	if c.StoragePath == "" {
		return fmt.Errorf("AR_STORAGE_PATH is required")
	}
	if c.MaxImageDimension <= 0 || c.CompilerMaxScale <= 0 {
		return fmt.Errorf("image dimensions must be positive")
	}
	if c.FrameSamples < 1 {
		return fmt.Errorf("FRAME_SAMPLES must be at least 1")
	}
	if c.CropPadding < 0 || c.CropPadding > 1 {
		return fmt.Errorf("CROP_PADDING must be within [0,1]")
	}
	if c.MinFaceConfidence < 0 || c.MinFaceConfidence > 1 {
		return fmt.Errorf("MIN_FACE_CONFIDENCE must be within [0,1]")
	}
	if c.Workers < 1 || c.QueueSize < 1 {
		return fmt.Errorf("WORKERS and QUEUE_SIZE must be positive")
	}
	if c.MaxUploadMB < 1 {
		return fmt.Errorf("MAX_UPLOAD_MB must be positive")
	}
	if c.DemoTTL <= 0 || c.DemoSweepInterval <= 0 {
		return fmt.Errorf("DEMO_TTL and DEMO_SWEEP_INTERVAL must be positive")
	}
	return nil
}

func getEnv(k, d string) string {
	if val, ok := os.LookupEnv(k); ok {
		return val
	}
	return d
}

func getEnvInt(k string, d int) (int, error) {
	val, ok := os.LookupEnv(k)
	if !ok || val == "" {
		return d, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

func getEnvFloat(k string, d float64) (float64, error) {
	val, ok := os.LookupEnv(k)
	if !ok || val == "" {
		return d, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return f, nil
}

func getEnvDuration(k string, d time.Duration) (time.Duration, error) {
	val, ok := os.LookupEnv(k)
	if !ok || val == "" {
		return d, nil
	}
	dur, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return dur, nil
}
