package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"detectd/internal/capture"
	"detectd/internal/config"
	"detectd/internal/daemon"
	"detectd/internal/httpapi"
	"detectd/internal/infer"
	"detectd/internal/modelstore"
	"detectd/internal/pipeline"
	"detectd/internal/predcache"
	"detectd/internal/registry"
	"detectd/internal/resource"
)

func main() {
	// Local .env is a convenience for development; absence is fine.
	_ = godotenv.Load()

	defaultAddr := config.DefaultAddr
	if v := os.Getenv("DETECTD_ADDR"); v != "" {
		defaultAddr = v
	}
	addr := flag.String("addr", defaultAddr, "HTTP listen address, e.g. :8085")
	configPath := flag.String("config", os.Getenv("DETECTD_CONFIG"), "Config file (.json, .yaml or .toml); flags override")
	modelsDir := flag.String("models-dir", "", "Directory to scan for *.onnx model artifacts")
	defaultModel := flag.String("default-model", "", "Model id the pipeline runs")
	cacheBudgetMB := flag.Int("cache-budget-mb", -1, "Model cache budget in MB (0=unlimited)")
	camera := flag.String("camera", os.Getenv("DETECTD_CAMERA"), "Capture device index, file, or RTSP URL; synthetic frames when empty")
	logFile := flag.String("log-file", os.Getenv("DETECTD_LOG_FILE"), "Optional rotated log file; stderr when empty")
	logLevel := flag.String("log-level", envOr("DETECTD_LOG_LEVEL", "info"), "zerolog level: trace, debug, info, warn, error")
	flag.Parse()

	log := newLogger(*logFile, *logLevel)

	cfg := &config.Config{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("load config")
		}
		cfg = &loaded
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *modelsDir != "" {
		cfg.ModelsDir = *modelsDir
	}
	if *defaultModel != "" {
		cfg.DefaultModel = *defaultModel
	}
	if *cacheBudgetMB >= 0 {
		cfg.CacheBudgetMB = *cacheBudgetMB
	}
	if err := cfg.Normalize(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	artifacts, err := registry.LoadDir(cfg.ModelsDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.ModelsDir).Msg("load model registry")
	}
	if cfg.DefaultModel == "" && len(artifacts) > 0 {
		cfg.DefaultModel = artifacts[0].Manifest.ID
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	monitor := resource.New(resource.NewSystemSampler(), resource.Options{Hysteresis: cfg.Hysteresis()}, log)
	monitor.Start(baseCtx)

	store := modelstore.New(cfg.ModelsDir, artifacts, cfg.CacheBudgetMB, log)

	executor := infer.New(monitor, infer.Config{
		MaxBatch:         cfg.MaxBatchSize,
		Deadline:         cfg.Deadline(),
		QueueDepth:       cfg.QueueDepth,
		DropWhenBusy:     cfg.DropWhenBusy,
		CriticalPressure: cfg.CriticalPressure,
		ForceBaseline:    cfg.Acceleration == config.AccelForceOff,
	}, nil, log)

	cache := predcache.New(cfg.PredictionCacheSize, cfg.CacheTTL())

	var source capture.FrameSource
	if *camera != "" {
		source, err = capture.NewCameraSource(*camera)
		if err != nil {
			log.Fatal().Err(err).Str("camera", *camera).Msg("open capture source")
		}
	} else {
		log.Info().Msg("no camera configured, generating synthetic frames")
		source = capture.NewSyntheticSource(640, 640)
	}

	controller := capture.New(source, monitor, capture.Config{
		TargetFPS:        cfg.TargetFPS,
		DropRateLimit:    cfg.DropRateLimit,
		CriticalGrace:    cfg.CriticalGrace(),
		CriticalPressure: cfg.CriticalPressure,
	}, log)

	pipe := pipeline.New(store, executor, cache, controller, monitor, pipeline.Config{
		ModelID:             cfg.DefaultModel,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		Deadline:            cfg.Deadline(),
		TargetFPS:           cfg.TargetFPS,
	}, log)

	svc := daemon.New(cfg, store, monitor, pipe, log)
	svc.Run(baseCtx)

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(baseCtx)
	mux := httpapi.NewMux(svc)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Str("model", cfg.DefaultModel).Msg("detectd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	pipe.Stop()
	cancelBase()
	monitor.Close()
	if err := executor.Close(); err != nil {
		log.Warn().Err(err).Msg("close executor")
	}
	if err := source.Close(); err != nil {
		log.Warn().Err(err).Msg("close capture source")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown")
	}
}

func newLogger(path, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if path != "" {
		w = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
