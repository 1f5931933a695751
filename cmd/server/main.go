package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/yegors/whisper-gateway/internal/api"
	"github.com/yegors/whisper-gateway/internal/audio"
	"github.com/yegors/whisper-gateway/internal/config"
	"github.com/yegors/whisper-gateway/internal/device"
	"github.com/yegors/whisper-gateway/internal/metrics"
	"github.com/yegors/whisper-gateway/internal/transcription"
	"github.com/yegors/whisper-gateway/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the configuration")
	flag.Parse()

	// A missing .env file is normal outside development
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid environment: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting whisper gateway",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	// Probe devices up front so the first request does not pay for it
	prober := device.NewProber(device.ProbeOptions{
		DisableCUDA: cfg.Device.DisableCUDA,
		DisableMPS:  cfg.Device.DisableMPS,
	})
	avail := prober.Availability()
	log.Info("Device info",
		logger.Bool("cuda_available", avail.CUDA),
		logger.Strings("cuda_devices", avail.CUDADevices),
		logger.Bool("mps_available", avail.MPS),
		logger.Int("cpu_count", avail.CPUCount),
		logger.String("cpu_brand", avail.CPUBrand),
	)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m, err = metrics.Setup()
		if err != nil {
			log.Error("Failed to set up metrics", logger.Error(err))
			os.Exit(1)
		}
	} else {
		log.Info("Metrics disabled in configuration")
	}

	// Create transcription components
	engine, err := transcription.NewWorkerEngine(transcription.WorkerConfig{
		PythonPath:   cfg.Transcription.PythonPath,
		ScriptPath:   cfg.Transcription.WorkerScript,
		DownloadRoot: cfg.Transcription.ModelCacheDir,
	}, log)
	if err != nil {
		log.Error("Failed to prepare transcription engine", logger.Error(err))
		os.Exit(1)
	}

	cache := transcription.NewModelCache(engine, time.Duration(cfg.Transcription.LoadTimeoutSec)*time.Second, m, log)
	service := transcription.NewService(cache, prober, transcription.ServiceConfig{
		Models:        cfg.Transcription.Models,
		DefaultModel:  cfg.Transcription.DefaultModel,
		DefaultDevice: device.ID(cfg.Device.Default),
	}, m, log)

	fetcher := audio.NewFetcher(audio.FetcherConfig{
		Timeout:   time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		MaxBytes:  int64(cfg.Fetch.MaxDownloadMB) << 20,
		TempDir:   cfg.Upload.TempDir,
		UserAgent: cfg.Fetch.UserAgent,
	}, log)

	// Create API router
	handler := api.NewHandler(service, fetcher, api.Limits{
		TempDir:        cfg.Upload.TempDir,
		MaxUploadBytes: int64(cfg.Upload.MaxUploadMB) << 20,
	}, log)
	router := api.NewRouter(handler, m, api.RouterConfig{
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
	}, log)
	routes := router.Routes()

	// --- Setup for multiple HTTP servers ---
	var servers []*http.Server
	allPorts := append([]int{cfg.Server.Port}, cfg.Server.AdditionalPorts...)

	log.Info("Configured listener ports", logger.Any("ports", allPorts))

	// Start a server for each configured port
	for _, port := range allPorts {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, port)
		server := &http.Server{
			Addr:         addr,
			Handler:      routes,
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
			IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
		}
		servers = append(servers, server)

		go func(s *http.Server) {
			log.Info("Starting HTTP server", logger.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("HTTP server error on startup", logger.String("addr", s.Addr), logger.Error(err))
			}
		}(server)
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")

	// Shutdown all HTTP servers so in-flight transcriptions can finish
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("HTTP server shutdown error", logger.String("addr", srv.Addr), logger.Error(err))
			} else {
				log.Info("HTTP server shutdown complete", logger.String("addr", srv.Addr))
			}
		}(s)
	}
	wg.Wait()

	log.Info("Unloading models", logger.Strings("loaded", cache.Loaded()))
	if err := cache.Close(); err != nil {
		log.Error("Error unloading models", logger.Error(err))
	}
	if err := engine.Cleanup(); err != nil {
		log.Warn("Failed to remove worker script", logger.Error(err))
	}

	if err := m.Shutdown(context.Background()); err != nil {
		log.Error("Error shutting down metrics", logger.Error(err))
	}

	log.Info("Server fully stopped")
}
