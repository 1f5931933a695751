package transcription

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/yegors/whisper-gateway/internal/device"
	"github.com/yegors/whisper-gateway/internal/metrics"
	"github.com/yegors/whisper-gateway/pkg/logger"
)

// Devices reports what the host can run on
type Devices interface {
	Availability() device.Availability
}

// ServiceConfig holds the settings for the transcription service
type ServiceConfig struct {
	Models        []string  // Accepted model identifiers
	DefaultModel  string    // Used when a request names no model
	DefaultDevice device.ID // Used when a request names no device
}

// Service runs a transcription end to end: device selection, model lookup,
// inference and shaping
type Service struct {
	cache   *ModelCache
	devices Devices
	config  ServiceConfig
	metrics *metrics.Metrics
	logger  *logger.Logger
}

// NewService creates a new transcription service
func NewService(cache *ModelCache, devices Devices, cfg ServiceConfig, m *metrics.Metrics, logger *logger.Logger) *Service {
	if cfg.DefaultDevice == "" {
		cfg.DefaultDevice = device.Auto
	}
	return &Service{
		cache:   cache,
		devices: devices,
		config:  cfg,
		metrics: m,
		logger:  logger.Named("transcription"),
	}
}

// Models returns the accepted model identifiers
func (s *Service) Models() []string {
	return slices.Clone(s.config.Models)
}

// DefaultModel returns the model used when a request names none
func (s *Service) DefaultModel() string {
	return s.config.DefaultModel
}

// HasModel reports whether id is an accepted model identifier
func (s *Service) HasModel(id string) bool {
	return slices.Contains(s.config.Models, id)
}

// Loaded returns the cache keys of loaded models
func (s *Service) Loaded() []string {
	return s.cache.Loaded()
}

// Stats samples the processes behind loaded models
func (s *Service) Stats() []ModelStats {
	return s.cache.Stats()
}

// Availability returns the host's device summary
func (s *Service) Availability() device.Availability {
	return s.devices.Availability()
}

// ResolveDevice picks the device for a request. The preference must already
// be a valid device name.
func (s *Service) ResolveDevice(pref device.ID) device.ID {
	if pref == "" || pref == device.Auto {
		pref = s.config.DefaultDevice
	}
	avail := s.devices.Availability()
	chosen := device.Select(pref, avail)
	if pref != device.Auto && chosen != pref {
		s.logger.Warn("Requested device unavailable, falling back",
			logger.String("requested", string(pref)),
			logger.String("selected", string(chosen)))
	}
	return chosen
}

// Transcribe runs req against the staged audio at path. Inference is not
// interrupted when ctx is cancelled; the result is discarded instead.
func (s *Service) Transcribe(ctx context.Context, path string, req Request) (*Result, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = s.config.DefaultModel
	}
	if !s.HasModel(modelID) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}

	pref, err := device.Parse(req.Device)
	if err != nil {
		return nil, err
	}
	dev := string(s.ResolveDevice(pref))

	model, err := s.cache.Get(ctx, modelID, dev)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Starting inference",
		logger.String("model", modelID),
		logger.String("device", dev),
		logger.String("language", req.Language))

	start := time.Now()
	raw, err := model.Transcribe(context.WithoutCancel(ctx), Invocation{
		AudioPath: path,
		Language:  req.Language,
		Verbose:   req.Verbose,
	})
	elapsed := time.Since(start)
	s.metrics.ObserveInference(context.WithoutCancel(ctx), modelID, dev, elapsed, err)
	if err != nil {
		s.logger.Error("Inference failed",
			logger.String("model", modelID),
			logger.String("device", dev),
			logger.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	if ctx.Err() != nil {
		s.logger.Info("Caller went away during inference, discarding result",
			logger.String("model", modelID),
			logger.String("device", dev))
		return nil, ctx.Err()
	}

	res, err := Shape(raw, ShapeOptions{Verbose: req.Verbose, WordTimestamps: req.WordTimestamps})
	if err != nil {
		s.logger.Error("Failed to shape engine output", logger.Error(err))
		return nil, err
	}
	res.ModelUsed = modelID
	res.DeviceUsed = dev
	res.ProcessingSeconds = elapsed.Seconds()

	s.logger.Info("Transcription completed",
		logger.String("model", modelID),
		logger.String("device", dev),
		logger.Int("segments", len(res.Segments)),
		logger.Float("audio_seconds", res.Duration),
		logger.Duration("elapsed", elapsed))
	return res, nil
}
