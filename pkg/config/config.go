// Package config provides configuration management for tryon.
// It loads configuration from YAML files with sensible defaults, then
// applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/iani/tryon/pkg/detector"
	"github.com/iani/tryon/pkg/landmark"
	"github.com/iani/tryon/pkg/pose"
	"github.com/iani/tryon/pkg/settings"
)

// Config holds all tryon configuration.
type Config struct {
	Camera   CameraConfig   `yaml:"camera"`
	Detector DetectorConfig `yaml:"detector"`
	Tracking TrackingConfig `yaml:"tracking"`
	Pose     PoseConfig     `yaml:"pose"`
	Storage  StorageConfig  `yaml:"storage"`
	Channel  ChannelConfig  `yaml:"channel"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// CameraConfig holds camera settings. ReplayDir, when set, replaces the
// device with a directory of JPEG frames.
type CameraConfig struct {
	Device    string `yaml:"device"`
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
	FPS       int    `yaml:"fps"`
	ReplayDir string `yaml:"replay_dir"`
}

// DetectorConfig selects and tunes the face-mesh detector.
type DetectorConfig struct {
	Backend                string        `yaml:"backend"`
	URL                    string        `yaml:"url"`
	AssetBaseURL           string        `yaml:"asset_base_url"`
	ModelPath              string        `yaml:"model_path"`
	MaxNumFaces            int           `yaml:"max_num_faces"`
	RefineLandmarks        bool          `yaml:"refine_landmarks"`
	MinDetectionConfidence float64       `yaml:"min_detection_confidence"`
	MinTrackingConfidence  float64       `yaml:"min_tracking_confidence"`
	LoadTimeout            time.Duration `yaml:"load_timeout"`
}

// TrackingConfig holds tracking session settings. LandmarkTable names the
// landmark ordering of the configured detector model.
type TrackingConfig struct {
	StrictFrames  bool                  `yaml:"strict_frames"`
	LandmarkTable landmark.TableVersion `yaml:"landmark_table"`
}

// PoseConfig holds accessory placement settings. SmoothingAlpha 0
// disables smoothing.
type PoseConfig struct {
	ReferenceEyeDistance float64                        `yaml:"reference_eye_distance"`
	BaseScale            map[settings.TryOnType]float64 `yaml:"base_scale"`
	SmoothingAlpha       float64                        `yaml:"smoothing_alpha"`
}

// StorageConfig holds settings storage options.
type StorageConfig struct {
	Backend           string `yaml:"backend"`
	DataDir           string `yaml:"data_dir"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
	DSN               string `yaml:"dsn"`
}

// ChannelConfig selects the calibration message transport.
type ChannelConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// ServerConfig holds admin HTTP settings.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// Backends.
const (
	DetectorRemote = "remote"
	DetectorDlib   = "dlib"

	StorageFile     = "file"
	StoragePostgres = "postgres"

	ChannelMemory = "memory"
	ChannelRedis  = "redis"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	opts := detector.DefaultOptions()

	base := make(map[settings.TryOnType]float64, len(settings.Types))
	for _, t := range settings.Types {
		base[t] = 1
	}

	return &Config{
		Camera: CameraConfig{
			Device: "/dev/video0",
			Width:  640,
			Height: 480,
			FPS:    30,
		},
		Detector: DetectorConfig{
			Backend:                DetectorRemote,
			URL:                    "ws://127.0.0.1:8765/face-mesh",
			AssetBaseURL:           opts.AssetBaseURL,
			ModelPath:              filepath.Join(homeDir, ".local/share/tryon/models"),
			MaxNumFaces:            opts.MaxNumFaces,
			RefineLandmarks:        opts.RefineLandmarks,
			MinDetectionConfidence: opts.MinDetectionConfidence,
			MinTrackingConfidence:  opts.MinTrackingConfidence,
			LoadTimeout:            opts.LoadTimeout,
		},
		Tracking: TrackingConfig{
			LandmarkTable: landmark.MediaPipeFaceMesh468,
		},
		Pose: PoseConfig{
			ReferenceEyeDistance: pose.DefaultReferenceEyeDistance,
			BaseScale:            base,
		},
		Storage: StorageConfig{
			Backend:           StorageFile,
			DataDir:           filepath.Join(homeDir, ".local/share/tryon"),
			EncryptionEnabled: true,
		},
		Channel: ChannelConfig{
			Backend:   ChannelMemory,
			RedisAddr: "127.0.0.1:6379",
		},
		Server: ServerConfig{
			Addr:           ":3000",
			RequestTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			File:   filepath.Join(homeDir, ".local/share/tryon/tryon.log"),
			Format: "text",
		},
	}
}

// Load loads configuration from the specified file.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, err
	}

	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat("/etc/tryon/tryon.yaml"); err == nil {
		return Load("/etc/tryon/tryon.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}

	userConfig := filepath.Join(homeDir, ".config/tryon/tryon.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return Load(userConfig)
	}

	return DefaultConfig(), nil
}

// Environment overrides read by ApplyEnv.
const (
	EnvDatabaseDSN   = "TRYON_DATABASE_DSN"
	EnvRedisAddr     = "TRYON_REDIS_ADDR"
	EnvRedisPassword = "TRYON_REDIS_PASSWORD"
	EnvRedisDB       = "TRYON_REDIS_DB"
	EnvDetectorURL   = "TRYON_DETECTOR_URL"
	EnvHTTPAddr      = "TRYON_HTTP_ADDR"
	EnvLogLevel      = "TRYON_LOG_LEVEL"
)

// ApplyEnv loads envFiles (".env" when none are given) if they exist, then
// overrides configuration from the environment. Variables already set in
// the environment win over the files.
func (c *Config) ApplyEnv(envFiles ...string) error {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Channel.RedisAddr = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Channel.RedisPassword = v
	}
	if v := os.Getenv(EnvRedisDB); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvRedisDB, err)
		}
		c.Channel.RedisDB = db
	}
	if v := os.Getenv(EnvDetectorURL); v != "" {
		c.Detector.URL = v
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	return nil
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	// Camera
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("invalid camera FPS: %d", c.Camera.FPS)
	}

	// Detector
	switch c.Detector.Backend {
	case DetectorRemote:
		if c.Detector.URL == "" {
			return fmt.Errorf("detector url is required for the %s backend", DetectorRemote)
		}
	case DetectorDlib:
	default:
		return fmt.Errorf("invalid detector backend: %s (must be remote or dlib)", c.Detector.Backend)
	}
	if c.Detector.MaxNumFaces <= 0 {
		return fmt.Errorf("max_num_faces must be positive, got %d", c.Detector.MaxNumFaces)
	}
	if c.Detector.MinDetectionConfidence < 0 || c.Detector.MinDetectionConfidence > 1 {
		return fmt.Errorf("min_detection_confidence must be between 0 and 1, got %f", c.Detector.MinDetectionConfidence)
	}
	if c.Detector.MinTrackingConfidence < 0 || c.Detector.MinTrackingConfidence > 1 {
		return fmt.Errorf("min_tracking_confidence must be between 0 and 1, got %f", c.Detector.MinTrackingConfidence)
	}
	if c.Detector.LoadTimeout < 0 {
		return fmt.Errorf("load_timeout must not be negative, got %v", c.Detector.LoadTimeout)
	}

	// Tracking
	if _, err := c.LandmarkTable(); err != nil {
		return err
	}

	// Pose
	if c.Pose.ReferenceEyeDistance <= 0 {
		return fmt.Errorf("reference_eye_distance must be positive, got %f", c.Pose.ReferenceEyeDistance)
	}
	for t, s := range c.Pose.BaseScale {
		if !t.Valid() {
			return fmt.Errorf("base_scale: unknown try-on type %q", t)
		}
		if s <= 0 {
			return fmt.Errorf("base_scale for %s must be positive, got %f", t, s)
		}
	}
	if c.Pose.SmoothingAlpha < 0 || c.Pose.SmoothingAlpha > 1 {
		return fmt.Errorf("smoothing_alpha must be between 0 and 1, got %f", c.Pose.SmoothingAlpha)
	}

	// Storage
	switch c.Storage.Backend {
	case StorageFile:
		if c.Storage.DataDir == "" {
			return errors.New("data_dir is required for the file backend")
		}
	case StoragePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("dsn is required for the postgres backend (or set %s)", EnvDatabaseDSN)
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be file or postgres)", c.Storage.Backend)
	}

	// Channel
	switch c.Channel.Backend {
	case ChannelMemory:
	case ChannelRedis:
		if c.Channel.RedisAddr == "" {
			return errors.New("redis_addr is required for the redis channel")
		}
	default:
		return fmt.Errorf("invalid channel backend: %s (must be memory or redis)", c.Channel.Backend)
	}

	// Server
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", c.Server.RequestTimeout)
	}

	// Logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "nested" {
		return fmt.Errorf("invalid log format: %s (must be text or nested)", c.Logging.Format)
	}

	return nil
}

// DetectorOptions returns the options the tracking session loads the
// detector with.
func (c *Config) DetectorOptions() detector.Options {
	return detector.Options{
		MaxNumFaces:            c.Detector.MaxNumFaces,
		RefineLandmarks:        c.Detector.RefineLandmarks,
		MinDetectionConfidence: c.Detector.MinDetectionConfidence,
		MinTrackingConfidence:  c.Detector.MinTrackingConfidence,
		AssetBaseURL:           c.Detector.AssetBaseURL,
		LoadTimeout:            c.Detector.LoadTimeout,
	}
}

// LandmarkTable returns the index table for tracking.landmark_table.
func (c *Config) LandmarkTable() (landmark.IndexTable, error) {
	t, err := landmark.TableFor(c.Tracking.LandmarkTable)
	if err != nil {
		return landmark.IndexTable{}, fmt.Errorf("invalid landmark_table: %w", err)
	}
	return t, nil
}

// Composer returns a pose composer configured from the pose section.
func (c *Config) Composer() *pose.Composer {
	comp := pose.NewComposer()
	comp.ReferenceEyeDistance = c.Pose.ReferenceEyeDistance
	for t, s := range c.Pose.BaseScale {
		comp.BaseScale[t] = s
	}
	return comp
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Camera.Device = ExpandPath(c.Camera.Device)
	c.Camera.ReplayDir = ExpandPath(c.Camera.ReplayDir)
	c.Detector.ModelPath = ExpandPath(c.Detector.ModelPath)
	c.Storage.DataDir = ExpandPath(c.Storage.DataDir)
	c.Logging.File = ExpandPath(c.Logging.File)
}

// EnsureDirectories creates necessary directories for storage, models and
// logging.
func (c *Config) EnsureDirectories() error {
	if c.Storage.Backend == StorageFile {
		if err := os.MkdirAll(c.Storage.DataDir, 0700); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
		productsDir := filepath.Join(c.Storage.DataDir, "products")
		if err := os.MkdirAll(productsDir, 0700); err != nil {
			return fmt.Errorf("failed to create products directory: %w", err)
		}
	}

	if c.Detector.Backend == DetectorDlib {
		if err := os.MkdirAll(c.Detector.ModelPath, 0755); err != nil {
			return fmt.Errorf("failed to create models directory: %w", err)
		}
	}

	if c.Logging.File != "" {
		logDir := filepath.Dir(c.Logging.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return nil
}
