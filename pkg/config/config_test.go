package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iani/tryon/pkg/detector"
	"github.com/iani/tryon/pkg/landmark"
	"github.com/iani/tryon/pkg/pose"
	"github.com/iani/tryon/pkg/settings"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	// Camera defaults
	if cfg.Camera.Width != 640 || cfg.Camera.Height != 480 {
		t.Errorf("expected 640x480, got %dx%d", cfg.Camera.Width, cfg.Camera.Height)
	}
	if cfg.Camera.FPS != 30 {
		t.Errorf("expected camera FPS 30, got %d", cfg.Camera.FPS)
	}

	// Detector defaults match the tracking session's fixed options
	if cfg.DetectorOptions() != detector.DefaultOptions() {
		t.Errorf("detector options = %+v, want %+v", cfg.DetectorOptions(), detector.DefaultOptions())
	}
	if cfg.Detector.Backend != DetectorRemote {
		t.Errorf("expected remote detector, got %s", cfg.Detector.Backend)
	}

	// Pose defaults
	if cfg.Pose.ReferenceEyeDistance != pose.DefaultReferenceEyeDistance {
		t.Errorf("unexpected reference eye distance %f", cfg.Pose.ReferenceEyeDistance)
	}
	if cfg.Pose.SmoothingAlpha != 0 {
		t.Error("smoothing must be off by default")
	}
	for _, typ := range settings.Types {
		if cfg.Pose.BaseScale[typ] != 1 {
			t.Errorf("base scale for %s = %f", typ, cfg.Pose.BaseScale[typ])
		}
	}

	// Storage and channel defaults
	if cfg.Storage.Backend != StorageFile || !cfg.Storage.EncryptionEnabled {
		t.Errorf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Channel.Backend != ChannelMemory {
		t.Errorf("expected memory channel, got %s", cfg.Channel.Backend)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Logging.Level)
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.yaml")

	configContent := `
camera:
  device: "1"
  width: 1280
  height: 720
  fps: 60

detector:
  backend: dlib
  model_path: /custom/models
  load_timeout: 45s

pose:
  reference_eye_distance: 0.1
  smoothing_alpha: 0.4
  base_scale:
    hat: 1.2

storage:
  backend: postgres
  dsn: postgres://tryon@localhost/tryon?sslmode=disable

channel:
  backend: redis
  redis_addr: redis:6379

server:
  addr: 127.0.0.1:8080
  request_timeout: 3s

logging:
  level: debug
  format: nested
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Camera.Device != "1" || cfg.Camera.Width != 1280 || cfg.Camera.Height != 720 {
		t.Errorf("unexpected camera: %+v", cfg.Camera)
	}
	if cfg.Detector.Backend != DetectorDlib || cfg.Detector.LoadTimeout != 45*time.Second {
		t.Errorf("unexpected detector: %+v", cfg.Detector)
	}
	// Unset keys keep their defaults.
	if cfg.Detector.MaxNumFaces != 1 || !cfg.Detector.RefineLandmarks {
		t.Errorf("detector defaults lost: %+v", cfg.Detector)
	}
	if cfg.Pose.BaseScale[settings.Hat] != 1.2 || cfg.Pose.BaseScale[settings.Glasses] != 1 {
		t.Errorf("unexpected base scale: %v", cfg.Pose.BaseScale)
	}
	if cfg.Storage.Backend != StoragePostgres || cfg.Channel.RedisAddr != "redis:6379" {
		t.Errorf("unexpected storage/channel: %+v %+v", cfg.Storage, cfg.Channel)
	}
	if cfg.Server.RequestTimeout != 3*time.Second {
		t.Errorf("unexpected request timeout %v", cfg.Server.RequestTimeout)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "nested" {
		t.Errorf("unexpected logging: %+v", cfg.Logging)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}

	comp := cfg.Composer()
	if comp.ReferenceEyeDistance != 0.1 || comp.BaseScale[settings.Hat] != 1.2 {
		t.Errorf("composer not configured: %+v", comp)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")

	if cfg == nil {
		t.Error("expected default config on error")
	}
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	cfg, err := Load(configPath)
	if cfg == nil {
		t.Error("expected default config on error")
	}
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadDefault(t *testing.T) {
	cfg, _ := LoadDefault()
	if cfg == nil {
		t.Fatal("LoadDefault returned nil")
	}
	if cfg.Camera.Width <= 0 {
		t.Errorf("expected a usable camera width, got %d", cfg.Camera.Width)
	}
}

func TestApplyEnv(t *testing.T) {
	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")
	content := "TRYON_REDIS_ADDR=from-file:6379\nTRYON_HTTP_ADDR=:9000\nTRYON_REDIS_DB=2\n"
	if err := os.WriteFile(envFile, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	// The process environment wins over the file.
	t.Setenv(EnvHTTPAddr, ":7000")
	t.Setenv(EnvDatabaseDSN, "postgres://env")
	t.Setenv(EnvLogLevel, "DEBUG")
	// godotenv sets variables from the file; make sure they are cleaned up.
	t.Setenv(EnvRedisAddr, "")
	t.Setenv(EnvRedisDB, "")
	os.Unsetenv(EnvRedisAddr)
	os.Unsetenv(EnvRedisDB)

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(envFile); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Channel.RedisAddr != "from-file:6379" {
		t.Errorf("redis addr = %s", cfg.Channel.RedisAddr)
	}
	if cfg.Channel.RedisDB != 2 {
		t.Errorf("redis db = %d", cfg.Channel.RedisDB)
	}
	if cfg.Server.Addr != ":7000" {
		t.Errorf("http addr = %s, want the process value", cfg.Server.Addr)
	}
	if cfg.Storage.DSN != "postgres://env" {
		t.Errorf("dsn = %s", cfg.Storage.DSN)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s", cfg.Logging.Level)
	}
}

func TestApplyEnv_MissingFileIsFine(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("missing env file: %v", err)
	}
}

func TestApplyEnv_BadRedisDB(t *testing.T) {
	t.Setenv(EnvRedisDB, "two")
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(filepath.Join(t.TempDir(), "absent.env")); err == nil {
		t.Error("expected error for non-numeric redis db")
	}
}

func TestExpandPath(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"tilde expansion", "~/test/path"},
		{"no expansion needed", "/absolute/path"},
		{"relative path", "relative/path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ExpandPath(tt.input)
			if strings.HasPrefix(tt.input, "~") {
				if result[0] == '~' {
					t.Error("tilde was not expanded")
				}
				if !strings.HasSuffix(result, "/test/path") {
					t.Errorf("unexpected expansion: %s", result)
				}
				return
			}
			if result != tt.input {
				t.Errorf("unexpected expansion: got %s", result)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		wantError bool
		errorMsg  string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:      "invalid camera width",
			modify:    func(c *Config) { c.Camera.Width = 0 },
			wantError: true,
			errorMsg:  "invalid camera resolution",
		},
		{
			name:      "invalid camera FPS",
			modify:    func(c *Config) { c.Camera.FPS = 0 },
			wantError: true,
			errorMsg:  "invalid camera FPS",
		},
		{
			name:      "unknown detector backend",
			modify:    func(c *Config) { c.Detector.Backend = "onnx" },
			wantError: true,
			errorMsg:  "invalid detector backend",
		},
		{
			name:      "remote detector without url",
			modify:    func(c *Config) { c.Detector.URL = "" },
			wantError: true,
			errorMsg:  "detector url is required",
		},
		{
			name: "dlib detector without url",
			modify: func(c *Config) {
				c.Detector.Backend = DetectorDlib
				c.Detector.URL = ""
			},
		},
		{
			name:      "detection confidence too high",
			modify:    func(c *Config) { c.Detector.MinDetectionConfidence = 1.5 },
			wantError: true,
			errorMsg:  "min_detection_confidence must be between 0 and 1",
		},
		{
			name:      "tracking confidence negative",
			modify:    func(c *Config) { c.Detector.MinTrackingConfidence = -0.1 },
			wantError: true,
			errorMsg:  "min_tracking_confidence must be between 0 and 1",
		},
		{
			name:      "no faces",
			modify:    func(c *Config) { c.Detector.MaxNumFaces = 0 },
			wantError: true,
			errorMsg:  "max_num_faces must be positive",
		},
		{
			name:      "reference eye distance zero",
			modify:    func(c *Config) { c.Pose.ReferenceEyeDistance = 0 },
			wantError: true,
			errorMsg:  "reference_eye_distance must be positive",
		},
		{
			name:      "unknown landmark table",
			modify:    func(c *Config) { c.Tracking.LandmarkTable = "dlib-68" },
			wantError: true,
			errorMsg:  "invalid landmark_table",
		},
		{
			name:      "unknown base scale type",
			modify:    func(c *Config) { c.Pose.BaseScale["scarf"] = 1 },
			wantError: true,
			errorMsg:  "unknown try-on type",
		},
		{
			name:      "negative base scale",
			modify:    func(c *Config) { c.Pose.BaseScale[settings.Hat] = -1 },
			wantError: true,
			errorMsg:  "base_scale for hat must be positive",
		},
		{
			name:      "smoothing alpha too high",
			modify:    func(c *Config) { c.Pose.SmoothingAlpha = 1.5 },
			wantError: true,
			errorMsg:  "smoothing_alpha must be between 0 and 1",
		},
		{
			name:      "postgres without dsn",
			modify:    func(c *Config) { c.Storage.Backend = StoragePostgres },
			wantError: true,
			errorMsg:  "dsn is required",
		},
		{
			name:      "unknown storage backend",
			modify:    func(c *Config) { c.Storage.Backend = "s3" },
			wantError: true,
			errorMsg:  "invalid storage backend",
		},
		{
			name: "redis without address",
			modify: func(c *Config) {
				c.Channel.Backend = ChannelRedis
				c.Channel.RedisAddr = ""
			},
			wantError: true,
			errorMsg:  "redis_addr is required",
		},
		{
			name:      "unknown channel backend",
			modify:    func(c *Config) { c.Channel.Backend = "kafka" },
			wantError: true,
			errorMsg:  "invalid channel backend",
		},
		{
			name:      "request timeout zero",
			modify:    func(c *Config) { c.Server.RequestTimeout = 0 },
			wantError: true,
			errorMsg:  "request_timeout must be positive",
		},
		{
			name:      "invalid log level",
			modify:    func(c *Config) { c.Logging.Level = "invalid" },
			wantError: true,
			errorMsg:  "invalid log level",
		},
		{
			name:      "invalid log format",
			modify:    func(c *Config) { c.Logging.Format = "json" },
			wantError: true,
			errorMsg:  "invalid log format",
		},
		{
			name:   "valid log level warn",
			modify: func(c *Config) { c.Logging.Level = "warn" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantError {
				if err == nil {
					t.Error("expected error but got nil")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("error message doesn't contain '%s': %v", tt.errorMsg, err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestConfig_LandmarkTable(t *testing.T) {
	cfg := DefaultConfig()
	table, err := cfg.LandmarkTable()
	if err != nil {
		t.Fatalf("LandmarkTable() error = %v", err)
	}
	if table.Version != landmark.MediaPipeFaceMesh468 || table.Chin != landmark.DefaultTable.Chin {
		t.Errorf("default table = %+v", table)
	}

	cfg.Tracking.LandmarkTable = ""
	if _, err := cfg.LandmarkTable(); err == nil {
		t.Error("empty landmark_table should not resolve")
	}
}

func TestConfig_ExpandPaths(t *testing.T) {
	cfg := DefaultConfig()

	cfg.Storage.DataDir = "~/tryon/data"
	cfg.Logging.File = "~/tryon/log.txt"
	cfg.Camera.ReplayDir = "~/frames"

	cfg.ExpandPaths()

	if cfg.Storage.DataDir[0] == '~' {
		t.Error("Storage.DataDir tilde was not expanded")
	}
	if cfg.Logging.File[0] == '~' {
		t.Error("Logging.File tilde was not expanded")
	}
	if cfg.Camera.ReplayDir[0] == '~' {
		t.Error("Camera.ReplayDir tilde was not expanded")
	}
}

func TestConfig_EnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Storage.DataDir = filepath.Join(tmpDir, "data")
	cfg.Detector.Backend = DetectorDlib
	cfg.Detector.ModelPath = filepath.Join(tmpDir, "models")
	cfg.Logging.File = filepath.Join(tmpDir, "logs", "tryon.log")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, dir := range []string{
		cfg.Storage.DataDir,
		filepath.Join(cfg.Storage.DataDir, "products"),
		cfg.Detector.ModelPath,
		filepath.Dir(cfg.Logging.File),
	} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			t.Errorf("%s was not created", dir)
		}
	}
}

func TestConfig_EnsureDirectories_Postgres(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Storage.Backend = StoragePostgres
	cfg.Storage.DataDir = filepath.Join(tmpDir, "data")
	cfg.Logging.File = ""

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cfg.Storage.DataDir); !os.IsNotExist(err) {
		t.Error("data dir created for the postgres backend")
	}
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		DefaultConfig()
	}
}

func BenchmarkConfig_Validate(b *testing.B) {
	cfg := DefaultConfig()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		cfg.Validate()
	}
}
