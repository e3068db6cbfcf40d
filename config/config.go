// Package config loads the service configuration from YAML with
// environment overrides.
package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Tutortoise/detection-stream-service/decoding"
	"github.com/Tutortoise/detection-stream-service/models"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Inference InferenceConfig `yaml:"inference"`
	Stream    StreamConfig    `yaml:"stream"`
	Warnings  []WarningRule   `yaml:"warnings"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// Read and write deadlines would also cut long-lived websocket streams,
	// so only headers and idle keep-alives are bounded.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
}

type ModelConfig struct {
	Path           string  `yaml:"path"`
	LabelsPath     string  `yaml:"labels_path"`
	RuntimeLibrary string  `yaml:"runtime_library"`
	ConfThreshold  float32 `yaml:"conf_threshold"`
	IoUThreshold   float32 `yaml:"iou_threshold"`
	InputSize      int     `yaml:"input_size"`
	ChannelOrder   string  `yaml:"channel_order"` // rgb or bgr
	Device         string  `yaml:"device"`
}

type InferenceConfig struct {
	Workers         int           `yaml:"workers"`
	QueueDepth      int           `yaml:"queue_depth"`
	Timeout         time.Duration `yaml:"timeout"`
	ThreadsPerModel int           `yaml:"threads_per_model"`
}

type StreamConfig struct {
	MaxConnections int `yaml:"max_connections"` // 0 means unbounded
	// A message over MaxMessageBytes closes the stream with status 1009.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
	// Frames whose header declares more pixels are rejected before decoding.
	MaxFramePixels int `yaml:"max_frame_pixels"`
}

// WarningRule raises a warning when Class is seen more than Threshold times.
type WarningRule struct {
	Type      string          `yaml:"type"`
	Class     string          `yaml:"class"`
	Threshold int             `yaml:"threshold"`
	Message   string          `yaml:"message"`
	Severity  models.Severity `yaml:"severity"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Encoding   string `yaml:"encoding"` // console or json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Debug      bool   `yaml:"debug"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8000",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   5 * time.Second,
			AllowedOrigins:    []string{"http://localhost:5173", "http://localhost:3000"},
			MaxBodyBytes:      16 << 20,
		},
		Model: ModelConfig{
			Path:          "yolov8n.onnx",
			ConfThreshold: 0.25,
			IoUThreshold:  0.45,
			InputSize:     640,
			ChannelOrder:  "rgb",
			Device:        "cpu",
		},
		Inference: InferenceConfig{
			Workers:    min(runtime.NumCPU(), 4),
			QueueDepth: 16,
			Timeout:    5 * time.Second,
		},
		Stream: StreamConfig{
			MaxMessageBytes: 16 << 20,
			MaxFramePixels:  decoding.DefaultMaxPixels,
		},
		Warnings: []WarningRule{{
			Type:      "bottle_detected",
			Class:     "bottle",
			Threshold: 0,
			Message:   "⚠️ Botella detectada - Debe ser retirada",
			Severity:  models.SeverityHigh,
		}},
		Log: LogConfig{
			Level:      "info",
			Encoding:   "console",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse config")
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("ADDR"); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		c.Server.Addr = ":" + v
	}
	if v, ok := lookup("MODEL_PATH"); ok && v != "" {
		c.Model.Path = v
	}
	if v, ok := lookup("LABELS_PATH"); ok && v != "" {
		c.Model.LabelsPath = v
	}
	if v, ok := lookup("ORT_LIBRARY_PATH"); ok && v != "" {
		c.Model.RuntimeLibrary = v
	}
	if v, ok := lookup("CONF_THRESHOLD"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return errors.Wrap(err, "CONF_THRESHOLD")
		}
		c.Model.ConfThreshold = float32(f)
	}
	if v, ok := lookup("MAX_CONNECTIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "MAX_CONNECTIONS")
		}
		c.Stream.MaxConnections = n
	}
	if v, ok := lookup("DEBUG"); ok {
		c.Log.Debug = v == "true"
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return errors.New("server.max_body_bytes must be positive")
	}
	if c.Model.Path == "" {
		return errors.New("model.path is required")
	}
	if c.Model.ConfThreshold < 0 || c.Model.ConfThreshold > 1 {
		return errors.Errorf("model.conf_threshold must be in [0,1], got %v", c.Model.ConfThreshold)
	}
	if c.Model.IoUThreshold <= 0 || c.Model.IoUThreshold > 1 {
		return errors.Errorf("model.iou_threshold must be in (0,1], got %v", c.Model.IoUThreshold)
	}
	if c.Model.InputSize <= 0 || c.Model.InputSize%32 != 0 {
		return errors.Errorf("model.input_size must be a positive multiple of 32, got %d", c.Model.InputSize)
	}
	switch c.Model.ChannelOrder {
	case "rgb", "bgr":
	default:
		return errors.Errorf("model.channel_order must be rgb or bgr, got %q", c.Model.ChannelOrder)
	}
	if c.Model.Device != "cpu" {
		return errors.Errorf("model.device %q is not supported, only cpu", c.Model.Device)
	}
	if c.Inference.Workers <= 0 {
		return errors.New("inference.workers must be positive")
	}
	if c.Inference.QueueDepth < 0 {
		return errors.New("inference.queue_depth must not be negative")
	}
	if c.Stream.MaxConnections < 0 {
		return errors.New("stream.max_connections must not be negative")
	}
	if c.Stream.MaxMessageBytes <= 0 {
		return errors.New("stream.max_message_bytes must be positive")
	}
	if c.Stream.MaxFramePixels <= 0 {
		return errors.New("stream.max_frame_pixels must be positive")
	}
	for i, w := range c.Warnings {
		if w.Type == "" || w.Class == "" {
			return errors.Errorf("warnings[%d]: type and class are required", i)
		}
		switch w.Severity {
		case models.SeverityLow, models.SeverityMedium, models.SeverityHigh:
		default:
			return errors.Errorf("warnings[%d]: unknown severity %q", i, w.Severity)
		}
	}
	return nil
}
