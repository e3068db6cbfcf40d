package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/Tutortoise/detection-stream-service/models"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.Stream.MaxConnections, test.ShouldEqual, 0)
	test.That(t, cfg.Warnings, test.ShouldHaveLength, 1)
	test.That(t, cfg.Warnings[0].Class, test.ShouldEqual, "bottle")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detect.yaml")
	body := `
server:
  addr: ":9000"
model:
  path: /models/yolov8s.onnx
  conf_threshold: 0.4
  channel_order: bgr
inference:
  workers: 2
  timeout: 750ms
stream:
  max_connections: 32
  max_frame_pixels: 1000000
warnings:
  - type: knife_detected
    class: knife
    message: knife in frame
    severity: medium
`
	test.That(t, os.WriteFile(path, []byte(body), 0o644), test.ShouldBeNil)

	cfg, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Server.Addr, test.ShouldEqual, ":9000")
	test.That(t, cfg.Model.Path, test.ShouldEqual, "/models/yolov8s.onnx")
	test.That(t, cfg.Model.ChannelOrder, test.ShouldEqual, "bgr")
	test.That(t, cfg.Model.InputSize, test.ShouldEqual, 640)
	test.That(t, cfg.Inference.Workers, test.ShouldEqual, 2)
	test.That(t, cfg.Inference.Timeout, test.ShouldEqual, 750*time.Millisecond)
	test.That(t, cfg.Stream.MaxConnections, test.ShouldEqual, 32)
	test.That(t, cfg.Stream.MaxFramePixels, test.ShouldEqual, 1000000)
	test.That(t, cfg.Stream.MaxMessageBytes, test.ShouldEqual, int64(16<<20))
	test.That(t, cfg.Warnings, test.ShouldResemble, []WarningRule{{
		Type: "knife_detected", Class: "knife", Message: "knife in frame", Severity: models.SeverityMedium,
	}})
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	test.That(t, err, test.ShouldNotBeNil)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	test.That(t, os.WriteFile(bad, []byte("model:\n  conf_threshold: 3\n"), 0o644), test.ShouldBeNil)
	_, err = Load(bad)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "conf_threshold")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":            "8081",
		"MODEL_PATH":      "/tmp/m.onnx",
		"CONF_THRESHOLD":  "0.5",
		"MAX_CONNECTIONS": "10",
		"DEBUG":           "true",
	}
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Server.Addr, test.ShouldEqual, ":8081")
	test.That(t, cfg.Model.Path, test.ShouldEqual, "/tmp/m.onnx")
	test.That(t, cfg.Model.ConfThreshold, test.ShouldAlmostEqual, 0.5, 1e-6)
	test.That(t, cfg.Stream.MaxConnections, test.ShouldEqual, 10)
	test.That(t, cfg.Log.Debug, test.ShouldBeTrue)

	env = map[string]string{"MAX_CONNECTIONS": "lots"}
	test.That(t, Default().applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}), test.ShouldNotBeNil)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"body limit":    func(c *Config) { c.Server.MaxBodyBytes = 0 },
		"input size":    func(c *Config) { c.Model.InputSize = 100 },
		"channel order": func(c *Config) { c.Model.ChannelOrder = "yuv" },
		"device":        func(c *Config) { c.Model.Device = "cuda" },
		"workers":       func(c *Config) { c.Inference.Workers = 0 },
		"connections":   func(c *Config) { c.Stream.MaxConnections = -1 },
		"message limit": func(c *Config) { c.Stream.MaxMessageBytes = 0 },
		"frame pixels":  func(c *Config) { c.Stream.MaxFramePixels = 0 },
		"severity":      func(c *Config) { c.Warnings[0].Severity = "urgent" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			test.That(t, cfg.Validate(), test.ShouldNotBeNil)
		})
	}
}
