// Package config provides the configuration structure for the kokoro-worker.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Defaults applied when the loaded configuration leaves a field zero.
const (
	DefaultBaseURL         = "http://127.0.0.1:8880"
	DefaultStartupScript   = "/app/entrypoint.sh"
	DefaultAppDir          = "/app"
	DefaultPythonBin       = "python3"
	DefaultUvicornApp      = "api.src.main:app"
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8880
	DefaultDevice          = "gpu"
	DefaultPythonPath      = "/app:/app/api"
	DefaultWaitTimeoutSec  = 120
	DefaultPollIntervalSec = 1
	DefaultProbeTimeoutSec = 1
	DefaultSynthTimeoutSec = 300
	DefaultModel           = "kokoro"
	DefaultFormat          = "mp3"
	DefaultSampleRate      = 24000
)

// Environment variable overrides, applied after the TOML load.
//
//	KOKORO_BASE_URL    kokoro.base_url     inference server base URL
//	KOKORO_USE_GPU     kokoro.use_gpu      GPU enable flag ("true"/"false")
//	KOKORO_DEVICE      kokoro.device       device type passed to the server
//	KOKORO_PYTHONPATH  kokoro.python_path  module search path for the server
const (
	EnvBaseURL    = "KOKORO_BASE_URL"
	EnvUseGPU     = "KOKORO_USE_GPU"
	EnvDevice     = "KOKORO_DEVICE"
	EnvPythonPath = "KOKORO_PYTHONPATH"
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                    string `toml:"url"`
	SpeechJobsSubject      string `toml:"speech_jobs_subject"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
}

// KokoroConfig holds the configuration for the supervised Kokoro server and
// the proxy that talks to it.
type KokoroConfig struct {
	BaseURL       string `toml:"base_url"`
	StartupScript string `toml:"startup_script"`
	AppDir        string `toml:"app_dir"`
	PythonBin     string `toml:"python_bin"`
	UvicornApp    string `toml:"uvicorn_app"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`

	UseGPU     bool   `toml:"use_gpu"`
	Device     string `toml:"device"`
	PythonPath string `toml:"python_path"`

	WaitTimeoutSeconds      int `toml:"wait_timeout_seconds"`
	PollIntervalSeconds     int `toml:"poll_interval_seconds"`
	ProbeTimeoutSeconds     int `toml:"probe_timeout_seconds"`
	SynthesisTimeoutSeconds int `toml:"synthesis_timeout_seconds"`

	DefaultModel  string `toml:"default_model"`
	DefaultFormat string `toml:"default_format"`
	SampleRate    int    `toml:"sample_rate"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS   NATSConfig   `toml:"nats"`
	Kokoro KokoroConfig `toml:"kokoro"`
	Paths  PathsConfig  `toml:"paths"`
}

// Load loads the configuration for the kokoro-worker, fills defaults, and
// applies environment overrides.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()
	cfg.ApplyEnvOverrides()

	return &cfg, nil
}

// Default returns a configuration built entirely from defaults and
// environment overrides. The local-invoke CLI uses it when no project TOML is
// available inside the container.
func Default() *Config {
	cfg := &Config{
		NATS:   NATSConfig{URL: "", SpeechJobsSubject: "", AudioObjectStoreBucket: ""},
		Kokoro: KokoroConfig{UseGPU: true},
		Paths:  PathsConfig{BaseLogsDir: os.TempDir()},
	}

	cfg.ApplyDefaults()
	cfg.ApplyEnvOverrides()

	return cfg
}

// ApplyDefaults fills zero-valued Kokoro fields with the package defaults.
func (c *Config) ApplyDefaults() {
	k := &c.Kokoro

	if k.BaseURL == "" {
		k.BaseURL = DefaultBaseURL
	}

	if k.StartupScript == "" {
		k.StartupScript = DefaultStartupScript
	}

	if k.AppDir == "" {
		k.AppDir = DefaultAppDir
	}

	if k.PythonBin == "" {
		k.PythonBin = DefaultPythonBin
	}

	if k.UvicornApp == "" {
		k.UvicornApp = DefaultUvicornApp
	}

	if k.Host == "" {
		k.Host = DefaultHost
	}

	if k.Port == 0 {
		k.Port = DefaultPort
	}

	if k.Device == "" {
		k.Device = DefaultDevice
	}

	if k.PythonPath == "" {
		k.PythonPath = DefaultPythonPath
	}

	if k.WaitTimeoutSeconds == 0 {
		k.WaitTimeoutSeconds = DefaultWaitTimeoutSec
	}

	if k.PollIntervalSeconds == 0 {
		k.PollIntervalSeconds = DefaultPollIntervalSec
	}

	if k.ProbeTimeoutSeconds == 0 {
		k.ProbeTimeoutSeconds = DefaultProbeTimeoutSec
	}

	if k.SynthesisTimeoutSeconds == 0 {
		k.SynthesisTimeoutSeconds = DefaultSynthTimeoutSec
	}

	if k.DefaultModel == "" {
		k.DefaultModel = DefaultModel
	}

	if k.DefaultFormat == "" {
		k.DefaultFormat = DefaultFormat
	}

	if k.SampleRate == 0 {
		k.SampleRate = DefaultSampleRate
	}
}

// ApplyEnvOverrides overrides Kokoro knobs from the named environment
// variables when they are set.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.Kokoro.BaseURL = v
	}

	if v := os.Getenv(EnvUseGPU); v != "" {
		useGPU, err := strconv.ParseBool(v)
		if err == nil {
			c.Kokoro.UseGPU = useGPU
		}
	}

	if v := os.Getenv(EnvDevice); v != "" {
		c.Kokoro.Device = v
	}

	if v := os.Getenv(EnvPythonPath); v != "" {
		c.Kokoro.PythonPath = v
	}
}
