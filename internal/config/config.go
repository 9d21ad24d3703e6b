package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration. Values come from defaults, then an
// optional YAML file, then SEQ_* environment variables.
type Config struct {
	// Audio
	SampleRate   int     `yaml:"sample_rate"`
	DefaultBPM   float64 `yaml:"default_bpm"`
	TargetRMSDB  float64 `yaml:"target_rms_db"`
	CrossfadeMS  int     `yaml:"crossfade_ms"`
	DuckingDepth float64 `yaml:"ducking_depth"`
	OutputFormat string  `yaml:"output_format"` // wav, opus
	BitDepth     int     `yaml:"bit_depth"`

	// Rendering
	CacheDir string `yaml:"cache_dir"`
	NoCache  bool   `yaml:"no_cache"`
	Workers  int    `yaml:"workers"` // 0 = NumCPU

	// External collaborators
	FFmpegPath        string        `yaml:"ffmpeg_path"`
	StemServiceTool   string        `yaml:"stem_service_tool"`
	ScriptsDir        string        `yaml:"scripts_dir"`
	VoiceServiceURL   string        `yaml:"voice_service_url"`
	TextureServiceURL string        `yaml:"texture_service_url"`
	ServiceTimeout    time.Duration `yaml:"service_timeout"`

	// Server
	Port int `yaml:"port"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text, json
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SampleRate:      44100,
		DefaultBPM:      124,
		TargetRMSDB:     -16,
		CrossfadeMS:     500,
		DuckingDepth:    0.7,
		OutputFormat:    "wav",
		BitDepth:        16,
		CacheDir:        "~/.cache/audio-sequencer/render",
		Workers:         0,
		FFmpegPath:      "ffmpeg",
		StemServiceTool: "demucs",
		ServiceTimeout:  45 * time.Second,
		Port:            8080,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load reads configuration. An empty path skips the YAML file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	dir, err := homedir.Expand(cfg.CacheDir)
	if err != nil {
		return cfg, fmt.Errorf("expand cache dir: %w", err)
	}
	cfg.CacheDir = dir

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.SampleRate = envInt("SEQ_SAMPLE_RATE", c.SampleRate)
	c.DefaultBPM = envFloat("SEQ_DEFAULT_BPM", c.DefaultBPM)
	c.TargetRMSDB = envFloat("SEQ_TARGET_RMS_DB", c.TargetRMSDB)
	c.CrossfadeMS = envInt("SEQ_CROSSFADE_MS", c.CrossfadeMS)
	c.DuckingDepth = envFloat("SEQ_DUCKING_DEPTH", c.DuckingDepth)
	c.OutputFormat = envStr("SEQ_OUTPUT_FORMAT", c.OutputFormat)
	c.BitDepth = envInt("SEQ_BIT_DEPTH", c.BitDepth)
	c.CacheDir = envStr("SEQ_CACHE_DIR", c.CacheDir)
	c.Workers = envInt("SEQ_WORKERS", c.Workers)
	c.FFmpegPath = envStr("SEQ_FFMPEG_PATH", c.FFmpegPath)
	c.StemServiceTool = envStr("SEQ_STEM_TOOL", c.StemServiceTool)
	c.ScriptsDir = envStr("SEQ_SCRIPTS_DIR", c.ScriptsDir)
	c.VoiceServiceURL = envStr("SEQ_VOICE_URL", c.VoiceServiceURL)
	c.TextureServiceURL = envStr("SEQ_TEXTURE_URL", c.TextureServiceURL)
	c.ServiceTimeout = time.Duration(envInt("SEQ_SERVICE_TIMEOUT", int(c.ServiceTimeout/time.Second))) * time.Second
	c.Port = envInt("SEQ_PORT", c.Port)
	c.LogLevel = envStr("SEQ_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envStr("SEQ_LOG_FORMAT", c.LogFormat)
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be 8000-192000, got %d", c.SampleRate)
	}
	if c.DefaultBPM <= 0 {
		return fmt.Errorf("default_bpm must be positive, got %v", c.DefaultBPM)
	}
	switch c.OutputFormat {
	case "wav", "opus":
	default:
		return fmt.Errorf("output_format must be wav or opus, got %q", c.OutputFormat)
	}
	if c.BitDepth != 16 && c.BitDepth != 24 {
		return fmt.Errorf("bit_depth must be 16 or 24, got %d", c.BitDepth)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	return nil
}

// WorkerCount resolves the 0 = NumCPU convention.
func (c Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// SetupLogging applies the log level and format to the standard logrus logger.
func (c Config) SetupLogging(verbose bool) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	if verbose {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)

	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
