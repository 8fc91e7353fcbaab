// Package config loads visionbot settings from defaults, an optional config
// file, VISIONBOT_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/bdougie/visionbot/internal/knowledge"
	"github.com/bdougie/visionbot/internal/models"
)

const EnvPrefix = "visionbot"

type Config struct {
	Log       LogConfig         `mapstructure:"log"`
	Model     ModelConfig       `mapstructure:"model"`
	Video     VideoConfig       `mapstructure:"video"`
	AudioDir  string            `mapstructure:"audio_dir"`
	Audio     map[string]string `mapstructure:"audio"`
	Knowledge []models.QAPair   `mapstructure:"knowledge"`
	Database  DatabaseConfig    `mapstructure:"database"`
	Server    ServerConfig      `mapstructure:"server"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ModelConfig struct {
	// Backend is the vision wire protocol: openai or ollama
	Backend       string  `mapstructure:"backend"`
	BaseURL       string  `mapstructure:"base_url"`
	APIKey        string  `mapstructure:"api_key"`
	Embedding     string  `mapstructure:"embedding"`
	Vision        string  `mapstructure:"vision"`
	MaxSide       int     `mapstructure:"max_side"`
	MinConfidence float64 `mapstructure:"min_confidence"`
}

type VideoConfig struct {
	FFmpeg  string `mapstructure:"ffmpeg"`
	FFprobe string `mapstructure:"ffprobe"`
	Codec   string `mapstructure:"codec"`
	Tag     string `mapstructure:"tag"`
	// WorkDir holds temporary uploads and outputs; empty means os.TempDir
	WorkDir string `mapstructure:"work_dir"`
}

type DatabaseConfig struct {
	// DSN enables Postgres persistence when set
	DSN string `mapstructure:"dsn"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// SetDefaults registers every key so that environment overrides apply
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("model.backend", "openai")
	v.SetDefault("model.base_url", "http://localhost:11434/v1")
	v.SetDefault("model.api_key", "ollama")
	v.SetDefault("model.embedding", "nomic-embed-text")
	v.SetDefault("model.vision", "llama3.2-vision:11b")
	v.SetDefault("model.max_side", 640)
	v.SetDefault("model.min_confidence", 0.0)

	v.SetDefault("video.ffmpeg", "ffmpeg")
	v.SetDefault("video.ffprobe", "ffprobe")
	v.SetDefault("video.codec", "mpeg4")
	v.SetDefault("video.tag", "xvid")
	v.SetDefault("video.work_dir", "")

	v.SetDefault("audio_dir", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("server.addr", ":8080")
}

// New returns a viper instance with defaults and environment binding
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file and decodes the settings
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if len(cfg.Knowledge) == 0 {
		cfg.Knowledge = knowledge.DefaultPairs()
	}
	if len(cfg.Audio) == 0 {
		cfg.Audio = map[string]string{"latte": "latte.wav"}
	}
	return &cfg, nil
}

// Validate reports every problem found
func (c *Config) Validate() error {
	var errs []error
	if c.Video.FFmpeg == "" {
		errs = append(errs, errors.New("video.ffmpeg is required"))
	}
	if c.Video.FFprobe == "" {
		errs = append(errs, errors.New("video.ffprobe is required"))
	}
	if c.Model.Embedding == "" {
		errs = append(errs, errors.New("model.embedding is required"))
	}
	if c.Model.Vision == "" {
		errs = append(errs, errors.New("model.vision is required"))
	}
	if c.Model.Backend != "openai" && c.Model.Backend != "ollama" {
		errs = append(errs, fmt.Errorf("model.backend must be openai or ollama, got %q", c.Model.Backend))
	}
	if c.Model.MinConfidence < 0 || c.Model.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("model.min_confidence must be within [0,1], got %v", c.Model.MinConfidence))
	}
	for i, p := range c.Knowledge {
		if strings.TrimSpace(p.Question) == "" || strings.TrimSpace(p.Answer) == "" {
			errs = append(errs, fmt.Errorf("knowledge[%d]: question and answer are required", i))
		}
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses the configured log level
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log.level %q", l.Level)
	}
	return level, nil
}
