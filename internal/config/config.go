package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Models   ModelsConfig   `mapstructure:"models"`
	Image    ImageConfig    `mapstructure:"image"`
	Database DatabaseConfig `mapstructure:"database"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// LLMConfig holds the provider connection settings and per-call bounds.
type LLMConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	ClassifierTimeout time.Duration `mapstructure:"classifier_timeout"`
	TextTimeout       time.Duration `mapstructure:"text_timeout"`
	ImageTimeout      time.Duration `mapstructure:"image_timeout"`
}

// ModelsConfig maps every intent to the downstream model that serves it.
type ModelsConfig struct {
	Chat       string `mapstructure:"chat"`
	Search     string `mapstructure:"search"`
	Mini       string `mapstructure:"mini"`
	Image      string `mapstructure:"image"`
	Classifier string `mapstructure:"classifier"`
}

// ImageConfig holds image storage and generation settings
type ImageConfig struct {
	Dir     string `mapstructure:"dir"`
	Size    string `mapstructure:"size"`
	Quality string `mapstructure:"quality"`
	Style   string `mapstructure:"style"`
}

// DatabaseConfig selects the relational backend.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres
	DSN  string `mapstructure:"dsn"`
}

// Addr is the listen address of the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.mode", "release")

	v.SetDefault("log.level", "info")

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.classifier_timeout", 30*time.Second)
	v.SetDefault("llm.text_timeout", 60*time.Second)
	v.SetDefault("llm.image_timeout", 120*time.Second)

	v.SetDefault("models.chat", "gpt-4o")
	v.SetDefault("models.search", "gpt-4o-search-preview")
	v.SetDefault("models.mini", "gpt-4o-mini")
	v.SetDefault("models.image", "dall-e-3")
	v.SetDefault("models.classifier", "gpt-4o")

	v.SetDefault("image.dir", "./images")
	v.SetDefault("image.size", "1024x1024")
	v.SetDefault("image.quality", "standard")
	v.SetDefault("image.style", "vivid")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "assistant.db")
}

// Load reads the configuration. The file is taken from path, then from the
// CONFIG_PATH environment variable, then config.yaml in the working directory.
// Only the implicit config.yaml may be absent; every key has a default and
// can be overridden with ASSISTANT_<SECTION>_<KEY>.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("assistant")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("llm.api_key", "ASSISTANT_LLM_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, err
	}

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
