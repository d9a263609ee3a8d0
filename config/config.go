// Package config reads relay settings from flags, the environment, .env
// and config.yaml through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"node.town/babelfish/soniox"
	"node.town/babelfish/upstream"
)

const (
	KeySonioxAPIKey      = "soniox_api_key"
	KeySonioxURL         = "soniox_url"
	KeySonioxModel       = "soniox_model"
	KeyRedisURL          = "redis_url"
	KeyDatabaseURL       = "database_url"
	KeyHTTPPort          = "http_port"
	KeyConnectTimeout    = "connect_timeout"
	KeyMaxBufferedFrames = "max_buffered_frames"
	KeyLogLevel          = "log_level"
)

var ErrMissingAPIKey = errors.New("missing SONIOX_API_KEY or --soniox-api-key=")

type Config struct {
	SonioxAPIKey      string
	SonioxURL         string
	SonioxModel       string
	RedisURL          string
	DatabaseURL       string
	HTTPPort          int
	ConnectTimeout    time.Duration
	MaxBufferedFrames int
	LogLevel          string
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeySonioxURL, soniox.DefaultURL)
	v.SetDefault(KeySonioxModel, soniox.DefaultModel)
	v.SetDefault(KeyRedisURL, "redis://localhost:6379/1")
	v.SetDefault(KeyHTTPPort, 8080)
	v.SetDefault(KeyConnectTimeout, upstream.DefaultConnectTimeout)
	v.SetDefault(KeyMaxBufferedFrames, 0)
	v.SetDefault(KeyLogLevel, "info")
}

// LoadEnv loads .env files into the process environment. Missing files
// are ignored; with no paths ".env" is tried.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Init prepares v to read config.yaml from dir plus the environment.
func Init(v *viper.Viper, dir string) error {
	SetDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func FromViper(v *viper.Viper) *Config {
	return &Config{
		SonioxAPIKey:      v.GetString(KeySonioxAPIKey),
		SonioxURL:         v.GetString(KeySonioxURL),
		SonioxModel:       v.GetString(KeySonioxModel),
		RedisURL:          v.GetString(KeyRedisURL),
		DatabaseURL:       v.GetString(KeyDatabaseURL),
		HTTPPort:          v.GetInt(KeyHTTPPort),
		ConnectTimeout:    v.GetDuration(KeyConnectTimeout),
		MaxBufferedFrames: v.GetInt(KeyMaxBufferedFrames),
		LogLevel:          v.GetString(KeyLogLevel),
	}
}

func (c *Config) Validate() error {
	if c.SonioxAPIKey == "" {
		return ErrMissingAPIKey
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid %s: %d", KeyHTTPPort, c.HTTPPort)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("invalid %s: %s", KeyConnectTimeout, c.ConnectTimeout)
	}
	if c.MaxBufferedFrames < 0 {
		return fmt.Errorf("invalid %s: %d", KeyMaxBufferedFrames, c.MaxBufferedFrames)
	}
	return nil
}

func (c *Config) Pool() upstream.Config {
	return upstream.Config{
		APIKey:            c.SonioxAPIKey,
		Model:             c.SonioxModel,
		ConnectTimeout:    c.ConnectTimeout,
		MaxBufferedFrames: c.MaxBufferedFrames,
	}
}
