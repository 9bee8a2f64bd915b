package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	LogLevel string `mapstructure:"log_level"`

	// Client side.
	StoreURL        string        `mapstructure:"store_url"`
	MediaURL        string        `mapstructure:"media_url"`
	RoomToken       string        `mapstructure:"room_token"`
	SessionID       string        `mapstructure:"session_id"`
	UserID          string        `mapstructure:"user_id"`
	Role            string        `mapstructure:"role"`
	QualityInterval time.Duration `mapstructure:"quality_interval"`

	// Dev store server.
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	v := viper.New()

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	name := fmt.Sprintf("config.%s", env)

	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("store_url", "http://localhost:8090")
	v.SetDefault("media_url", "ws://localhost:8091/rtc")
	v.SetDefault("role", "viewer")
	v.SetDefault("quality_interval", "2s")
	v.SetDefault("port", 8090)

	v.SetEnvPrefix("stagecast")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "config file not found (%s.yaml), using defaults\n", name)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
