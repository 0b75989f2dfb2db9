package auth

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	AuthAddr string        `mapstructure:"AUTH"`
	Timeout  time.Duration `mapstructure:"AUTH_TIMEOUT"`
	// RefreshToken is the long-lived credential used to renew tokens during
	// long transfers. Empty disables refresh.
	RefreshToken string `mapstructure:"AUTH_REFRESH_TOKEN"`
}

func NewConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.SetDefault("AUTH_TIMEOUT", "10s")
	v.BindEnv("AUTH", "AUTH_ADDR")
	v.BindEnv("AUTH_REFRESH_TOKEN")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("cannot read config from %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal config: %w", err)
	}
	if cfg.AuthAddr == "" {
		return nil, fmt.Errorf("AUTH address is required")
	}

	return &cfg, nil
}
