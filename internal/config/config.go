package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServerURL  string        `mapstructure:"server_url"`
	Username   string        `mapstructure:"username"`
	Channel    uint64        `mapstructure:"channel"`
	DebugPort  int           `mapstructure:"debug_port"`
	SendBuf    int           `mapstructure:"send_buffer"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectTimeout  time.Duration `mapstructure:"reconnect_timeout"`
	MuteOnJoin        bool          `mapstructure:"mute_on_join"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("server_url", "ws://localhost:8080/signal")
	v.SetDefault("username", "guest")
	v.SetDefault("debug_port", 9090)
	v.SetDefault("send_buffer", 32)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("reconnect_attempts", 3)
	v.SetDefault("reconnect_timeout", "30s")
	v.SetDefault("mute_on_join", false)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
