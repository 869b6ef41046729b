package config

import (
	"log"

	"github.com/spf13/viper"
)

type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`
	DriverID   string `mapstructure:"DRIVER_ID"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"`
	JWTSecret   string `mapstructure:"JWT_SECRET"`

	OrderServiceURL string `mapstructure:"ORDER_SERVICE_URL"`
	TelemetryURL    string `mapstructure:"TELEMETRY_URL"`

	DeliveryCutoffHour int `mapstructure:"DELIVERY_CUTOFF_HOUR"`
	ReplayIntervalSecs int `mapstructure:"REPLAY_INTERVAL_SECS"`
}

func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("DELIVERY_CUTOFF_HOUR", 18)
	viper.SetDefault("REPLAY_INTERVAL_SECS", 30)

	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		// A missing .env file is fine; environment variables still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No .env file found.")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
