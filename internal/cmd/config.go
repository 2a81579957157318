package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Redis struct {
		Addr        string `yaml:"addr"`
		Password    string `yaml:"password"`
		DB          int    `yaml:"db"`
		TokenPrefix string `yaml:"token_prefix"`
		OpTimeoutMS int    `yaml:"op_timeout_ms"`
	} `yaml:"redis"`
	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`
	Timer struct {
		Durations map[string]int `yaml:"durations"`
	} `yaml:"timer"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":3000"
	cfg.Redis.Addr = "127.0.0.1:6379"
	// The issuing API writes token keys under its own cache prefix.
	cfg.Redis.TokenPrefix = "flowsync-database-"
	cfg.Redis.OpTimeoutMS = 2000
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// loadConfig reads the YAML config when present and applies environment
// overrides on top. A missing file just means defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.TokenPrefix = getEnv("TOKEN_PREFIX", cfg.Redis.TokenPrefix)
	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)

	return cfg, nil
}
