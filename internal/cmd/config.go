package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server's tunables. Every field has a working
// default so the file is optional in development.
type Config struct {
	Game struct {
		DepositWindowSeconds int `yaml:"deposit_window_seconds"`
		ChoiceTimeoutSeconds int `yaml:"choice_timeout_seconds"`
	} `yaml:"game"`
	Settlement struct {
		StreamName    string `yaml:"stream_name"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"settlement"`
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

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// DepositWindow returns the configured deposit window, or zero to let
// the escrow coordinator apply its default.
func (c *Config) DepositWindow() time.Duration {
	return time.Duration(c.Game.DepositWindowSeconds) * time.Second
}

// ChoiceTimeout returns the configured choice timeout, or zero to let
// the round engine apply its default.
func (c *Config) ChoiceTimeout() time.Duration {
	return time.Duration(c.Game.ChoiceTimeoutSeconds) * time.Second
}
