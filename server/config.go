package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is read from the environment at start-up.
type Config struct {
	MaxWorkers int
	// Listen is "vsock:<port>" or "tcp:<addr>".
	ListenNetwork string
	ListenAddress string
	VsockPort     uint32

	HTTPAddr    string
	DatabaseURL string
	AuthMaxAge  time.Duration
	DevFaucet   bool
}

const defaultListen = "vsock:5000"

func LoadConfig() (Config, error) {
	maxWorkers, err := getRequiredEnvInt("AUCTION_MAX_WORKERS")
	if err != nil {
		return Config{}, fmt.Errorf("failed to get max workers config: %w", err)
	}
	if maxWorkers <= 0 {
		return Config{}, fmt.Errorf("AUCTION_MAX_WORKERS must be positive, got %d", maxWorkers)
	}

	cfg := Config{
		MaxWorkers:  maxWorkers,
		HTTPAddr:    os.Getenv("AUCTION_HTTP_ADDR"),
		DatabaseURL: os.Getenv("AUCTION_DATABASE_URL"),
	}

	listen := getEnvDefault("AUCTION_LISTEN", defaultListen)
	if err := cfg.parseListen(listen); err != nil {
		return Config{}, err
	}

	if cfg.AuthMaxAge, err = getEnvDuration("AUCTION_AUTH_MAX_AGE", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.DevFaucet, err = getEnvBool("AUCTION_DEV_FAUCET", false); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) parseListen(listen string) error {
	network, address, ok := strings.Cut(listen, ":")
	if !ok || address == "" {
		return fmt.Errorf("invalid AUCTION_LISTEN %q: want vsock:<port> or tcp:<addr>", listen)
	}
	switch network {
	case "vsock":
		port, err := strconv.ParseUint(address, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid vsock port %q: %w", address, err)
		}
		c.VsockPort = uint32(port)
	case "tcp":
	default:
		return fmt.Errorf("invalid AUCTION_LISTEN network %q: want vsock or tcp", network)
	}
	c.ListenNetwork = network
	c.ListenAddress = address
	return nil
}

func getRequiredEnvInt(key string) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, fmt.Errorf("required environment variable %s is not set", key)
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %s (must be a valid integer)", key, value)
	}
	return intValue, nil
}

func getEnvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid value for %s: %s (must be a positive duration)", key, value)
	}
	return d, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid value for %s: %s (must be a boolean)", key, value)
	}
	return b, nil
}
