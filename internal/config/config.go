package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Endpoint is the websocket URL of the chat server.
	Endpoint string
	// Token authenticates the connection. Obtaining it is the login
	// flow's job; here it is opaque.
	Token string
	// UserID identifies the current user for own-message detection.
	UserID string

	CacheFile string
	PageSize  int

	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

func Load() (*Config, error) {
	delay, err := time.ParseDuration(getEnv("CHAT_RECONNECT_DELAY", "2s"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_RECONNECT_DELAY: %w", err)
	}

	attempts, err := strconv.Atoi(getEnv("CHAT_RECONNECT_ATTEMPTS", "5"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_RECONNECT_ATTEMPTS: %w", err)
	}

	pageSize, err := strconv.Atoi(getEnv("CHAT_PAGE_SIZE", "50"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_PAGE_SIZE: %w", err)
	}

	cfg := &Config{
		Endpoint:          getEnv("CHAT_ENDPOINT", "ws://localhost:8080/chat"),
		Token:             os.Getenv("CHAT_TOKEN"),
		UserID:            os.Getenv("CHAT_USER_ID"),
		CacheFile:         getEnv("CHAT_CACHE", "fieldchat.db"),
		PageSize:          pageSize,
		ReconnectAttempts: attempts,
		ReconnectDelay:    delay,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("CHAT_TOKEN is required")
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("CHAT_PAGE_SIZE must be greater than 0")
	}

	if c.ReconnectAttempts <= 0 {
		return fmt.Errorf("CHAT_RECONNECT_ATTEMPTS must be greater than 0")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("CHAT_RECONNECT_DELAY must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
