package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	SignallingURL string
	PeerID        int
	RemotePeerID  int
	Encoder       string

	RTCConfigJSON string
	RTCConfigURL  string

	TurnHost     string
	TurnPort     int
	TurnUsername string
	TurnPassword string
	TurnProtocol string
	TurnTLS      bool

	BasicAuth         bool
	BasicAuthUser     string
	BasicAuthPassword string

	HealthAddr   string
	PollInterval time.Duration
	Debug        bool
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Config{
		SignallingURL:     getenv("SIGNALLING_URL", "ws://127.0.0.1:8080/ws"),
		Encoder:           getenv("WEBRTC_ENCODER", "x264enc"),
		RTCConfigJSON:     getenv("RTC_CONFIG_JSON", "/tmp/rtc.json"),
		RTCConfigURL:      os.Getenv("RTC_CONFIG_URL"),
		TurnHost:          os.Getenv("TURN_HOST"),
		TurnUsername:      os.Getenv("TURN_USERNAME"),
		TurnPassword:      os.Getenv("TURN_PASSWORD"),
		TurnProtocol:      getenv("TURN_PROTOCOL", "udp"),
		BasicAuthUser:     os.Getenv("BASIC_AUTH_USER"),
		BasicAuthPassword: os.Getenv("BASIC_AUTH_PASSWORD"),
		HealthAddr:        getenv("HEALTH_ADDR", ":8081"),
	}

	var err error
	if cfg.PeerID, err = envInt("PEER_ID", 0); err != nil {
		return nil, err
	}
	if cfg.RemotePeerID, err = envInt("REMOTE_PEER_ID", 1); err != nil {
		return nil, err
	}
	if cfg.TurnPort, err = envInt("TURN_PORT", 3478); err != nil {
		return nil, err
	}
	if cfg.TurnTLS, err = envBool("TURN_TLS"); err != nil {
		return nil, err
	}
	if cfg.BasicAuth, err = envBool("ENABLE_BASIC_AUTH"); err != nil {
		return nil, err
	}
	if cfg.Debug, err = envBool("DEBUG"); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = envDuration("POLL_INTERVAL", 100*time.Millisecond); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that flags may have changed after Load.
func (c *Config) Validate() error {
	if c.SignallingURL == "" {
		return errors.New("SIGNALLING_URL must not be empty")
	}
	if c.PeerID == c.RemotePeerID {
		return fmt.Errorf("PEER_ID and REMOTE_PEER_ID must differ (both %d)", c.PeerID)
	}
	if c.BasicAuth && c.BasicAuthUser == "" {
		return errors.New("BASIC_AUTH_USER is required when ENABLE_BASIC_AUTH is set")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	return nil
}

// Fetcher retrieves an RTC config document over the network.
type Fetcher interface {
	FetchRTCConfig(ctx context.Context, url string) ([]byte, error)
}

// RTCConfig picks the RTC config document and names where it came from.
// Legacy TURN credentials win, then RTC_CONFIG_URL, then the RTC_CONFIG_JSON
// file, then the built in STUN only default.
func (c *Config) RTCConfig(ctx context.Context, fetcher Fetcher) ([]byte, string, error) {
	if c.TurnHost != "" && c.TurnUsername != "" && c.TurnPassword != "" {
		data, err := MakeTurnRTCConfig(c.TurnHost, c.TurnPort, c.TurnUsername, c.TurnPassword, c.TurnProtocol, c.TurnTLS)
		return data, "turn credentials", err
	}
	if c.RTCConfigURL != "" && fetcher != nil {
		data, err := fetcher.FetchRTCConfig(ctx, c.RTCConfigURL)
		if err != nil {
			return nil, c.RTCConfigURL, fmt.Errorf("fetch rtc config: %w", err)
		}
		return data, c.RTCConfigURL, nil
	}
	if c.RTCConfigJSON != "" {
		data, err := os.ReadFile(c.RTCConfigJSON)
		switch {
		case err == nil:
			return data, c.RTCConfigJSON, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, c.RTCConfigJSON, fmt.Errorf("read rtc config: %w", err)
		}
	}
	return []byte(DefaultRTCConfig), "default", nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envBool(key string) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
