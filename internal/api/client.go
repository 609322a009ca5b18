package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
)

const maxConfigSize = 1 << 20

// rtcConfig is the part of the document we insist on.
type rtcConfig struct {
	IceServers []json.RawMessage `json:"iceServers"`
}

// Client fetches RTC config documents from a TURN credential service.
type Client struct {
	http *http.Client
	log  logging.LeveledLogger
}

// NewClient creates an API client.
func NewClient(lf logging.LoggerFactory) *Client {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Client{
		http: &http.Client{Timeout: 10 * time.Second},
		log:  lf.NewLogger("api"),
	}
}

// FetchRTCConfig downloads the RTC config at url and checks it carries an
// iceServers list.
func (c *Client) FetchRTCConfig(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)

	c.log.Debugf("fetching rtc config from %s (request %s)", url, requestID)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxConfigSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	var cfg rtcConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if cfg.IceServers == nil {
		return nil, fmt.Errorf("rtc config from %s has no iceServers", url)
	}

	return body, nil
}
