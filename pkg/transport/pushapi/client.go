// Package pushapi implements the transport client for the managed push
// provider's REST API.
package pushapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/teamtrek/realtime/pkg/transport"
)

// batchMax is the provider's documented per-call batch cap.
const batchMax = 10

// Config holds the provider credentials and HTTP behavior.
type Config struct {
	BaseURL string
	AppID   string
	Key     string
	Secret  string

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// MaxRetries and RetryBackoff apply to idempotent reads only;
	// publishes are single-attempt so delivery stays at-most-once.
	MaxRetries   int
	RetryBackoff time.Duration
}

// Client talks to the provider's REST API. Safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        zerolog.Logger
}

var _ transport.Client = (*Client)(nil)

// New creates a provider client.
func New(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.AppID == "" || cfg.Key == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("app id, key and secret are required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}, nil
}

type publishRequest struct {
	Name    string          `json:"name"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type batchRequest struct {
	Batch []publishRequest `json:"batch"`
}

// Publish sends one event. Single attempt; the caller owns retry policy.
func (c *Client) Publish(ctx context.Context, ev transport.Event) error {
	body, err := json.Marshal(publishRequest{Name: ev.Name, Channel: ev.Channel, Data: ev.Payload})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = c.doRequest(ctx, http.MethodPost, c.appPath("/events"), body, nil)
	return err
}

// PublishBatch sends up to BatchMax events in one call.
func (c *Client) PublishBatch(ctx context.Context, evs []transport.Event) error {
	if len(evs) == 0 {
		return nil
	}
	if len(evs) > batchMax {
		return fmt.Errorf("%w: %d events, cap is %d", transport.ErrBatchTooLarge, len(evs), batchMax)
	}

	entries := make([]publishRequest, len(evs))
	for i, ev := range evs {
		entries[i] = publishRequest{Name: ev.Name, Channel: ev.Channel, Data: ev.Payload}
	}
	body, err := json.Marshal(batchRequest{Batch: entries})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	_, err = c.doRequest(ctx, http.MethodPost, c.appPath("/batch_events"), body, nil)
	return err
}

// ChannelInfo fetches the provider's view of a channel. Reads are
// idempotent, so transient failures are retried with backoff.
func (c *Client) ChannelInfo(ctx context.Context, channel string) (transport.ChannelInfo, error) {
	extra := url.Values{}
	extra.Set("info", "subscription_count")

	respBody, err := c.doWithRetry(ctx, http.MethodGet, c.appPath("/channels/"+channel), nil, extra)
	if err != nil {
		return transport.ChannelInfo{}, err
	}

	var out struct {
		Occupied          bool `json:"occupied"`
		SubscriptionCount int  `json:"subscription_count"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return transport.ChannelInfo{}, fmt.Errorf("decode channel info: %w", err)
	}

	return transport.ChannelInfo{
		Channel:         channel,
		SubscriberCount: out.SubscriptionCount,
		Occupied:        out.Occupied,
	}, nil
}

// BatchMax is the provider's per-call batch cap.
func (c *Client) BatchMax() int { return batchMax }

// Close releases idle HTTP connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) appPath(suffix string) string {
	return "/apps/" + c.cfg.AppID + suffix
}
