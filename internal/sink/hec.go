package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const hecEventPath = "/services/collector/event"

// HECConfig configures an HTTP Event Collector sink.
type HECConfig struct {
	URL     string        // collector base URL, e.g. "https://splunk:8088"
	Token   string        // HEC token
	Channel string        // request channel (default: random uuid)
	Timeout time.Duration // per request timeout (default: 10s)
}

// HEC posts each payload to an HTTP Event Collector endpoint.
type HEC struct {
	endpoint string
	token    string
	channel  string
	client   *http.Client
}

// NewHEC creates an HEC sink.
func NewHEC(cfg HECConfig) (*HEC, error) {
	if cfg.URL == "" {
		return nil, errors.New("hec: url is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("hec: token is required")
	}
	if cfg.Channel == "" {
		cfg.Channel = uuid.NewString()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &HEC{
		endpoint: strings.TrimSuffix(cfg.URL, "/") + hecEventPath,
		token:    cfg.Token,
		channel:  cfg.Channel,
		client:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Channel returns the request channel id sent with every request.
func (h *HEC) Channel() string { return h.channel }

// Send implements Sink.
func (h *HEC) Send(ctx context.Context, payload string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("hec: create request: %w", err)
	}
	req.Header.Set("Authorization", "Splunk "+h.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Splunk-Request-Channel", h.channel)

	resp, err := h.client.Do(req)
	if err != nil {
		return &DeliveryError{Sink: "hec", Payload: payload, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &DeliveryError{
			Sink:       "hec",
			StatusCode: resp.StatusCode,
			Payload:    payload,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close implements Sink.
func (h *HEC) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
