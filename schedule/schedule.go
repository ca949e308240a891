// Package schedule fetches the event rotation feed and the static game-data
// catalogs from the metaforge REST API.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"arcraiders-notifier/pkg/rotation"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultBaseURL is the production metaforge API root.
const DefaultBaseURL = "https://metaforge.app/api/arc-raiders"

const maxBodyBytes = 4 << 20 // Safety limit: upstream responses are small

// Client fetches schedule and catalog data.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

// New creates a new feed client.
func New(httpClient *http.Client, baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logger,
	}
}

// Schedule fetches the current event rotation. The feed is untrusted: a
// missing or malformed data array is an error, and individual records with no
// name, no map, or nonsensical times are dropped with a warning. Callers
// treat any error as "skip this tick".
func (c *Client) Schedule(ctx context.Context) ([]rotation.Event, error) {
	var body struct {
		Data []rotation.Event `json:"data"`
	}
	raw, err := c.get(ctx, c.baseURL+"/events-schedule")
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	if body.Data == nil {
		return nil, errors.New("schedule feed missing data array")
	}

	events := make([]rotation.Event, 0, len(body.Data))
	for _, e := range body.Data {
		e.Name = strings.TrimSpace(e.Name)
		e.Map = strings.TrimSpace(e.Map)
		if e.Name == "" || e.Map == "" || e.StartTime <= 0 || e.EndTime <= e.StartTime {
			c.logger.Warn("Dropping malformed schedule record",
				"name", e.Name,
				"map", e.Map,
				"start_time", e.StartTime,
				"end_time", e.EndTime)
			continue
		}
		events = append(events, e)
	}

	c.logger.Info("Schedule fetched",
		"events", len(events),
		"dropped", len(body.Data)-len(events))
	return events, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	var raw []byte

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("Accept", "application/json")

			startTime := time.Now()
			resp, err := c.httpClient.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				c.logger.Warn("HTTP request failed, will retry",
					"url", url,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Debug("HTTP request completed",
				"url", url,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			raw, err = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying fetch after error", "attempt", n, "url", url, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}

	return raw, nil
}
