// Package client provides the shared upstream HTTP client for the Open Data API.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"tfnsw-proxy-go/internal/config"
	"tfnsw-proxy-go/internal/metrics"
	"tfnsw-proxy-go/internal/model"
)

// TransportClient performs upstream GET calls. It is built once per process
// and is safe for concurrent use.
type TransportClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewTransportClient creates a TransportClient with connection pooling and a
// bounded request timeout.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewTransportClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *TransportClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &TransportClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "transport_client"),
		metrics: m,
	}
}

// Get issues a GET to uri with the given headers and reads the whole body.
// Any upstream status code is a successful result; only failures to build,
// send or read the exchange are returned as errors.
func (c *TransportClient) Get(ctx context.Context, uri string, header http.Header) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	c.logger.Debug("upstream request", "path", req.URL.Path)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(start, 0)
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	c.observe(start, resp.StatusCode)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	return &model.UpstreamResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// observe records upstream latency and, when a status was received, the response count.
func (c *TransportClient) observe(start time.Time, status int) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.Observe(time.Since(start).Seconds())
	if status != 0 {
		c.metrics.UpstreamResponses.WithLabelValues(strconv.Itoa(status)).Inc()
	}
}
