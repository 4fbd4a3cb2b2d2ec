// Package service implements the relay: it turns a normalized inbound request
// into one authenticated GET against the Open Data API.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"tfnsw-proxy-go/internal/client"
	"tfnsw-proxy-go/internal/config"
	"tfnsw-proxy-go/internal/model"
)

var (
	// ErrCredentialMissing is returned before any I/O when no API key is configured.
	ErrCredentialMissing = errors.New("TFNSW_API_KEY env var not set")

	// ErrTransport wraps every failure to complete the upstream exchange.
	ErrTransport = errors.New("upstream transport failure")
)

// allowedUpstreamHosts restricts which hosts the relay will forward to.
var allowedUpstreamHosts = map[string]bool{
	"api.transport.nsw.gov.au": true,
}

// Upstream performs a single GET and returns the fully-read response.
type Upstream interface {
	Get(ctx context.Context, uri string, header http.Header) (*model.UpstreamResponse, error)
}

// Relay forwards inbound requests to the fixed upstream origin.
type Relay struct {
	upstream   Upstream
	credential string
	origin     string
	originHost string
	logger     *slog.Logger
}

// NewRelay creates a Relay bound to the configured upstream origin and credential.
func NewRelay(c *client.TransportClient, cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	origin, host, err := parseOrigin(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, err
	}
	if !allowedUpstreamHosts[host] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", host)
	}
	return newRelay(c, cfg, origin, host, logger), nil
}

// NewRelayForTest creates a Relay without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewRelayForTest(u Upstream, cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	origin, host, err := parseOrigin(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, err
	}
	return newRelay(u, cfg, origin, host, logger), nil
}

func newRelay(u Upstream, cfg *config.Config, origin, host string, logger *slog.Logger) *Relay {
	return &Relay{
		upstream:   u,
		credential: strings.TrimSpace(cfg.TfNSW.APIKey),
		origin:     origin,
		originHost: host,
		logger:     logger.With("component", "relay"),
	}
}

func parseOrigin(baseURL string) (origin, host string, err error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", "", fmt.Errorf("parse upstream base_url: %w", err)
	}
	return strings.TrimSuffix(u.Scheme+"://"+u.Host+u.Path, "/"), u.Hostname(), nil
}

// Forward relays req upstream and returns the upstream response as-is.
// Upstream 4xx/5xx are successful relays. The returned error is either
// ErrCredentialMissing or wraps ErrTransport.
func (r *Relay) Forward(ctx context.Context, req *model.InboundRequest) (*model.UpstreamResponse, error) {
	if r.credential == "" {
		return nil, ErrCredentialMissing
	}

	uri := r.BuildURI(req)
	if err := r.checkURI(req.Path, uri); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	r.logger.Debug("forwarding request", "path", req.Path)

	resp, err := r.upstream.Get(ctx, uri, r.upstreamHeader())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return resp, nil
}

// BuildURI returns origin + path + optional query for req.
// An empty path stays empty; an empty query adds no "?".
func (r *Relay) BuildURI(req *model.InboundRequest) string {
	var query string
	if req.HasRawQuery {
		query = req.RawQuery
	} else {
		query = EncodeQuery(req.Query)
	}

	uri := r.origin + req.Path
	if query != "" {
		uri += "?" + query
	}
	return uri
}

// checkURI rejects paths that do not start with "/" and any URI whose host
// differs from the origin's, so the credential only ever reaches the origin.
func (r *Relay) checkURI(path, uri string) error {
	if path != "" && !strings.HasPrefix(path, "/") {
		return fmt.Errorf("path %q must be empty or start with '/'", path)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("parse upstream uri: %w", err)
	}
	if u.User != nil || u.Hostname() != r.originHost {
		return fmt.Errorf("upstream uri host %q does not match origin host %q", u.Hostname(), r.originHost)
	}
	return nil
}

// upstreamHeader builds a fresh header set for each call.
func (r *Relay) upstreamHeader() http.Header {
	return http.Header{
		"Authorization": {"apikey " + r.credential},
		"Accept":        {"application/json"},
	}
}

// EncodeQuery percent-encodes every key and value on its own and joins the
// pairs with "&", sorted by key. Spaces encode as %20.
func EncodeQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(escape(k))
		b.WriteByte('=')
		b.WriteString(escape(params[k]))
	}
	return b.String()
}

// escape is url.QueryEscape with spaces as %20. QueryEscape already turns a
// literal '+' into %2B, so every remaining '+' is a space.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
