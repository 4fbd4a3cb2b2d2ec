// Package gateway is the invoker-facing boundary of the relay. It decodes API
// Gateway events into model.InboundRequest and encodes relay outcomes into
// model.OutboundResponse under a configurable header policy.
package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/lambdacontext"

	"tfnsw-proxy-go/internal/config"
	"tfnsw-proxy-go/internal/metrics"
	"tfnsw-proxy-go/internal/model"
	"tfnsw-proxy-go/internal/service"
)

// Fixed error payloads. They never carry failure detail.
const (
	CredentialMissingBody = `{"error":"TFNSW_API_KEY env var not set"}`
	ProxyFailedBody       = `{"error":"proxy failed"}`
)

const (
	headerContentType  = "Content-Type"
	headerAllowOrigin  = "Access-Control-Allow-Origin"
	headerAllowHeaders = "Access-Control-Allow-Headers"
)

// Policy controls the headers and body encoding applied to every response.
type Policy struct {
	// CORS attaches Access-Control-Allow-Origin/Headers to every response.
	CORS bool
	// DefaultContentType is used when the upstream sends no Content-Type.
	// Empty means the header is left out.
	DefaultContentType string
	// Base64NonUTF8 base64-encodes bodies that are not valid UTF-8.
	// When false, bodies are always treated as UTF-8 text.
	Base64NonUTF8 bool
}

// PolicyFromConfig returns the response policy configured under [response].
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		CORS:               cfg.Response.CORSEnabled(),
		DefaultContentType: cfg.Response.ContentTypeFallback(),
		Base64NonUTF8:      cfg.Response.Base64NonUTF8,
	}
}

// Responder maps relay outcomes to outbound responses.
type Responder struct {
	policy  Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewResponder creates a Responder from config.
// The metrics parameter is optional; pass nil to disable failure counting.
func NewResponder(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Responder {
	return NewResponderWithPolicy(PolicyFromConfig(cfg), logger, m)
}

// NewResponderWithPolicy creates a Responder with an explicit policy.
func NewResponderWithPolicy(p Policy, logger *slog.Logger, m *metrics.Metrics) *Responder {
	return &Responder{
		policy:  p,
		logger:  logger.With("component", "responder"),
		metrics: m,
	}
}

// Respond encodes the result of one relay call. A nil err means resp is
// passed through with its status and body unchanged.
func (r *Responder) Respond(ctx context.Context, path string, resp *model.UpstreamResponse, err error) model.OutboundResponse {
	if err != nil {
		return r.respondError(ctx, path, err)
	}

	headers := r.baseHeaders()
	switch {
	case resp.ContentType != "":
		headers[headerContentType] = resp.ContentType
	case r.policy.DefaultContentType != "":
		headers[headerContentType] = r.policy.DefaultContentType
	}

	out := model.OutboundResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
	}
	if r.policy.Base64NonUTF8 && !utf8.Valid(resp.Body) {
		out.Body = base64.StdEncoding.EncodeToString(resp.Body)
		out.IsBase64Encoded = true
		return out
	}
	out.Body = string(resp.Body)
	return out
}

func (r *Responder) respondError(ctx context.Context, path string, err error) model.OutboundResponse {
	headers := r.baseHeaders()
	headers[headerContentType] = "application/json"

	if errors.Is(err, service.ErrCredentialMissing) {
		r.logger.Warn("relay not configured", "path", path)
		r.countFailure(metrics.FailureCredentialMissing)
		return model.OutboundResponse{
			StatusCode: http.StatusInternalServerError,
			Headers:    headers,
			Body:       CredentialMissingBody,
		}
	}

	attrs := []any{"err", err, "path", path}
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		attrs = append(attrs, "aws_request_id", lc.AwsRequestID)
	}
	r.logger.Error("proxy error", attrs...)
	r.countFailure(metrics.FailureTransport)

	return model.OutboundResponse{
		StatusCode: http.StatusBadGateway,
		Headers:    headers,
		Body:       ProxyFailedBody,
	}
}

// baseHeaders returns a fresh header map carrying the CORS headers if enabled.
func (r *Responder) baseHeaders() map[string]string {
	headers := make(map[string]string, 3)
	if r.policy.CORS {
		headers[headerAllowOrigin] = "*"
		headers[headerAllowHeaders] = "Content-Type,Authorization"
	}
	return headers
}

func (r *Responder) countFailure(kind string) {
	if r.metrics != nil {
		r.metrics.RelayFailures.WithLabelValues(kind).Inc()
	}
}
