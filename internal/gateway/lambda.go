package gateway

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/pkg/errors"

	"tfnsw-proxy-go/internal/config"
	"tfnsw-proxy-go/internal/model"
)

// Forwarder relays one normalized request upstream.
type Forwarder interface {
	Forward(ctx context.Context, req *model.InboundRequest) (*model.UpstreamResponse, error)
}

// FromV1 decodes an API Gateway REST (payload v1) event. Query parameters
// arrive decoded and are re-encoded by the relay.
func FromV1(req events.APIGatewayProxyRequest) model.InboundRequest {
	return model.InboundRequest{
		Path:  req.Path,
		Query: req.QueryStringParameters,
	}
}

// FromV2 decodes an API Gateway HTTP API (payload v2) event. The raw query
// string is already encoded and is passed through verbatim.
func FromV2(req events.APIGatewayV2HTTPRequest) model.InboundRequest {
	return model.InboundRequest{
		Path:        req.RawPath,
		RawQuery:    req.RawQueryString,
		HasRawQuery: true,
	}
}

// ToV1 encodes an outbound response as an API Gateway REST proxy response.
func ToV1(out model.OutboundResponse) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode:      out.StatusCode,
		Headers:         out.Headers,
		Body:            out.Body,
		IsBase64Encoded: out.IsBase64Encoded,
	}
}

// ToV2 encodes an outbound response as an API Gateway HTTP API response.
func ToV2(out model.OutboundResponse) events.APIGatewayV2HTTPResponse {
	return events.APIGatewayV2HTTPResponse{
		StatusCode:      out.StatusCode,
		Headers:         out.Headers,
		Body:            out.Body,
		IsBase64Encoded: out.IsBase64Encoded,
	}
}

// Handler serves API Gateway events. Relay failures are always encoded as
// responses; the returned error is reserved for the Lambda runtime and is nil.
type Handler struct {
	relay     Forwarder
	responder *Responder
}

// NewHandler creates a Handler.
func NewHandler(relay Forwarder, responder *Responder) *Handler {
	return &Handler{relay: relay, responder: responder}
}

// HandleV1 serves a REST API (payload v1) event.
func (h *Handler) HandleV1(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	in := FromV1(req)
	return ToV1(h.serve(ctx, &in)), nil
}

// HandleV2 serves an HTTP API (payload v2) event.
func (h *Handler) HandleV2(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	in := FromV2(req)
	return ToV2(h.serve(ctx, &in)), nil
}

// For returns the handler function matching the given event format, suitable
// for lambda.Start.
func (h *Handler) For(format string) (any, error) {
	switch format {
	case config.EventFormatV1:
		return h.HandleV1, nil
	case config.EventFormatV2:
		return h.HandleV2, nil
	}
	return nil, errors.Errorf("unsupported event format '%s'", format)
}

func (h *Handler) serve(ctx context.Context, in *model.InboundRequest) model.OutboundResponse {
	resp, err := h.relay.Forward(ctx, in)
	return h.responder.Respond(ctx, in.Path, resp, err)
}
