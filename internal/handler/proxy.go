package handler

import (
	"encoding/base64"
	"log/slog"

	"github.com/labstack/echo/v4"

	"tfnsw-proxy-go/internal/gateway"
	"tfnsw-proxy-go/internal/model"
	"tfnsw-proxy-go/internal/service"
)

// ProxyHandler relays GET requests to the Open Data API.
type ProxyHandler struct {
	relay     gateway.Forwarder
	responder *gateway.Responder
	logger    *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(relay *service.Relay, responder *gateway.Responder, logger *slog.Logger) *ProxyHandler {
	return newProxyHandler(relay, responder, logger)
}

func newProxyHandler(relay gateway.Forwarder, responder *gateway.Responder, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		relay:     relay,
		responder: responder,
		logger:    logger.With("component", "proxy_handler"),
	}
}

// Handle relays the request and writes the encoded outcome. The inbound raw
// query is forwarded verbatim.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	in := &model.InboundRequest{
		Path:        req.URL.EscapedPath(),
		RawQuery:    req.URL.RawQuery,
		HasRawQuery: true,
	}

	resp, err := h.relay.Forward(req.Context(), in)
	out := h.responder.Respond(req.Context(), req.URL.Path, resp, err)

	return h.write(c, out)
}

func (h *ProxyHandler) write(c echo.Context, out model.OutboundResponse) error {
	body := []byte(out.Body)
	if out.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(out.Body)
		if err != nil {
			return err
		}
		body = decoded
	}

	for key, val := range out.Headers {
		c.Response().Header().Set(key, val)
	}
	c.Response().WriteHeader(out.StatusCode)

	if _, err := c.Response().Write(body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
	return nil
}
