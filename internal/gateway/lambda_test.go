package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tfnsw-proxy-go/internal/client"
	"tfnsw-proxy-go/internal/config"
	"tfnsw-proxy-go/internal/model"
	"tfnsw-proxy-go/internal/service"
)

// stubForwarder returns a canned relay outcome and records the request.
type stubForwarder struct {
	got  *model.InboundRequest
	resp *model.UpstreamResponse
	err  error
}

func (s *stubForwarder) Forward(_ context.Context, req *model.InboundRequest) (*model.UpstreamResponse, error) {
	s.got = req
	return s.resp, s.err
}

func TestFromV1(t *testing.T) {
	req := events.APIGatewayProxyRequest{
		Path:                  "/v1/tp/trip",
		QueryStringParameters: map[string]string{"mode": "train", "dest": "Sydney Central"},
		Headers:               map[string]string{"Authorization": "ignored"},
		Body:                  "ignored",
	}

	in := FromV1(req)

	assert.Equal(t, "/v1/tp/trip", in.Path)
	assert.Equal(t, map[string]string{"mode": "train", "dest": "Sydney Central"}, in.Query)
	assert.False(t, in.HasRawQuery)
}

func TestFromV2(t *testing.T) {
	req := events.APIGatewayV2HTTPRequest{
		RawPath:               "/v2/gtfs/vehiclepos/sydneytrains",
		RawQueryString:        "debug=true&name=Sydney%20Central",
		QueryStringParameters: map[string]string{"debug": "true", "name": "Sydney Central"},
	}

	in := FromV2(req)

	assert.Equal(t, "/v2/gtfs/vehiclepos/sydneytrains", in.Path)
	assert.Equal(t, "debug=true&name=Sydney%20Central", in.RawQuery)
	assert.True(t, in.HasRawQuery)
	assert.Nil(t, in.Query)
}

func TestToV1AndToV2(t *testing.T) {
	out := model.OutboundResponse{
		StatusCode:      http.StatusTeapot,
		Headers:         map[string]string{"Content-Type": "application/json"},
		Body:            `{"a":1}`,
		IsBase64Encoded: true,
	}

	v1 := ToV1(out)
	assert.Equal(t, events.APIGatewayProxyResponse{
		StatusCode:      http.StatusTeapot,
		Headers:         map[string]string{"Content-Type": "application/json"},
		Body:            `{"a":1}`,
		IsBase64Encoded: true,
	}, v1)

	v2 := ToV2(out)
	assert.Equal(t, events.APIGatewayV2HTTPResponse{
		StatusCode:      http.StatusTeapot,
		Headers:         map[string]string{"Content-Type": "application/json"},
		Body:            `{"a":1}`,
		IsBase64Encoded: true,
	}, v2)
}

func TestHandleV1_CredentialMissing(t *testing.T) {
	f := &stubForwarder{err: service.ErrCredentialMissing}
	h := NewHandler(f, NewResponderWithPolicy(Policy{CORS: true}, discardLogger(), nil))

	resp, err := h.HandleV1(context.Background(), events.APIGatewayProxyRequest{Path: "/v1/tp/trip"})

	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, CredentialMissingBody, resp.Body)
	assert.Equal(t, "*", resp.Headers["Access-Control-Allow-Origin"])
	assert.Equal(t, "/v1/tp/trip", f.got.Path)
}

func TestHandleV2_PassThrough(t *testing.T) {
	f := &stubForwarder{resp: &model.UpstreamResponse{StatusCode: http.StatusServiceUnavailable, Body: []byte("down")}}
	h := NewHandler(f, NewResponderWithPolicy(Policy{DefaultContentType: "application/json"}, discardLogger(), nil))

	resp, err := h.HandleV2(context.Background(), events.APIGatewayV2HTTPRequest{RawPath: "/v2/x", RawQueryString: "a=b"})

	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "down", resp.Body)
	assert.Equal(t, map[string]string{"Content-Type": "application/json"}, resp.Headers)
	assert.Equal(t, "a=b", f.got.RawQuery)
}

func TestHandler_For(t *testing.T) {
	h := NewHandler(&stubForwarder{}, NewResponderWithPolicy(Policy{}, discardLogger(), nil))

	v1, err := h.For(config.EventFormatV1)
	require.NoError(t, err)
	assert.IsType(t, h.HandleV1, v1)

	v2, err := h.For(config.EventFormatV2)
	require.NoError(t, err)
	assert.IsType(t, h.HandleV2, v2)

	_, err = h.For("v3")
	assert.EqualError(t, err, "unsupported event format 'v3'")
}

func TestHandleV1_EndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tp/trip", r.URL.Path)
		assert.Equal(t, "dest=Sydney%20Central&mode=train", r.URL.RawQuery)
		assert.Equal(t, "apikey test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"journeys":[]}`))
	}))
	defer upstream.Close()

	cfg := &config.Config{
		TfNSW:    config.TfNSWConfig{APIKey: "test-key"},
		Upstream: config.UpstreamConfig{BaseURL: upstream.URL, TimeoutSeconds: 10, IdleConnections: 10},
		Response: config.ResponseConfig{CORS: ptr(true)},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	relay, err := service.NewRelayForTest(client.NewTransportClient(cfg, logger, nil), cfg, logger)
	require.NoError(t, err)
	h := NewHandler(relay, NewResponder(cfg, logger, nil))

	resp, err := h.HandleV1(context.Background(), events.APIGatewayProxyRequest{
		Path:                  "/v1/tp/trip",
		QueryStringParameters: map[string]string{"mode": "train", "dest": "Sydney Central"},
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"journeys":[]}`, resp.Body)
	assert.Equal(t, map[string]string{
		"Content-Type":                 "application/json",
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Headers": "Content-Type,Authorization",
	}, resp.Headers)
}

func TestHandleV2_TransportFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	baseURL := upstream.URL
	upstream.Close() // nothing listens on baseURL any more

	cfg := &config.Config{
		TfNSW:    config.TfNSWConfig{APIKey: "test-key"},
		Upstream: config.UpstreamConfig{BaseURL: baseURL, TimeoutSeconds: 2, IdleConnections: 10},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	relay, err := service.NewRelayForTest(client.NewTransportClient(cfg, logger, nil), cfg, logger)
	require.NoError(t, err)
	h := NewHandler(relay, NewResponder(cfg, logger, nil))

	resp, err := h.HandleV2(context.Background(), events.APIGatewayV2HTTPRequest{RawPath: "/v1/tp/trip"})

	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, ProxyFailedBody, resp.Body)
	assert.Equal(t, map[string]string{"Content-Type": "application/json"}, resp.Headers)
}

func TestHandleV1_PathOutsideOriginIsRejected(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	cfg := &config.Config{
		TfNSW:    config.TfNSWConfig{APIKey: "test-key"},
		Upstream: config.UpstreamConfig{BaseURL: upstream.URL, TimeoutSeconds: 2, IdleConnections: 10},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	relay, err := service.NewRelayForTest(client.NewTransportClient(cfg, logger, nil), cfg, logger)
	require.NoError(t, err)
	h := NewHandler(relay, NewResponder(cfg, logger, nil))

	for _, path := range []string{".evil.example/x", "@evil.example/x"} {
		t.Run(path, func(t *testing.T) {
			resp, err := h.HandleV1(context.Background(), events.APIGatewayProxyRequest{Path: path})

			require.NoError(t, err)
			assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
			assert.Equal(t, ProxyFailedBody, resp.Body)
		})
	}
	assert.Zero(t, hits.Load(), "upstream must not be called")
}
