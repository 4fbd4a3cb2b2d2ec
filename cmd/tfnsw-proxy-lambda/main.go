package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/pkg/errors"

	"tfnsw-proxy-go/internal/client"
	"tfnsw-proxy-go/internal/config"
	"tfnsw-proxy-go/internal/gateway"
	"tfnsw-proxy-go/internal/logging"
	"tfnsw-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("tfnsw-proxy-lambda"),
		kong.Description("AWS Lambda relay for the Transport for NSW Open Data API."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	handlerFunc, logger, err := build(&cli)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}

	logger.Info("starting lambda handler", "version", version)
	lambda.Start(handlerFunc)
}

// build wires the relay once per cold start; the client and relay are shared
// by every invocation of this runtime.
func build(cli *config.CLI) (any, *slog.Logger, error) {
	cfg, err := config.Load(cli)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed loading config")
	}

	logger := logging.New(cfg)
	if !cfg.HasCredential() {
		logger.Warn("no API key configured; invocations will return 500 until TFNSW_API_KEY is set")
	}

	tc := client.NewTransportClient(cfg, logger, nil)
	relay, err := service.NewRelay(tc, cfg, logger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed building relay")
	}

	h := gateway.NewHandler(relay, gateway.NewResponder(cfg, logger, nil))
	fn, err := h.For(cfg.Lambda.EventFormat)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed selecting handler for %s events", cfg.Lambda.EventFormat)
	}

	logger.Info("relay configured",
		"event_format", cfg.Lambda.EventFormat,
		"upstream", cfg.Upstream.BaseURL,
		"cors", cfg.Response.CORSEnabled(),
		"default_content_type", cfg.Response.ContentTypeFallback(),
	)
	return fn, logger, nil
}
