// Command echo runs a minimal standalone MCP server exposing the
// "echo" method, wiring config, broker, sessions, the protocol
// engine, and (conditionally) bearer-auth and a hot-reloadable
// response-mode policy — the same composition a real deployment would
// build, grounded on the teacher's examples/readme/main.go shape.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/tsok-org/model-context-protocol/broker/memory"
	"github.com/tsok-org/model-context-protocol/config"
	"github.com/tsok-org/model-context-protocol/examples/echo"
	"github.com/tsok-org/model-context-protocol/middleware/bearerauth"
	"github.com/tsok-org/model-context-protocol/protocol"
	"github.com/tsok-org/model-context-protocol/schema"
	sessmemory "github.com/tsok-org/model-context-protocol/sessions/memory"
	"github.com/tsok-org/model-context-protocol/streaminghttp"
)

func main() {
	ctx := context.Background()
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load()
	if err != nil {
		log.Error("loading config", "error", err)
		os.Exit(1)
	}

	br := memory.New()
	store, err := sessmemory.New(1024)
	if err != nil {
		log.Error("creating session store", "error", err)
		os.Exit(1)
	}

	eng := protocol.New()
	reg := schema.NewRegistry(nil)
	if err := echo.RegisterWithSchema(ctx, eng, reg); err != nil {
		log.Error("registering echo feature", "error", err)
		os.Exit(1)
	}

	opts := append(cfg.StreamingHTTPOptions(),
		streaminghttp.WithLogger(log),
		streaminghttp.WithSessionStore(store),
	)

	if cfg.ResponseModePolicyFile != "" {
		pw, err := config.NewPolicyWatcher(cfg.ResponseModePolicyFile)
		if err != nil {
			log.Error("starting policy watcher", "error", err)
			os.Exit(1)
		}
		defer pw.Close()
		opts = append(opts, streaminghttp.WithResponseModeStrategy(pw.Strategy()))
	}

	if cfg.BearerAuthEnabled {
		mw, err := bearerauth.New(cfg.BearerAuthConfig())
		if err != nil {
			log.Error("configuring bearer auth", "error", err)
			os.Exit(1)
		}
		opts = append(opts, streaminghttp.WithMiddleware(mw.Handle))
	}

	h, err := streaminghttp.New(ctx, br, eng, opts...)
	if err != nil {
		log.Error("building streaminghttp handler", "error", err)
		os.Exit(1)
	}
	defer h.Close(ctx)

	log.Info("listening", "addr", cfg.ListenAddr())
	if err := http.ListenAndServe(cfg.ListenAddr(), h); err != nil {
		log.Error("serving", "error", err)
		os.Exit(1)
	}
}
