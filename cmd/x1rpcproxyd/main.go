// Command x1rpcproxyd runs the X1 JSON-RPC reverse proxy: it discovers
// upstream RPC nodes, ranks them by latency, and forwards inbound JSON-RPC
// calls to a healthy fast node under bounded admission. Wiring follows
// Bitcoin Sprint's cmd/sprintd/main.go startup sequence (config → logger →
// components → background loop → HTTP server → signal-driven shutdown).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/x1cluster/x1-rpc-proxy/internal/api"
	"github.com/x1cluster/x1-rpc-proxy/internal/config"
	"github.com/x1cluster/x1-rpc-proxy/internal/discovery"
	"github.com/x1cluster/x1-rpc-proxy/internal/discoveryloop"
	"github.com/x1cluster/x1-rpc-proxy/internal/forward"
	"github.com/x1cluster/x1-rpc-proxy/internal/logging"
	"github.com/x1cluster/x1-rpc-proxy/internal/nodecache"
	"github.com/x1cluster/x1-rpc-proxy/internal/queue"
	"github.com/x1cluster/x1-rpc-proxy/internal/validator"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "x1rpcproxyd: config error: %v\n", err)
		return 2
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "x1rpcproxyd: logger error: %v\n", err)
		return 2
	}
	defer logger.Sync()

	logger.Info("x1rpcproxyd: starting",
		zap.String("cluster_url", cfg.ClusterURL),
		zap.Int("listen_port", cfg.ListenPort),
	)

	cache := nodecache.New()
	admission := queue.New(cfg.MaxConcurrentRPCRequests)

	discoveryHTTP := &http.Client{Timeout: cfg.NodeHealthTimeout}
	source := discovery.NewChain(cfg.ClusterURL, discoveryHTTP, logger)
	nodeValidator := validator.New(discoveryHTTP)

	loop := discoveryloop.New(source, nodeValidator, cache, logger, cfg.HealthCheckInterval, cfg.NodeHealthTimeout, cfg.MaxConcurrentTests)

	forwardHTTP := &http.Client{Timeout: cfg.RPCRequestTimeout}
	fwd := forward.New(cache, admission, forwardHTTP, logger, cfg.RPCRequestTimeout, cfg.MaxQueueWait)
	fwd.SetEvictionNotifier(loop)

	server := api.New(cache, admission, fwd, logger, cfg.CORSOrigins, cfg.EnableCORS, cfg.AdminPort)
	loop.SetActiveCountNotifier(server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// original_source's main.rs warms the node cache with a synchronous
	// first tick before accepting traffic; we do the same rather than
	// starting the HTTP server against an empty cache.
	warmupCtx, warmupCancel := context.WithTimeout(ctx, cfg.HealthCheckInterval+cfg.NodeHealthTimeout)
	loop.RunOnce(warmupCtx)
	warmupCancel()

	go loop.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	serverErrCh := make(chan error, 2)
	go func() {
		serverErrCh <- server.Run(ctx, cfg.ListenPort)
	}()
	if cfg.AdminPort != 0 {
		logger.Info("x1rpcproxyd: admin listener enabled", zap.Int("admin_port", cfg.AdminPort))
		go func() {
			serverErrCh <- server.RunAdmin(ctx, cfg.AdminPort)
		}()
	}

	exitCode := 0
	serverDone := false
	select {
	case <-sigCh:
		logger.Info("x1rpcproxyd: signal received, shutting down")
	case err := <-serverErrCh:
		serverDone = true
		if err != nil {
			logger.Error("x1rpcproxyd: server error", zap.Error(err))
			exitCode = 1
		}
	}

	cancel()
	admission.Close()

	if !serverDone {
		select {
		case err := <-serverErrCh:
			if err != nil {
				logger.Warn("x1rpcproxyd: server shutdown returned error", zap.Error(err))
			}
		case <-time.After(10 * time.Second):
			logger.Warn("x1rpcproxyd: server did not shut down within grace period")
		}
	}

	logger.Info("x1rpcproxyd: shutdown complete")
	return exitCode
}
