// Package config loads the proxy's single immutable configuration record.
//
// Precedence, low to high: compiled-in defaults, a .env file (loaded via
// godotenv, same as Bitcoin Sprint's config layer), OS environment
// variables, then CLI flags. Once Load returns, the Config is never
// mutated.
package config

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full set of options spec.md §3 names, loaded once at
// startup.
type Config struct {
	ListenPort               int
	AdminPort                int
	ClusterURL               string
	HealthCheckInterval      time.Duration
	NodeHealthTimeout        time.Duration
	RPCRequestTimeout        time.Duration
	MaxConcurrentTests       int
	MaxConcurrentRPCRequests int
	MaxQueueWait             time.Duration

	LogLevel    string
	EnableCORS  bool
	CORSOrigins []string
}

// Default values mirror the original x1-rpc-proxy CLI defaults
// (original_source/src/main.rs), translated from seconds to time.Duration.
const (
	defaultListenPort          = 8080
	defaultAdminPort           = 0 // 0 disables the separate admin listener; served on ListenPort
	defaultClusterURL          = "https://rpc.testnet.x1.xyz"
	defaultHealthCheckInterval = 30 * time.Second
	defaultNodeHealthTimeout   = 10 * time.Second
	defaultRPCRequestTimeout   = 10 * time.Second
	defaultMaxConcurrentTests  = 10
	defaultMaxConcurrentRPC    = 100
	defaultMaxQueueWait        = 5 * time.Second
	defaultLogLevel            = "info"
)

// Load parses .env + environment + CLI flags (in that precedence order)
// into a Config. args excludes the program name, matching flag.Parse
// semantics so callers can pass os.Args[1:] or a synthetic slice in tests.
func Load(args []string) (*Config, error) {
	loadDotEnv()

	cfg := &Config{
		ListenPort:               getEnvInt("LISTEN_PORT", defaultListenPort),
		AdminPort:                getEnvInt("ADMIN_PORT", defaultAdminPort),
		ClusterURL:               getEnv("CLUSTER_URL", defaultClusterURL),
		HealthCheckInterval:      getEnvSeconds("HEALTH_CHECK_INTERVAL_S", defaultHealthCheckInterval),
		NodeHealthTimeout:        getEnvSeconds("NODE_HEALTH_TIMEOUT_S", defaultNodeHealthTimeout),
		RPCRequestTimeout:        getEnvSeconds("RPC_REQUEST_TIMEOUT_S", defaultRPCRequestTimeout),
		MaxConcurrentTests:       getEnvInt("MAX_CONCURRENT_TESTS", defaultMaxConcurrentTests),
		MaxConcurrentRPCRequests: getEnvInt("MAX_CONCURRENT_RPC_REQUESTS", defaultMaxConcurrentRPC),
		MaxQueueWait:             getEnvSeconds("MAX_QUEUE_WAIT_S", defaultMaxQueueWait),
		LogLevel:                 getEnv("LOG_LEVEL", defaultLogLevel),
		EnableCORS:               getEnvBool("ENABLE_CORS", true),
		CORSOrigins:              getEnvSlice("CORS_ORIGINS", []string{"*"}),
	}

	fs := flag.NewFlagSet("x1rpcproxyd", flag.ContinueOnError)
	port := fs.Int("port", cfg.ListenPort, "proxy server listening port")
	adminPort := fs.Int("admin-port", cfg.AdminPort, "separate port for introspection endpoints (0 = share --port)")
	clusterURL := fs.String("cluster-url", cfg.ClusterURL, "seed RPC URL used by the discovery source")
	healthCheckInterval := fs.Int("health-check-interval", int(cfg.HealthCheckInterval/time.Second), "seconds between discovery ticks")
	nodeHealthTimeout := fs.Int("node-health-timeout", int(cfg.NodeHealthTimeout/time.Second), "per-probe HTTP timeout in seconds")
	rpcRequestTimeout := fs.Int("rpc-request-timeout", int(cfg.RPCRequestTimeout/time.Second), "per-forward HTTP timeout in seconds")
	maxConcurrentTests := fs.Int("max-concurrent-tests", cfg.MaxConcurrentTests, "ceiling on simultaneous probes per tick")
	maxConcurrentRPC := fs.Int("max-concurrent-rpc-requests", cfg.MaxConcurrentRPCRequests, "admission-queue capacity")
	maxQueueWait := fs.Int("max-queue-wait-time", int(cfg.MaxQueueWait/time.Second), "max seconds a request may wait for a slot")
	verbose := fs.Bool("verbose", cfg.LogLevel == "debug", "enable verbose (debug) logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.ListenPort = *port
	cfg.AdminPort = *adminPort
	cfg.ClusterURL = *clusterURL
	cfg.HealthCheckInterval = time.Duration(*healthCheckInterval) * time.Second
	cfg.NodeHealthTimeout = time.Duration(*nodeHealthTimeout) * time.Second
	cfg.RPCRequestTimeout = time.Duration(*rpcRequestTimeout) * time.Second
	cfg.MaxConcurrentTests = *maxConcurrentTests
	cfg.MaxConcurrentRPCRequests = *maxConcurrentRPC
	cfg.MaxQueueWait = time.Duration(*maxQueueWait) * time.Second
	if *verbose {
		cfg.LogLevel = "debug"
	}

	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return nil, fmt.Errorf("invalid --port: %d", cfg.ListenPort)
	}
	if cfg.MaxConcurrentTests <= 0 {
		return nil, fmt.Errorf("--max-concurrent-tests must be positive")
	}
	if cfg.MaxConcurrentRPCRequests <= 0 {
		return nil, fmt.Errorf("--max-concurrent-rpc-requests must be positive")
	}

	return cfg, nil
}

func loadDotEnv() {
	if err := godotenv.Load(); err == nil {
		log.Printf("config: loaded .env")
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || v == "true"
	}
	return def
}

func getEnvSeconds(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return def
}

func getEnvSlice(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
