// Package discovery implements the discovery source (spec.md §4.1): a
// three-tier, short-circuiting enumeration of candidate upstream RPC
// endpoints. Grounded on original_source/src/gossip.rs, translated from
// the Rust GossipClient into a Go Source.
package discovery

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/x1cluster/x1-rpc-proxy/internal/rpctypes"
)

// rpcPorts are the ports gossip output lines are checked against, per
// spec.md §4.1 tier 1.
var rpcPorts = map[string]bool{
	"8899": true,
	"8900": true,
	"8001": true,
	"9090": true,
}

// Source enumerates candidate endpoints on demand. Implementations may
// return an empty slice; the node cache tolerates duplicates across calls.
type Source interface {
	Discover(ctx context.Context) []string
}

// Chain is the three-tier Source described in spec.md §4.1: external
// `solana gossip` CLI, then JSON-RPC getClusterNodes, then a hardcoded
// seed list. A tier that errors (the error is logged) or returns no
// endpoints falls through to the next — matching original_source's
// gossip.rs, where an error OR an empty Ok(..) both move to the next tier.
type Chain struct {
	clusterURL string
	httpClient *http.Client
	logger     *zap.Logger

	// limiter paces tier 1/2 calls against clusterURL itself so a short
	// health-check interval cannot hammer the seed node (SPEC_FULL.md §9).
	limiter *rate.Limiter

	// execCommand is overridable in tests to avoid spawning a real
	// subprocess.
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewChain builds a Chain targeting clusterURL.
func NewChain(clusterURL string, httpClient *http.Client, logger *zap.Logger) *Chain {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Chain{
		clusterURL:  clusterURL,
		httpClient:  httpClient,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Limit(1), 1),
		execCommand: exec.CommandContext,
	}
}

// Discover runs the three tiers in order, returning the first tier's
// non-empty result.
func (c *Chain) Discover(ctx context.Context) []string {
	if eps := c.tierGossipCLI(ctx); len(eps) > 0 {
		c.logger.Debug("discovery: tier 1 (gossip CLI) yielded endpoints", zap.Int("count", len(eps)))
		return eps
	}
	if eps := c.tierClusterNodesRPC(ctx); len(eps) > 0 {
		c.logger.Debug("discovery: tier 2 (getClusterNodes) yielded endpoints", zap.Int("count", len(eps)))
		return eps
	}
	eps := c.tierSeedList()
	c.logger.Debug("discovery: tier 3 (seed list) yielded endpoints", zap.Int("count", len(eps)))
	return eps
}

// tierGossipCLI configures a local solana CLI against clusterURL, invokes
// `solana gossip`, and parses stdout line by line (spec.md §4.1 tier 1).
func (c *Chain) tierGossipCLI(ctx context.Context) []string {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil
	}

	configCmd := c.execCommand(ctx, "solana", "config", "set", "--url", c.clusterURL)
	if err := configCmd.Run(); err != nil {
		c.logger.Warn("discovery: failed to configure solana CLI", zap.Error(err))
		// Non-fatal: gossip may still work against whatever config is active.
	}

	gossipCmd := c.execCommand(ctx, "solana", "gossip")
	var stdout bytes.Buffer
	gossipCmd.Stdout = &stdout
	if err := gossipCmd.Run(); err != nil {
		c.logger.Warn("discovery: solana gossip failed", zap.Error(err))
		return nil
	}

	return parseGossipOutput(stdout.String(), c.logger)
}

func parseGossipOutput(output string, logger *zap.Logger) []string {
	var endpoints []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.Contains(line, "Nodes:") {
			if logger != nil {
				logger.Debug("discovery: gossip node count line", zap.String("line", line))
			}
			continue
		}
		if ep, ok := extractRPCFromGossipLine(line); ok {
			endpoints = append(endpoints, ep)
		}
	}
	return endpoints
}

// extractRPCFromGossipLine looks for a whitespace-separated token
// containing a colon, splits it into host:port, extracts the longest
// leading decimal run of the port substring, and emits http://host:port
// if the port is a known RPC port.
func extractRPCFromGossipLine(line string) (string, bool) {
	if !strings.Contains(line, ":") {
		return "", false
	}
	for _, part := range strings.Fields(line) {
		if !strings.Contains(part, ":") {
			continue
		}
		idx := strings.Index(part, ":")
		host := part[:idx]
		rest := part[idx+1:]
		if host == "" || rest == "" {
			continue
		}
		portDigits := leadingDigits(rest)
		if portDigits == "" {
			continue
		}
		if rpcPorts[portDigits] {
			return fmt.Sprintf("http://%s:%s", host, portDigits), true
		}
	}
	return "", false
}

func leadingDigits(s string) string {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return s[:end]
}

// tierClusterNodesRPC POSTs getClusterNodes to clusterURL (spec.md §4.1
// tier 2).
func (c *Chain) tierClusterNodesRPC(ctx context.Context) []string {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil
	}

	reqBody, _ := json.Marshal(rpctypes.Request{
		Jsonrpc: "2.0",
		ID:      json.RawMessage("1"),
		Method:  "getClusterNodes",
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.clusterURL, bytes.NewReader(reqBody))
	if err != nil {
		c.logger.Warn("discovery: failed to build getClusterNodes request", zap.Error(err))
		return nil
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("discovery: getClusterNodes request failed", zap.Error(err))
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("discovery: getClusterNodes non-2xx", zap.Int("status", resp.StatusCode))
		return nil
	}

	var rpcResp struct {
		Result []struct {
			RPC string `json:"rpc"`
		} `json:"result"`
		Error *rpctypes.Error `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		c.logger.Warn("discovery: malformed getClusterNodes response", zap.Error(err))
		return nil
	}
	if rpcResp.Error != nil {
		c.logger.Warn("discovery: getClusterNodes rpc error", zap.Int("code", rpcResp.Error.Code))
		return nil
	}

	var endpoints []string
	for _, n := range rpcResp.Result {
		if n.RPC == "" || n.RPC == "null" {
			continue
		}
		if strings.HasPrefix(n.RPC, "http") {
			endpoints = append(endpoints, n.RPC)
		} else {
			endpoints = append(endpoints, "http://"+n.RPC)
		}
	}
	return endpoints
}

// tierSeedList yields the cluster URL and the loopback defaults (spec.md
// §4.1 tier 3).
func (c *Chain) tierSeedList() []string {
	return []string{
		c.clusterURL,
		"http://localhost:8899",
		"http://127.0.0.1:8899",
	}
}

var _ Source = (*Chain)(nil)
