// Package forward implements the forward handler (spec.md §4.6): admits
// one client request through the admission queue, selects a node from the
// cache, forwards the request upstream, and on failure evicts the chosen
// node before translating the error. Grounded on original_source's
// proxy.rs rpc_handler, generalized from axum to a plain http.Handler so
// it can be mounted under gin without depending on gin in the core logic.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/x1cluster/x1-rpc-proxy/internal/metrics"
	"github.com/x1cluster/x1-rpc-proxy/internal/nodecache"
	"github.com/x1cluster/x1-rpc-proxy/internal/queue"
	"github.com/x1cluster/x1-rpc-proxy/internal/rpctypes"
)

// evictionNotifier is implemented by the discovery loop; a forward
// failure schedules a backed-off re-probe of the evicted endpoint instead
// of banning it forever (spec.md §9 open question).
type evictionNotifier interface {
	NotifyEvicted(endpoint string)
}

// Cache is the subset of *nodecache.Cache the handler needs, kept as an
// interface so handler tests can use a fake.
type Cache interface {
	SelectFast() (nodecache.Node, bool)
	Remove(endpoint string)
}

// Handler implements the forward state machine of spec.md §4.6 as a
// plain http.Handler.
type Handler struct {
	cache      Cache
	admission  *queue.Admission
	httpClient *http.Client
	logger     *zap.Logger

	requestTimeout time.Duration
	queueWait      time.Duration

	onEvict evictionNotifier // may be nil
}

// New builds a Handler.
func New(cache Cache, admission *queue.Admission, httpClient *http.Client, logger *zap.Logger, requestTimeout, queueWait time.Duration) *Handler {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Handler{
		cache:          cache,
		admission:      admission,
		httpClient:     httpClient,
		logger:         logger,
		requestTimeout: requestTimeout,
		queueWait:      queueWait,
	}
}

// SetEvictionNotifier wires a discovery loop so evictions schedule a
// backed-off re-probe. Optional; eviction still shrinks the cache without
// it, the endpoint just waits for ordinary rediscovery.
func (h *Handler) SetEvictionNotifier(n evictionNotifier) {
	h.onEvict = n
}

// ServeHTTP implements http.Handler. It is mounted at POST / by the API
// server.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, nil, -32700, "Parse error")
		return
	}

	var req rpctypes.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, nil, -32700, "Parse error")
		return
	}

	logID := formatLogID(req.ID)
	h.logger.Info("forward: received request",
		zap.String("id", logID),
		zap.String("method", req.Method),
		zap.String("summary", summarizeParams(req)),
	)

	release, err := h.admit(r.Context())
	if err != nil {
		h.respondAdmissionError(w, req.ID, logID, err, time.Since(start))
		return
	}
	defer release()

	node, ok := h.cache.SelectFast()
	if !ok {
		metrics.ForwardRequestsTotal.WithLabelValues("no_nodes").Inc()
		h.logger.Warn("forward: no active nodes", zap.String("id", logID))
		writeJSONRPCError(w, http.StatusServiceUnavailable, req.ID, -32000, "No available RPC nodes")
		return
	}

	h.logger.Info("forward: selected node", zap.String("id", logID), zap.String("endpoint", node.Endpoint))

	// The upstream call is not tied to r.Context(): a client disconnect does
	// not cancel an in-flight forward; only requestTimeout bounds it.
	respBody, err := h.forwardUpstream(context.Background(), node.Endpoint, body)
	elapsed := time.Since(start)
	metrics.ForwardDuration.Observe(elapsed.Seconds())

	if err != nil {
		metrics.ForwardRequestsTotal.WithLabelValues("upstream_error").Inc()
		h.logger.Error("forward: upstream failed, evicting node",
			zap.String("id", logID), zap.String("endpoint", node.Endpoint), zap.Error(err))
		h.cache.Remove(node.Endpoint)
		if h.onEvict != nil {
			h.onEvict.NotifyEvicted(node.Endpoint)
		}
		writeJSONRPCError(w, http.StatusInternalServerError, req.ID, -32603, "Internal error")
		return
	}

	metrics.ForwardRequestsTotal.WithLabelValues("ok").Inc()
	h.logger.Info("forward: completed", zap.String("id", logID), zap.Duration("elapsed", elapsed))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody) // streamed verbatim: no re-serialization, preserves numeric precision
}

func (h *Handler) admit(parentCtx context.Context) (queue.Release, error) {
	if release, err := h.admission.TryAcquire(); err == nil {
		return release, nil
	}

	ctx, cancel := context.WithTimeout(parentCtx, h.queueWait)
	defer cancel()
	return h.admission.Acquire(ctx)
}

func (h *Handler) respondAdmissionError(w http.ResponseWriter, id json.RawMessage, logID string, err error, waited time.Duration) {
	switch {
	case errors.Is(err, queue.ErrClosed):
		metrics.AdmissionQueueRejections.WithLabelValues("closed").Inc()
		h.logger.Error("forward: admission queue closed", zap.String("id", logID))
		writeJSONRPCError(w, http.StatusServiceUnavailable, id, -32000, "Server shutting down")
	default:
		metrics.AdmissionQueueRejections.WithLabelValues("timeout").Inc()
		h.logger.Warn("forward: admission queue timeout", zap.String("id", logID), zap.Duration("waited", waited))
		writeJSONRPCError(w, http.StatusServiceUnavailable, id, -32000, "Server overloaded, request queue full")
	}
}

// forwardUpstream POSTs body to endpoint and returns the raw response
// bytes unmodified on a 2xx status.
func (h *Handler) forwardUpstream(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, h.requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	return raw, nil
}

func writeJSONRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	resp := rpctypes.NewError(id, code, message, nil)
	payload, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func formatLogID(id json.RawMessage) string {
	if len(id) == 0 {
		return "null"
	}
	return strings.Trim(string(id), `"`)
}

// summarizeParams peeks at params[0] as a string for the two well-known
// methods the spec calls out, purely to produce a short display form in
// logs. It never interprets params for any other purpose.
func summarizeParams(req rpctypes.Request) string {
	switch req.Method {
	case "getAccountInfo", "getTokenAccountsByOwner":
		var params []json.RawMessage
		if err := json.Unmarshal(req.Params, &params); err != nil || len(params) == 0 {
			return req.Method
		}
		var first string
		if err := json.Unmarshal(params[0], &first); err != nil {
			return req.Method
		}
		if len(first) > 8 {
			first = first[:8]
		}
		return fmt.Sprintf("%s(%s...)", req.Method, first)
	default:
		return req.Method
	}
}
