// Package discoveryloop implements the discovery loop (spec.md §4.4): a
// long-running, ticker-driven orchestrator that calls the discovery
// source, scatter-probes every returned endpoint through the validator
// under a bounded concurrency cap, and funnels results into the node
// cache. Grounded on original_source/src/main.rs's node_discovery_task.
package discoveryloop

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/x1cluster/x1-rpc-proxy/internal/discovery"
	"github.com/x1cluster/x1-rpc-proxy/internal/metrics"
	"github.com/x1cluster/x1-rpc-proxy/internal/nodecache"
	"github.com/x1cluster/x1-rpc-proxy/internal/validator"
)

// maxBackoffTicks bounds the exponential re-probe backoff of SPEC_FULL.md
// §9: an endpoint evicted n times waits 2^min(n,maxBackoffTicks) ticks
// before the loop re-adds it to the candidate list on its own.
const maxBackoffTicks = 6

// Loop is the discovery + health-probing orchestrator.
type Loop struct {
	source    discovery.Source
	validator *validator.Validator
	cache     *nodecache.Cache
	logger    *zap.Logger

	interval       time.Duration
	probeTimeout   time.Duration
	maxConcurrency int

	evictMu sync.Mutex
	evicted map[string]*evictionState
	tick    int64

	onTick activeCountNotifier // may be nil
}

// activeCountNotifier is implemented by the introspection server's
// websocket hub; each completed tick pushes the new active count.
type activeCountNotifier interface {
	BroadcastActiveCount(active int)
}

type evictionState struct {
	count           int
	nextEligibleTick int64
}

// New builds a Loop.
func New(
	source discovery.Source,
	v *validator.Validator,
	cache *nodecache.Cache,
	logger *zap.Logger,
	interval, probeTimeout time.Duration,
	maxConcurrency int,
) *Loop {
	return &Loop{
		source:         source,
		validator:      v,
		cache:          cache,
		logger:         logger,
		interval:       interval,
		probeTimeout:   probeTimeout,
		maxConcurrency: maxConcurrency,
		evicted:        make(map[string]*evictionState),
	}
}

// SetActiveCountNotifier wires a push target (the API server's websocket
// hub) that receives the active node count after every completed tick.
func (l *Loop) SetActiveCountNotifier(n activeCountNotifier) {
	l.onTick = n
}

// NotifyEvicted records that endpoint was removed from the cache by the
// forward handler, so the loop can schedule a backed-off re-probe of it
// even if the discovery source stops mentioning it (spec.md §9 open
// question).
func (l *Loop) NotifyEvicted(endpoint string) {
	l.evictMu.Lock()
	defer l.evictMu.Unlock()

	st, ok := l.evicted[endpoint]
	if !ok {
		st = &evictionState{}
		l.evicted[endpoint] = st
	}
	st.count++
	backoff := int64(1) << uint(min(st.count, maxBackoffTicks))
	st.nextEligibleTick = l.tick + backoff
}

// Run blocks, ticking every interval until ctx is done. Each tick runs
// synchronously with respect to the ticker (a slow tick simply delays the
// next one, matching tokio::time::interval's default MissedTickBehavior).
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.runTick(ctx)
		}
	}
}

// RunOnce executes a single tick synchronously; used by main to warm the
// cache before the HTTP server starts accepting traffic (original_source's
// 2-second startup sleep, translated into "wait for the first real tick"
// rather than an arbitrary sleep).
func (l *Loop) RunOnce(ctx context.Context) {
	l.runTick(ctx)
}

func (l *Loop) runTick(ctx context.Context) {
	l.evictMu.Lock()
	l.tick++
	currentTick := l.tick
	var backedOff []string
	for ep, st := range l.evicted {
		if st.nextEligibleTick <= currentTick {
			backedOff = append(backedOff, ep)
			// Keep the eviction count so the next eviction backs off
			// further; the endpoint is not re-added again until then.
			st.nextEligibleTick = math.MaxInt64
		}
	}
	l.evictMu.Unlock()

	endpoints := l.source.Discover(ctx)
	endpoints = append(endpoints, backedOff...)

	l.logger.Info("discovery: tick starting", zap.Int("candidates", len(endpoints)))

	sem := make(chan struct{}, l.maxConcurrency)
	var wg sync.WaitGroup
	for _, ep := range endpoints {
		ep := ep
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("discovery: probe task panicked", zap.Any("recover", r), zap.String("endpoint", ep))
				}
			}()
			l.probeAndUpdate(ctx, ep)
		}()
	}
	wg.Wait()

	metrics.DiscoveryTicksTotal.Inc()
	total, active, minRT, maxRT, ok := l.cache.Performance()
	metrics.NodeCacheTotalNodes.Set(float64(total))
	metrics.NodeCacheActiveNodes.Set(float64(active))

	fields := []zap.Field{zap.Int("total", total), zap.Int("active", active)}
	if ok {
		fields = append(fields, zap.Duration("min_response_time", minRT), zap.Duration("max_response_time", maxRT))
	}
	l.logger.Info("discovery: tick complete", fields...)
	if active == 0 {
		l.logger.Warn("discovery: no active RPC nodes available")
	}
	if l.onTick != nil {
		l.onTick.BroadcastActiveCount(active)
	}
}

func (l *Loop) probeAndUpdate(ctx context.Context, endpoint string) {
	start := time.Now()
	err := l.validator.Validate(ctx, endpoint, l.probeTimeout)
	elapsed := time.Since(start)

	if err != nil {
		metrics.ProbeDuration.WithLabelValues("error").Observe(elapsed.Seconds())
		l.logger.Debug("discovery: probe failed", zap.String("endpoint", endpoint), zap.Error(err))
		l.cache.Upsert(endpoint, false, 0)
		return
	}

	metrics.ProbeDuration.WithLabelValues("ok").Observe(elapsed.Seconds())
	l.logger.Debug("discovery: probe ok", zap.String("endpoint", endpoint), zap.Duration("response_time", elapsed))
	l.cache.Upsert(endpoint, true, elapsed)
}
