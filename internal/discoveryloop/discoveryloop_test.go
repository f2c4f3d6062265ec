package discoveryloop

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/x1cluster/x1-rpc-proxy/internal/nodecache"
	"github.com/x1cluster/x1-rpc-proxy/internal/validator"
)

type fakeSource struct {
	endpoints []string
}

func (f *fakeSource) Discover(ctx context.Context) []string {
	return f.endpoints
}

func TestRunOnceUpsertsHealthyNode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":[]}`)
	}))
	defer srv.Close()

	cache := nodecache.New()
	loop := New(&fakeSource{endpoints: []string{srv.URL}}, validator.New(srv.Client()), cache, zap.NewNop(), time.Second, time.Second, 4)

	loop.RunOnce(context.Background())

	total, active := cache.Stats()
	if total != 1 || active != 1 {
		t.Errorf("total=%d active=%d, want 1,1", total, active)
	}
}

func TestRunOnceMarksFailingNodeInactive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cache := nodecache.New()
	loop := New(&fakeSource{endpoints: []string{srv.URL}}, validator.New(srv.Client()), cache, zap.NewNop(), time.Second, time.Second, 4)

	loop.RunOnce(context.Background())

	total, active := cache.Stats()
	if total != 1 || active != 0 {
		t.Errorf("total=%d active=%d, want 1,0", total, active)
	}
}

func TestNotifyEvictedSchedulesBackoff(t *testing.T) {
	cache := nodecache.New()
	loop := New(&fakeSource{}, validator.New(nil), cache, zap.NewNop(), time.Second, time.Second, 4)

	loop.NotifyEvicted("http://evicted")

	loop.evictMu.Lock()
	st, ok := loop.evicted["http://evicted"]
	loop.evictMu.Unlock()
	if !ok {
		t.Fatal("expected eviction state to be recorded")
	}
	if st.count != 1 {
		t.Errorf("count = %d, want 1", st.count)
	}
	if st.nextEligibleTick != 2 {
		t.Errorf("nextEligibleTick = %d, want 2 (tick 0 + 2^1)", st.nextEligibleTick)
	}
}

func TestRunOnceReintroducesBackedOffEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":[]}`)
	}))
	defer srv.Close()

	cache := nodecache.New()
	loop := New(&fakeSource{}, validator.New(srv.Client()), cache, zap.NewNop(), time.Second, time.Second, 4)

	loop.NotifyEvicted(srv.URL) // backoff = 2 ticks from tick 0

	loop.RunOnce(context.Background()) // tick 1: not yet eligible
	if total, _ := cache.Stats(); total != 0 {
		t.Fatalf("endpoint should not be re-probed before its backoff elapses, total=%d", total)
	}

	loop.RunOnce(context.Background()) // tick 2: eligible
	if total, _ := cache.Stats(); total != 1 {
		t.Fatalf("endpoint should be re-probed once backoff elapses, total=%d", total)
	}
}
