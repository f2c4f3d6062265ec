package forward

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/x1cluster/x1-rpc-proxy/internal/nodecache"
	"github.com/x1cluster/x1-rpc-proxy/internal/queue"
	"github.com/x1cluster/x1-rpc-proxy/internal/rpctypes"
)

type fakeCache struct {
	node      nodecache.Node
	hasNode   bool
	removed   []string
}

func (f *fakeCache) SelectFast() (nodecache.Node, bool) { return f.node, f.hasNode }
func (f *fakeCache) Remove(endpoint string)             { f.removed = append(f.removed, endpoint) }

type fakeNotifier struct {
	notified []string
}

func (f *fakeNotifier) NotifyEvicted(endpoint string) { f.notified = append(f.notified, endpoint) }

func newRPCRequest(method string) []byte {
	req := rpctypes.Request{Jsonrpc: "2.0", ID: json.RawMessage("7"), Method: method}
	b, _ := json.Marshal(req)
	return b
}

func TestForwardHappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":7,"result":"ok"}`))
	}))
	defer upstream.Close()

	cache := &fakeCache{node: nodecache.Node{Endpoint: upstream.URL}, hasNode: true}
	admission := queue.New(1)
	h := New(cache, admission, upstream.Client(), zap.NewNop(), time.Second, time.Second)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(newRPCRequest("getVersion")))
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != `{"jsonrpc":"2.0","id":7,"result":"ok"}` {
		t.Errorf("body = %q, want verbatim upstream body", rec.Body.String())
	}
}

func TestForwardNoActiveNodes(t *testing.T) {
	cache := &fakeCache{hasNode: false}
	admission := queue.New(1)
	h := New(cache, admission, http.DefaultClient, zap.NewNop(), time.Second, time.Second)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(newRPCRequest("getVersion")))
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	want := `{"jsonrpc":"2.0","id":7,"result":null,"error":{"code":-32000,"message":"No available RPC nodes"}}`
	if rec.Body.String() != want {
		t.Errorf("body = %s, want %s", rec.Body.String(), want)
	}
}

func TestForwardEvictsNodeOnUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	cache := &fakeCache{node: nodecache.Node{Endpoint: upstream.URL}, hasNode: true}
	admission := queue.New(1)
	notifier := &fakeNotifier{}
	h := New(cache, admission, upstream.Client(), zap.NewNop(), time.Second, time.Second)
	h.SetEvictionNotifier(notifier)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(newRPCRequest("getVersion")))
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if len(cache.removed) != 1 || cache.removed[0] != upstream.URL {
		t.Errorf("cache.removed = %v, want [%s]", cache.removed, upstream.URL)
	}
	if len(notifier.notified) != 1 || notifier.notified[0] != upstream.URL {
		t.Errorf("notifier.notified = %v, want [%s]", notifier.notified, upstream.URL)
	}
}

func TestForwardAdmissionQueueBusy(t *testing.T) {
	cache := &fakeCache{node: nodecache.Node{Endpoint: "http://unused"}, hasNode: true}
	admission := queue.New(1)
	release, err := admission.TryAcquire()
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	h := New(cache, admission, http.DefaultClient, zap.NewNop(), time.Second, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(newRPCRequest("getVersion")))
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestForwardRejectsMalformedJSON(t *testing.T) {
	cache := &fakeCache{hasNode: false}
	admission := queue.New(1)
	h := New(cache, admission, http.DefaultClient, zap.NewNop(), time.Second, time.Second)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("{not json")))
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSummarizeParamsPeeksFirstParam(t *testing.T) {
	req := rpctypes.Request{
		Method: "getAccountInfo",
		Params: json.RawMessage(`["AbCdEfGhIjKlMnOp", {"encoding":"base64"}]`),
	}
	got := summarizeParams(req)
	want := "getAccountInfo(AbCdEfGh...)"
	if got != want {
		t.Errorf("summarizeParams = %q, want %q", got, want)
	}
}

func TestSummarizeParamsFallsBackForOtherMethods(t *testing.T) {
	req := rpctypes.Request{Method: "getVersion"}
	if got := summarizeParams(req); got != "getVersion" {
		t.Errorf("summarizeParams = %q, want %q", got, "getVersion")
	}
}
