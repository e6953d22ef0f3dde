package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-terra/v1/batch"
	"github.com/mirkobrombin/go-terra/v1/executor"
	"github.com/mirkobrombin/go-terra/v1/lock"
	"github.com/mirkobrombin/go-terra/v1/metrics"
	"github.com/mirkobrombin/go-terra/v1/syncbus"
	"github.com/mirkobrombin/go-terra/v1/traceid"
)

type captured struct {
	mu     sync.Mutex
	events []event
	ids    []string
}

func (c *captured) Deliver(ctx context.Context, b []event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, b...)
	c.ids = append(c.ids, traceid.Current(ctx))
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *captured, *batch.Buffer[event]) {
	t.Helper()
	sink := &captured{}
	buf := batch.New[event](sink, batch.Config{FlushInterval: -1}, batch.WithExecutor[event](traceid.Wrap(executor.Inline())))
	bus := syncbus.NewInMemoryBus()
	c := lock.NewCoordinator(lock.NewInMemory(lock.WithMemoryBus(bus)))
	gen := traceid.GeneratorFunc(func() string { return "gen-id" })
	srv := httptest.NewServer(newServer(c, buf, bus, slog.Default()).routes(metrics.NewRegistry(), gen, traceid.Header))
	t.Cleanup(srv.Close)
	return srv, sink, buf
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestEventsAreBufferedUnderRequestTraceID(t *testing.T) {
	srv, sink, buf := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/events", strings.NewReader(`[{"seq":1},{"seq":2}]`))
	req.Header.Set(traceid.Header, "client-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if got := resp.Header.Get(traceid.Header); got != "client-42" {
		t.Fatalf("trace header not echoed: %q", got)
	}
	if body := decode(t, resp); body["accepted"] != float64(2) {
		t.Fatalf("unexpected body %v", body)
	}

	buf.Flush(traceid.WithID(context.Background(), "client-42"))
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 2 || sink.events[0].Seq != 1 || sink.events[1].Seq != 2 {
		t.Fatalf("unexpected events %+v", sink.events)
	}
	if sink.events[0].At.IsZero() {
		t.Fatal("missing event timestamp")
	}
	if sink.ids[0] != "client-42" {
		t.Fatalf("expected delivery under client-42, got %q", sink.ids[0])
	}
}

func TestEventsRejectsBadJSON(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/events", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestLockEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/locks/job", "", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(traceid.Header); got != "gen-id" {
		t.Fatalf("expected a generated trace id, got %q", got)
	}
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/locks/job?wait=10ms", "", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if body := decode(t, resp); resp.StatusCode != http.StatusConflict || body["result"] != "timeout" {
		t.Fatalf("expected conflict/timeout, got %d %v", resp.StatusCode, body)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/locks/job", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if body := decode(t, resp); resp.StatusCode != http.StatusOK || body["released"] != true {
		t.Fatalf("expected release, got %d %v", resp.StatusCode, body)
	}

	resp, err = http.Post(srv.URL+"/locks/job?wait=soon", "", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad wait, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestWatchStreamsLockRelease(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/locks/job", "", nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	resp.Body.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/locks/job/watch"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	got := make(chan syncbus.Notification, 1)
	go func() {
		var n syncbus.Notification
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&n); err == nil {
			got <- n
		}
		close(got)
	}()

	// the subscription is registered after the handshake, so keep
	// releasing until the watcher sees one
	deadline := time.After(2 * time.Second)
	for {
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/locks/job", nil)
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		}
		select {
		case n, ok := <-got:
			if !ok {
				t.Fatal("watch stream closed without a notification")
			}
			if n.Key != lock.UnlockTopic("job") {
				t.Fatalf("unexpected notification %+v", n)
			}
			return
		case <-deadline:
			t.Fatal("no release notification")
		case <-time.After(20 * time.Millisecond):
		}
		if resp, err := http.Post(srv.URL+"/locks/job", "", nil); err == nil {
			resp.Body.Close()
		}
	}
}
