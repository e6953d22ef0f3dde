package traceid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/go-terra/v1/executor"
)

func TestWithIDAndFromContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("background context must not carry an id")
	}
	ctx := WithID(context.Background(), "X")
	if id, ok := FromContext(ctx); !ok || id != "X" {
		t.Fatalf("expected X, got %q %v", id, ok)
	}
	if WithID(ctx, "") != ctx {
		t.Fatal("empty id must leave the context unchanged")
	}
	if Current(context.Background()) != "" {
		t.Fatal("expected empty current id")
	}
}

func TestEnsureKeepsExistingID(t *testing.T) {
	ctx := WithID(context.Background(), "X")
	_, id := Ensure(ctx, GeneratorFunc(func() string { return "fresh" }))
	if id != "X" {
		t.Fatalf("expected existing id, got %q", id)
	}
	_, id = Ensure(context.Background(), GeneratorFunc(func() string { return "fresh" }))
	if id != "fresh" {
		t.Fatalf("expected generated id, got %q", id)
	}
}

func TestChildAndRoot(t *testing.T) {
	gen := GeneratorFunc(func() string { return "c1" })
	ctx := Child(WithID(context.Background(), "p"), gen)
	if got := Current(ctx); got != "p:c1" {
		t.Fatalf("expected p:c1, got %q", got)
	}
	if got := Root(Current(ctx)); got != "p" {
		t.Fatalf("expected root p, got %q", got)
	}
	if got := Current(Child(context.Background(), gen)); got != "c1" {
		t.Fatalf("expected bare child, got %q", got)
	}
	if Root("solo") != "solo" {
		t.Fatal("root of an id without children must be itself")
	}
}

func TestHostGeneratorFormat(t *testing.T) {
	g := NewHostGenerator("web1")
	g.now = func() time.Time { return time.UnixMilli(1700000000000) }
	id := g.NewID()
	if !regexp.MustCompile(`^web1-1700000000000-[0-9a-f]{8}$`).MatchString(id) {
		t.Fatalf("unexpected id format %q", id)
	}
	if g.NewID() == id {
		t.Fatal("two ids must differ")
	}
}

func TestHostPrefix(t *testing.T) {
	cases := map[string]string{
		"":                "terra",
		"Web-Server-01":   "web",
		"db1":             "db1",
		"----x":           "terra",
		"API7.prod.local": "api7",
	}
	for host, want := range cases {
		if got := hostPrefix(host); got != want {
			t.Fatalf("hostPrefix(%q) = %q, want %q", host, got, want)
		}
	}
}

func TestExecutorPropagatesSubmitterID(t *testing.T) {
	pool := executor.NewPool(2)
	defer pool.Shutdown(context.Background())
	e := NewExecutor(pool)

	const n = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	mismatches := 0
	for i := 0; i < n; i++ {
		want := "req-" + strings.Repeat("x", i%5) + string(rune('a'+i%26))
		wg.Add(1)
		e.Execute(WithID(context.Background(), want), func(ctx context.Context) {
			defer wg.Done()
			if Current(ctx) != want {
				mu.Lock()
				mismatches++
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	if mismatches != 0 {
		t.Fatalf("%d tasks observed the wrong id", mismatches)
	}
}

func TestExecutorGeneratesDistinctIDsForRoots(t *testing.T) {
	e := NewExecutor(nil)
	ids := make(chan string, 2)
	for i := 0; i < 2; i++ {
		e.Execute(context.Background(), func(ctx context.Context) {
			ids <- Current(ctx)
		})
	}
	a, b := <-ids, <-ids
	if a == "" || b == "" {
		t.Fatal("root tasks must get a generated id")
	}
	if a == b {
		t.Fatalf("independent roots share id %q", a)
	}
}

func TestExecutorDoesNotLeakIntoBypassingTasks(t *testing.T) {
	pool := executor.NewPool(1)
	defer pool.Shutdown(context.Background())
	e := NewExecutor(pool)

	first := make(chan struct{})
	e.Execute(WithID(context.Background(), "X"), func(ctx context.Context) {
		close(first)
	})
	<-first

	got := make(chan string, 1)
	pool.Execute(context.Background(), func(ctx context.Context) {
		got <- Current(ctx)
	})
	if id := <-got; id != "" {
		t.Fatalf("task bypassing the wrapper observed stale id %q", id)
	}
}

func TestExecutorForwardsRefusal(t *testing.T) {
	pool := executor.NewPool(1)
	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if NewExecutor(pool).TryExecute(context.Background(), func(context.Context) {}) {
		t.Fatal("wrapper reported a refused task as accepted")
	}
}

func TestExecutorIDIsCapturedAtSubmission(t *testing.T) {
	gate := make(chan struct{})
	inner := executor.Func(func(ctx context.Context, task executor.Task) {
		go func() {
			<-gate
			task(ctx)
		}()
	})
	e := NewExecutor(inner)
	got := make(chan string, 1)
	ctx, cancel := context.WithCancel(WithID(context.Background(), "X"))
	e.Execute(ctx, func(ctx context.Context) {
		got <- Current(ctx) + "|" + errString(ctx.Err())
	})
	cancel()
	close(gate)
	if v := <-got; v != "X|" {
		t.Fatalf("expected id X and a live context, got %q", v)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func TestExecutorDoesNotSwallowPanics(t *testing.T) {
	recovered := make(chan any, 1)
	inner := executor.Func(func(ctx context.Context, task executor.Task) {
		defer func() { recovered <- recover() }()
		task(ctx)
	})
	NewExecutor(inner).Execute(context.Background(), func(context.Context) { panic("boom") })
	if r := <-recovered; r != "boom" {
		t.Fatalf("expected panic to reach the inner executor, got %v", r)
	}
}

func TestWrapIsIdempotent(t *testing.T) {
	e := NewExecutor(nil)
	if Wrap(e) != e {
		t.Fatal("wrapping a trace executor must return it unchanged")
	}
}

func TestSupply(t *testing.T) {
	ctx := WithID(context.Background(), "X")
	f := Supply(ctx, nil, func(ctx context.Context) (string, error) {
		return Current(ctx), nil
	})
	if f.TraceID() != "X" {
		t.Fatalf("expected future trace id X, got %q", f.TraceID())
	}
	v, err := f.Await(context.Background())
	if err != nil || v != "X" {
		t.Fatalf("await: %q %v", v, err)
	}

	boom := errors.New("boom")
	if _, err := Supply(ctx, executor.Inline(), func(context.Context) (int, error) {
		return 0, boom
	}).Await(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	_, err = Supply(context.Background(), nil, func(context.Context) (int, error) {
		panic("kaboom")
	}).Await(context.Background())
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("expected panic error, got %v", err)
	}
}

func TestFutureAwaitHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	f := Supply(context.Background(), nil, func(context.Context) (int, error) {
		<-block
		return 1, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := f.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestLogHandlerAddsTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewLogHandler(slog.NewJSONHandler(&buf, nil))).With("component", "test")
	logger.InfoContext(WithID(context.Background(), "X"), "hello")
	logger.InfoContext(context.Background(), "plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d", len(lines))
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec[LogKey] != "X" || rec["component"] != "test" {
		t.Fatalf("unexpected record %v", rec)
	}
	if strings.Contains(lines[1], LogKey) {
		t.Fatalf("record without id must not carry %s: %s", LogKey, lines[1])
	}
}

func TestMiddlewareAndTransport(t *testing.T) {
	var mu sync.Mutex
	var seenID string
	seen := func() string {
		mu.Lock()
		defer mu.Unlock()
		return seenID
	}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seenID = r.Header.Get(Header)
		mu.Unlock()
	}))
	defer backend.Close()

	client := &http.Client{Transport: &Transport{}}
	front := Middleware(GeneratorFunc(func() string { return "gen-1" }), "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, _ := http.NewRequestWithContext(r.Context(), http.MethodGet, backend.URL, nil)
		resp, err := client.Do(req)
		if err != nil {
			t.Errorf("downstream: %v", err)
			return
		}
		resp.Body.Close()
	}))

	rec := httptest.NewRecorder()
	front.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get(Header) != "gen-1" || seen() != "gen-1" {
		t.Fatalf("expected generated id propagated, response %q downstream %q", rec.Header().Get(Header), seen())
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(Header, "incoming")
	front.ServeHTTP(rec, req)
	if rec.Header().Get(Header) != "incoming" || seen() != "incoming" {
		t.Fatalf("expected incoming id propagated, response %q downstream %q", rec.Header().Get(Header), seen())
	}
}
