package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-terra/v1/batch"
	"github.com/mirkobrombin/go-terra/v1/lock"
	"github.com/mirkobrombin/go-terra/v1/presets"
	"github.com/mirkobrombin/go-terra/v1/syncbus"
	"github.com/mirkobrombin/go-terra/v1/traceid"
)

type serveOptions struct {
	*rootOptions
	Addr string
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve locks, event ingestion and metrics over HTTP",
		Long: `Start an HTTP server exposing:

  POST   /events        submit a JSON event (or an array of events) to the buffer
  POST   /locks/{id}    acquire a lock, waiting up to ?wait= (default 0)
  DELETE /locks/{id}    release a lock
  GET    /locks/{id}/watch  stream releases of a lock (WebSocket or Server-Sent Events)
  GET    /metrics       Prometheus metrics

Every request runs under the causal id sent in the trace header, or a fresh one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")
	return cmd
}

func runServe(opts *serveOptions) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := opts.dial()
	if err != nil {
		return err
	}
	defer deps.Close()

	c, err := presets.NewCoordinator(opts.cfg, deps)
	if err != nil {
		return err
	}
	exec, stopExec := opts.sharedExecutor(deps)
	defer stopExec()
	buf, err := presets.NewBuffer[event](opts.cfg, deps, batch.WithName[event]("http"), batch.WithExecutor[event](exec))
	if err != nil {
		return err
	}

	h := newServer(c, buf, deps.Bus, opts.logger).routes(opts.reg, presets.NewGenerator(opts.cfg.Trace), opts.cfg.Trace.Header)
	srv := &http.Server{Addr: opts.Addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		opts.logger.Info("serve: listening", "addr", opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = buf.Shutdown(context.Background())
			return err
		}
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), opts.cfg.Batch.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		opts.logger.Warn("serve: http shutdown", "error", err)
	}
	return buf.Shutdown(context.Background())
}

type server struct {
	locks  *lock.Coordinator
	buf    *batch.Buffer[event]
	bus    syncbus.Bus
	logger *slog.Logger
}

func newServer(locks *lock.Coordinator, buf *batch.Buffer[event], bus syncbus.Bus, logger *slog.Logger) *server {
	return &server{locks: locks, buf: buf, bus: bus, logger: logger}
}

func (s *server) routes(reg prometheus.Gatherer, gen traceid.Generator, header string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", s.handleEvents)
	mux.HandleFunc("POST /locks/{id}", s.handleAcquire)
	mux.HandleFunc("DELETE /locks/{id}", s.handleRelease)
	if s.bus != nil {
		mux.HandleFunc("GET /locks/{id}/watch", s.handleWatch)
	}
	if reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return traceid.Middleware(gen, header)(mux)
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var events []event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	raw := json.RawMessage{}
	if err := dec.Decode(&raw); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &events); err != nil {
			http.Error(w, "invalid event array", http.StatusBadRequest)
			return
		}
	} else {
		var e event
		if err := json.Unmarshal(raw, &e); err != nil {
			http.Error(w, "invalid event", http.StatusBadRequest)
			return
		}
		events = append(events, e)
	}

	accepted := 0
	for _, e := range events {
		if e.At.IsZero() {
			e.At = time.Now()
		}
		if s.buf.Submit(r.Context(), e) {
			accepted++
		}
	}
	status := http.StatusAccepted
	if accepted == 0 && len(events) > 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"accepted": accepted, "trace_id": traceid.Current(r.Context())})
}

func (s *server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			http.Error(w, "invalid wait", http.StatusBadRequest)
			return
		}
		wait = d
	}
	res := s.locks.TryAcquire(r.Context(), id, wait)
	status := http.StatusOK
	switch res {
	case lock.ResultTimeout:
		status = http.StatusConflict
	case lock.ResultInterrupted:
		status = http.StatusRequestTimeout
	case lock.ResultBackendUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"id": id, "result": res.String()})
}

func (s *server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	released := s.locks.Release(r.Context(), id)
	status := http.StatusOK
	if !released {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"id": id, "released": released})
}

func unlockKey(r *http.Request) string {
	if id := r.PathValue("id"); id != "" {
		return lock.UnlockTopic(id)
	}
	return ""
}

func (s *server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		syncbus.WebSocketHandler(s.bus, unlockKey)(w, r)
		return
	}
	syncbus.SSEHandler(s.bus, unlockKey)(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("serve: write response", "error", err)
	}
}
