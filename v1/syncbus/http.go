package syncbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Notification is the message streamed to HTTP watchers for every signal
// received on the watched key.
type Notification struct {
	Key string    `json:"key"`
	At  time.Time `json:"at"`
}

// KeyFunc extracts the watched bus key from a request. An empty key is
// answered with 400.
type KeyFunc func(r *http.Request) string

// QueryKey takes the key from the "key" query parameter.
func QueryKey(r *http.Request) string {
	return r.URL.Query().Get("key")
}

// SSEHandler streams notifications for a key over Server-Sent Events.
func SSEHandler(bus Bus, key KeyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k := key(r)
		if k == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, err := bus.Subscribe(ctx, k)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() {
			_ = bus.Unsubscribe(context.Background(), k, ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				data, _ := json.Marshal(Notification{Key: k, At: time.Now()})
				if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams notifications for a key as JSON text frames.
func WebSocketHandler(bus Bus, key KeyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k := key(r)
		if k == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, err := bus.Subscribe(ctx, k)
		if err != nil {
			return
		}
		defer func() {
			_ = bus.Unsubscribe(context.Background(), k, ch)
		}()
		// the read side only detects the client going away
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteJSON(Notification{Key: k, At: time.Now()}); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
