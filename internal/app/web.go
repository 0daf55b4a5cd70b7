package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relabs-tech/ranging_survey/internal/survey"
	"github.com/relabs-tech/ranging_survey/internal/trilateration"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is pushed to every websocket client.
type WSMessage struct {
	Type        string                `json:"type"` // observation, result
	Observation *survey.Observation   `json:"observation,omitempty"`
	Result      *trilateration.Result `json:"result,omitempty"`
}

// hub keeps the latest survey state for the web API and fans updates out to
// websocket clients.
type hub struct {
	mu           sync.RWMutex
	observations []survey.Observation
	result       trilateration.Result
	haveResult   bool

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]chan WSMessage
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan WSMessage)}
}

func (h *hub) addObservation(o survey.Observation) {
	h.mu.Lock()
	h.observations = append(h.observations, o)
	h.mu.Unlock()
	h.broadcast(WSMessage{Type: "observation", Observation: &o})
}

func (h *hub) setResult(r trilateration.Result) {
	h.mu.Lock()
	h.result = r
	h.haveResult = true
	h.mu.Unlock()
	h.broadcast(WSMessage{Type: "result", Result: &r})
}

// broadcast queues msg for every client, dropping it for clients that are behind.
func (h *hub) broadcast(msg WSMessage) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			log.Printf("web: client %s is behind, update dropped", conn.RemoteAddr())
		}
	}
}

func (h *hub) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/result", func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		defer h.mu.RUnlock()

		if !h.haveResult {
			http.Error(w, "no result yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, h.result)
	})

	mux.HandleFunc("/api/observations", func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		defer h.mu.RUnlock()
		writeJSON(w, h.observations)
	})

	mux.HandleFunc("/ws", h.serveWS)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: json encode error: %v", err)
	}
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	ch := make(chan WSMessage, 64)
	h.clientsMu.Lock()
	h.clients[conn] = ch
	h.clientsMu.Unlock()
	defer func() {
		h.clientsMu.Lock()
		delete(h.clients, conn)
		h.clientsMu.Unlock()
	}()

	// Reader goroutine only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.mu.RLock()
	if h.haveResult {
		res := h.result
		ch <- WSMessage{Type: "result", Result: &res}
	}
	h.mu.RUnlock()

	for {
		select {
		case <-gone:
			return
		case msg := <-ch:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("web: websocket write error: %v", err)
				return
			}
		}
	}
}

// serveWeb runs the HTTP server on port until ctx ends. Port 0 disables it.
func serveWeb(ctx context.Context, port int, h http.Handler) error {
	if port == 0 {
		return nil
	}
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: h}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	log.Printf("web server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web: %w", err)
	}
	return nil
}
