// Package server exposes the live location feed over WebSocket and a small
// JSON API for configuration, history and status.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/bgloc/internal/config"
	"github.com/shaunagostinho/bgloc/internal/location"
	"github.com/shaunagostinho/bgloc/internal/provider"
	"github.com/shaunagostinho/bgloc/internal/store"
)

// Frame types.
const (
	FrameLocation   = "location"
	FrameStationary = "stationary"
	FrameError      = "error"
	FrameTone       = "tone"
	FrameConfig     = "config"
)

// History serves stored locations. *store.Store satisfies it.
type History interface {
	List(ctx context.Context, limit int) ([]store.Record, error)
	Last(ctx context.Context) (store.Record, error)
}

// StatusSource reports daemon state for /api/status.
type StatusSource interface {
	Status() Status
}

// Status is the /api/status payload.
type Status struct {
	Provider   string                `json:"provider"`
	ProviderID location.ProviderID   `json:"providerId"`
	Running    bool                  `json:"running"`
	ToneState  string                `json:"toneState"`
	Locations  int64                 `json:"locations"`
	Stationary int64                 `json:"stationary"`
	Errors     int64                 `json:"errors"`
	LastError  *provider.ErrorObject `json:"lastError,omitempty"`
	Sinks      []string              `json:"sinks"`
	StartedAt  time.Time             `json:"startedAt"`
	Clients    int                   `json:"clients"`
	Odo        *OdoData              `json:"odo,omitempty"`
}

// Server broadcasts frames to WebSocket clients and serves the API.
type Server struct {
	cfg     *config.Config
	history History
	status  StatusSource

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
	odo      *odometer

	lastMu sync.RWMutex
	last   *location.Location
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Type     string                `json:"type"`
	Location *location.Location    `json:"location,omitempty"`
	Error    *provider.ErrorObject `json:"error,omitempty"`
	Tone     *ToneFrame            `json:"tone,omitempty"`
	Config   json.RawMessage       `json:"config,omitempty"`
	Odo      *OdoData              `json:"odo,omitempty"`
	Stamp    int64                 `json:"stamp"` // Unix ms
}

// New creates a new Server. history and status may be nil.
func New(cfg *config.Config, history History, status StatusSource) *Server {
	odoPath := filepath.Join(filepath.Dir(cfg.Path()), "odometer.dat")
	if cfg.Path() == "" {
		odoPath = "/var/lib/bgloc/odometer.dat"
	}
	return &Server{
		cfg:     cfg,
		history: history,
		status:  status,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		odo: newOdometer(odoPath),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/locations", s.handleLocations)
	mux.HandleFunc("/api/locations/last", s.handleLast)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/odo/reset-trip", s.handleResetTrip)
	return mux
}

// Run serves HTTP until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Server.ListenAddr
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Persist odometer every 30 seconds
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.odo.save()
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.odo.save()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// BroadcastLocation sends a location or stationary frame and advances the
// odometer for moving fixes.
func (s *Server) BroadcastLocation(loc *location.Location) {
	typ := FrameLocation
	if loc.IsStationary() {
		typ = FrameStationary
	} else {
		s.odo.update(loc)
	}

	s.lastMu.Lock()
	s.last = loc
	s.lastMu.Unlock()

	s.broadcast(Frame{Type: typ, Location: loc, Odo: s.odo.snapshot(), Stamp: time.Now().UnixMilli()})
}

// BroadcastError sends a provider error frame.
func (s *Server) BroadcastError(e *provider.ErrorObject) {
	s.broadcast(Frame{Type: FrameError, Error: e, Stamp: time.Now().UnixMilli()})
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Odometer returns the current distance totals.
func (s *Server) Odometer() OdoData {
	return *s.odo.snapshot()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Send initial config + last known location before joining the broadcast set
	if cfgJSON, err := s.cfg.ToJSON(); err == nil {
		if data, err := json.Marshal(Frame{Type: FrameConfig, Config: cfgJSON, Odo: s.odo.snapshot(), Stamp: time.Now().UnixMilli()}); err == nil {
			client.send <- data
		}
	}
	s.lastMu.RLock()
	last := s.last
	s.lastMu.RUnlock()
	if last != nil {
		typ := FrameLocation
		if last.IsStationary() {
			typ = FrameStationary
		}
		if data, err := json.Marshal(Frame{Type: typ, Location: last, Stamp: time.Now().UnixMilli()}); err == nil {
			client.send <- data
		}
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", total)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			close(client.send)
			total := len(s.clients)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", total)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSONBytes(w, data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		// Broadcast updated config
		if cfgJSON, err := s.cfg.ToJSON(); err == nil {
			s.broadcast(Frame{Type: FrameConfig, Config: cfgJSON, Stamp: time.Now().UnixMilli()})
		}
		writeJSONBytes(w, []byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		http.Error(w, "location store disabled", http.StatusServiceUnavailable)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.history.List(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	writeJSON(w, recs)
}

func (s *Server) handleLast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.history != nil {
		rec, err := s.history.Last(r.Context())
		switch {
		case err == nil:
			writeJSON(w, rec)
			return
		case !errors.Is(err, store.ErrNotFound):
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	s.lastMu.RLock()
	last := s.last
	s.lastMu.RUnlock()
	if last == nil {
		http.Error(w, "no location yet", http.StatusNotFound)
		return
	}
	writeJSON(w, last)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var st Status
	if s.status != nil {
		st = s.status.Status()
	}
	st.Clients = s.ClientCount()
	st.Odo = s.odo.snapshot()
	writeJSON(w, st)
}

func (s *Server) handleResetTrip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.odo.resetTrip()
	s.odo.save()
	writeJSONBytes(w, []byte(`{"status":"ok"}`))
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSONBytes(w, data)
}

func writeJSONBytes(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
