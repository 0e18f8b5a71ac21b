package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yansir/accounts-proxy/internal/events"
)

// debugServer is an optional loopback HTTP listener exposing health, metrics,
// recent events, and recent log lines. It is never the daemon's primary
// surface; the unix socket stays authoritative.
type debugServer struct {
	srv *http.Server
}

func (s *Server) startDebug() *debugServer {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /debug/events", s.handleDebugEvents)

	mux.HandleFunc("GET /debug/logs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var lines []events.LogLine
		if s.logs != nil {
			lines = s.logs.Recent()
		}
		json.NewEncoder(w).Encode(lines)
	})

	d := &debugServer{srv: &http.Server{
		Addr:        s.cfg.DebugAddr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}}
	go func() {
		slog.Info("debug listener starting", "addr", s.cfg.DebugAddr)
		if err := d.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("debug listener failed", "error", err)
		}
	}()
	return d
}

// handleDebugEvents dumps recent events, or streams them as ndjson when
// ?follow is present.
func (s *Server) handleDebugEvents(w http.ResponseWriter, r *http.Request) {
	if !r.URL.Query().Has("follow") {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.bus.Recent())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusNotImplemented)
		return
	}
	id, ch, recent := s.bus.Subscribe()
	defer s.bus.Unsubscribe(id)

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, e := range recent {
		enc.Encode(e)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			enc.Encode(e)
			flusher.Flush()
		}
	}
}

func (d *debugServer) close() {
	d.srv.Close()
}
