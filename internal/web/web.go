// Package web serves the status API: health, refresh state, manual refresh,
// battery and a PNG of the last frame.
package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"epdagenda/internal/battery"
	"epdagenda/internal/config"
	appLog "epdagenda/internal/log"
	"epdagenda/internal/refresh"
)

const shutdownTimeout = 5 * time.Second

// Loop is the render loop as seen by the API.
type Loop interface {
	Snapshot() refresh.Snapshot
	RequestRefresh(full bool)
}

// Previewer renders the last frame as PNG.
type Previewer interface {
	WritePNG(w io.Writer) error
}

type Server struct {
	listen  string
	auth    *config.BasicAuthConfig
	loop    Loop
	preview Previewer
	battery battery.Reader
	started time.Time
	mux     *http.ServeMux
}

// NewServer wires the handlers. preview and batt may be nil.
func NewServer(listen string, auth *config.BasicAuthConfig, loop Loop, preview Previewer, batt battery.Reader) *Server {
	if batt == nil {
		batt = battery.None{}
	}
	s := &Server{
		listen:  listen,
		auth:    auth,
		loop:    loop,
		preview: preview,
		battery: batt,
		started: time.Now(),
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/battery", s.handleBattery)
	s.mux.HandleFunc("GET /preview.png", s.handlePreview)
}

// Handler returns the mux, behind basic auth when configured.
func (s *Server) Handler() http.Handler {
	if s.auth != nil && s.auth.Username != "" && s.auth.Password != "" {
		return s.basicAuth(s.mux)
	}
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("status api listening", "listen", "http://"+s.listen, "auth", s.auth != nil)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("status api stopped")
	return nil
}

// basicAuth protects everything except /health.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	user, pass := s.auth.Username, s.auth.Password
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, user) || !secureCompare(p, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="epdagenda", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

type statusResponse struct {
	refresh.Snapshot
	UptimeSeconds int64 `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Snapshot:      s.loop.Snapshot(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	full := r.URL.Query().Get("full") == "1" || r.URL.Query().Get("full") == "true"
	s.loop.RequestRefresh(full)
	appLog.Info("refresh requested via api", "full", full, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "full": full})
}

func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	st, err := s.battery.Read(r.Context())
	switch {
	case errors.Is(err, battery.ErrUnavailable):
		writeError(w, http.StatusNotFound, "no battery configured")
	case err != nil:
		appLog.Error("battery read failed", err)
		writeError(w, http.StatusServiceUnavailable, "failed to read battery")
	default:
		writeJSON(w, http.StatusOK, st)
	}
}

func (s *Server) handlePreview(w http.ResponseWriter, _ *http.Request) {
	if s.preview == nil {
		writeError(w, http.StatusNotFound, "preview disabled")
		return
	}
	var buf bytes.Buffer
	if err := s.preview.WritePNG(&buf); err != nil {
		writeError(w, http.StatusServiceUnavailable, "no frame rendered yet")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("write json failed", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
