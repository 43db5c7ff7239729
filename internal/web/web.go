package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wkserver/internal/config"
	appLog "wkserver/internal/log"
	"wkserver/internal/protocol"
)

// Server serves the WebSocket endpoint for wall-calendar clients plus a few
// plain HTTP endpoints for operators.
//
//	/              WebSocket upgrade, one protocol.Dispatcher per connection
//	/health        always unauthenticated
//	/api/calendars calendar status as JSON
//	/metrics       Prometheus
type Server struct {
	cfg      *config.Config
	engine   protocol.Engine
	hub      *Hub
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	srv      *http.Server
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, engine protocol.Engine) *Server {
	s := &Server{
		cfg:    cfg,
		engine: engine,
		hub:    NewHub(),
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients are served from elsewhere; every call carries
			// the api key instead.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	s.srv = &http.Server{
		Addr:              cfg.Listen(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Hub exposes the open-connection set.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled for /api and /metrics")
		return s.basicAuthMiddleware(h)
	}
	return h
}

// ListenAndServe blocks serving cfg.Listen(), with TLS when a certificate
// is configured. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	var err error
	if s.cfg.TLSEnabled() {
		appLog.Info("starting WebSocket server", "listen", "wss://"+s.srv.Addr, "public_url", s.cfg.WebSocket.URL)
		err = s.srv.ListenAndServeTLS(s.cfg.TLS.Cert, s.cfg.TLS.Key)
	} else {
		appLog.Info("starting WebSocket server", "listen", "ws://"+s.srv.Addr, "public_url", s.cfg.WebSocket.URL)
		err = s.srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown disconnects every client and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	return s.srv.Shutdown(ctx)
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password means disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware protects everything but /health and the WebSocket
// endpoint, which authenticates calls with the api key.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="WKServer", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/calendars", s.handleCalendars)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/", s.handleWebSocket)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleCalendars returns the bound state and current events of every
// configured calendar.
func (s *Server) handleCalendars(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Calendars())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, http.StatusBadRequest, "websocket upgrade required")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		appLog.Warn("web: websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := newConn(ws, s.hub, r.RemoteAddr)
	if !s.hub.add(c) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}
	appLog.Info("client connected", "conn", c.id, "remote", c.remote)

	go c.writePump()
	d := protocol.NewDispatcher(s.engine, c, s.cfg.WebSocket.APIKey)
	d.OnConnect()
	c.readPump(d)
	d.OnDisconnect()
	s.hub.remove(c)
	appLog.Info("client disconnected", "conn", c.id, "remote", c.remote)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
