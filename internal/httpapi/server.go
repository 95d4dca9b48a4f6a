// Package httpapi exposes the viewer session over HTTP and a websocket event
// stream.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/goodtune/livestat/internal/gate"
	"github.com/goodtune/livestat/internal/poll"
	"github.com/goodtune/livestat/internal/provider"
	"github.com/goodtune/livestat/internal/storage"
	"github.com/goodtune/livestat/internal/token"
	"github.com/goodtune/livestat/internal/viewer"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 512

	maxFavoritesBody = 1 << 20
)

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr      string
	RateLimit       int
	RateLimitWindow time.Duration
	AllowedOrigins  []string
}

// Server serves the viewer API.
type Server struct {
	config   Config
	session  *viewer.Session
	router   *mux.Router
	handler  http.Handler
	server   *http.Server
	limiter  *RateLimiter
	upgrader websocket.Upgrader
	listener net.Listener
	logger   zerolog.Logger
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// NewServer builds the router for session.
func NewServer(config Config, session *viewer.Session, logger zerolog.Logger) *Server {
	s := &Server{
		config:  config,
		session: session,
		router:  mux.NewRouter(),
		logger:  logger.With().Str("component", "httpapi").Logger(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupRoutes()

	// CORS wraps the router so preflight requests reach it before method matching
	s.handler = CORSMiddleware(config.AllowedOrigins)(s.router)

	s.server = &http.Server{
		Addr:         config.ListenAddr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	if s.config.RateLimit > 0 && s.config.RateLimitWindow > 0 {
		s.limiter = NewRateLimiter(s.config.RateLimit, s.config.RateLimitWindow)
		s.router.Use(RateLimitMiddleware(s.limiter))
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/view/{subject}", s.handleView).Methods("GET")
	s.router.HandleFunc("/ws", s.handleEvents).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/compare/{subject}", s.handleCompare).Methods("POST")
	api.HandleFunc("/compare", s.handleGetComparison).Methods("GET")
	api.HandleFunc("/compare", s.handleStopComparison).Methods("DELETE")
	api.HandleFunc("/slots", s.handleSlots).Methods("GET")
	api.HandleFunc("/usage", s.handleUsage).Methods("GET")
	api.HandleFunc("/reset", s.handleReset).Methods("POST")
	api.HandleFunc("/search", s.handleSearch).Methods("GET")
	api.HandleFunc("/favorites/{user}", s.handleGetFavorites).Methods("GET")
	api.HandleFunc("/favorites/{user}", s.handlePutFavorites).Methods("PUT")
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetListener makes Start serve on an inherited listener.
func (s *Server) SetListener(l net.Listener) {
	s.listener = l
}

// Start begins serving in the background.
func (s *Server) Start() error {
	l := s.listener
	if l == nil {
		var err error
		l, err = net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.config.ListenAddr, err)
		}
	}

	s.logger.Info().Str("addr", l.Addr().String()).Msg("Starting HTTP server")

	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server. Hijacked websocket connections end when
// the session closes their subscriptions.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP server")

	s.Close()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// Close releases background resources without touching the listener.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"halted": s.session.Halted(),
	})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["subject"]
	query := r.URL.Query()

	req := viewer.ViewRequest{SubjectID: subject}
	if token.HasCredentials(query) {
		creds, err := token.FromValues(query, subject)
		if err != nil {
			s.logger.Debug().Err(err).Str("subject", subject).Msg("Malformed credentials")
			writeJSON(w, http.StatusForbidden, errorResponse{
				Error:  "not authorized",
				Reason: gate.ReasonMismatch.Message(),
			})
			return
		}
		req.Credentials = &creds
	}

	result, err := s.session.View(r.Context(), req)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	if result.StripCredentials {
		target := url.URL{Path: "/view/" + subject, RawQuery: token.StripCredentials(query).Encode()}
		http.Redirect(w, r, target.String(), http.StatusSeeOther)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	state, err := s.session.Compare(r.Context(), mux.Vars(r)["subject"])
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleGetComparison(w http.ResponseWriter, r *http.Request) {
	cmp, ok := s.session.Comparison()
	if !ok {
		writeError(w, http.StatusNotFound, "comparison not available")
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *Server) handleStopComparison(w http.ResponseWriter, r *http.Request) {
	drop := r.URL.Query().Get("clear") == "true"
	if err := s.session.StopComparison(drop); err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Slots())
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Usage())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Reset(r.Context()); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Usage())
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	results, err := s.session.Search(r.Context(), q)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleGetFavorites(w http.ResponseWriter, r *http.Request) {
	favorites, err := s.session.Favorites(r.Context(), mux.Vars(r)["user"])
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, favorites)
}

func (s *Server) handlePutFavorites(w http.ResponseWriter, r *http.Request) {
	var favorites []storage.Favorite
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFavoritesBody)).Decode(&favorites); err != nil {
		writeError(w, http.StatusBadRequest, "invalid favorites body")
		return
	}

	if err := s.session.SaveFavorites(r.Context(), mux.Vars(r)["user"], favorites); err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams session events to a websocket client. Only this
// goroutine writes to the connection.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := s.session.Subscribe()
	defer unsubscribe()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, slot := range s.session.Slots() {
		if err := writeEvent(conn, viewer.Event{Type: viewer.EventSlot, Slot: &slot}); err != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				s.logger.Debug().Err(err).Msg("Websocket write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev viewer.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(ev)
}

// checkOrigin accepts same-host pages, non-browser clients and configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || originAllowed(s.config.AllowedOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// writeSessionError maps session and gate errors onto HTTP statuses.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	var denied *gate.NotAuthorizedError
	var status *provider.StatusError

	switch {
	case errors.As(err, &denied):
		writeJSON(w, http.StatusForbidden, errorResponse{
			Error:  "not authorized",
			Reason: denied.Reason.Message(),
		})
	case errors.Is(err, gate.ErrNoCredentials), errors.Is(err, viewer.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not authorized")
	case errors.Is(err, viewer.ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, "daily usage quota exceeded")
	case errors.Is(err, viewer.ErrNoSubject):
		writeError(w, http.StatusBadRequest, "subject is required")
	case errors.Is(err, storage.ErrDuplicateFavorite):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, gate.ErrReplayCacheFull):
		s.logger.Warn().Err(err).Msg("Replay cache saturated, refusing new codes")
		writeError(w, http.StatusServiceUnavailable, "too many recent authorizations, retry later")
	case errors.Is(err, poll.ErrEngineClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	case errors.As(err, &status), errors.Is(err, provider.ErrMalformedPayload):
		s.logger.Warn().Err(err).Msg("Provider request failed")
		writeError(w, http.StatusBadGateway, "provider unavailable")
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, errorResponse{Error: message})
}
