package network

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"lansend/models"
	"lansend/security"
)

const (
	// maxJSONBody caps protocol JSON bodies.
	maxJSONBody = 1 << 20
	// maxChunkBody caps a single uploaded chunk.
	maxChunkBody = 32 << 20

	readTimeout = 30 * time.Second
	// writeTimeout must outlive the confirmation wait inside send-request.
	writeTimeout = 90 * time.Second
	idleTimeout  = 120 * time.Second
)

// ServerOptions configures the protocol listener.
type ServerOptions struct {
	Engine   *Engine
	Security *security.Store
	Metrics  *Metrics
	// Port to listen on. Zero picks an ephemeral port.
	Port   int
	UseTLS bool
	Logger *slog.Logger
}

// Server is the HTTPS surface peers talk to.
type Server struct {
	engine   *Engine
	security *security.Store
	metrics  *Metrics
	port     int
	useTLS   bool
	logger   *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds the listener around an engine.
func NewServer(options ServerOptions) (*Server, error) {
	if options.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if options.UseTLS && options.Security == nil {
		return nil, errors.New("security store is required for tls")
	}
	if options.Port < 0 || options.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", options.Port)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	return &Server{
		engine:   options.Engine,
		security: options.Security,
		metrics:  options.Metrics,
		port:     options.Port,
		useTLS:   options.UseTLS,
		logger:   options.Logger,
	}, nil
}

// Start binds the port and serves in the background.
func (s *Server) Start() error {
	address := fmt.Sprintf(":%d", s.port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}

	if s.useTLS {
		tlsConfig, err := security.ServerTLSConfig(s.security)
		if err != nil {
			_ = listener.Close()
			return err
		}
		listener = tls.NewListener(listener, tlsConfig)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped", "error", err)
		}
	}()

	s.logger.Info("server listening", "address", listener.Addr().String(), "tls", s.useTLS)
	return nil
}

// Port returns the bound port, which differs from the configured one when
// an ephemeral port was requested.
func (s *Server) Port() int {
	if s.listener == nil {
		return s.port
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return s.port
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(s.requestLogger)

	router.Get(RouteInfo, s.handleInfo)
	router.Get(RouteRegister, s.handleInfo)
	router.Post(RouteRegister, s.handleRegister)
	router.Post(RouteSendRequest, s.handleSendRequest)
	router.Post(RouteUpload, s.handleUpload)
	router.Post(RouteCancel, s.handleCancel)
	router.Post(RouteConnect, s.handleConnect)
	if s.metrics != nil {
		router.Method(http.MethodGet, RouteMetrics, s.metrics.Handler())
	}
	return router
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.LocalInfo())
}

// handleRegister answers like the info route but also records the caller,
// which announces itself in the request body.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var device models.DeviceInfo
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&device); err == nil && device.DeviceID != "" {
		device.IPAddress = remoteIP(r.RemoteAddr)
		s.engine.UpsertDevice(device)
	}
	s.writeJSON(w, http.StatusOK, s.engine.LocalInfo())
}

func (s *Server) handleSendRequest(w http.ResponseWriter, r *http.Request) {
	var body SendRequestBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed send request")
		return
	}

	response, err := s.engine.HandleSendRequest(r.Context(), r.RemoteAddr, body)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sessionID := query.Get("session_id")
	fileID := query.Get("file_id")
	token := query.Get("token")
	chunkIndex, err := strconv.Atoi(query.Get("chunk_index"))
	if sessionID == "" || fileID == "" || err != nil {
		s.writeError(w, http.StatusBadRequest, "missing upload parameters")
		return
	}

	chunk, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable chunk body")
		return
	}

	if err := s.engine.HandleUpload(sessionID, fileID, chunkIndex, token, chunk); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleCancel acknowledges regardless of whether the session is known: the
// peer only needs to know we heard it.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body CancelRequestBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&body); err == nil && body.TransferID != "" {
		s.engine.HandleCancel(body.TransferID)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var body ConnectRequestBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed connect request")
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.HandleConnect(r.RemoteAddr, body))
}

// writeEngineError maps engine sentinels onto protocol status codes. Policy
// refusals are 403, contract violations 400, the rest 500.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionBusy),
		errors.Is(err, ErrRejected),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrUnknownSession),
		errors.Is(err, ErrSessionClosed):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrBadChunk), errors.Is(err, ErrBadRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"message": message})
}

// responseWriter captures the status and size for the request log.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(data []byte) (int, error) {
	n, err := w.ResponseWriter.Write(data)
	w.written += int64(n)
	return n, err
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		level := slog.LevelInfo
		switch {
		case wrapped.statusCode >= 500:
			level = slog.LevelError
		case wrapped.statusCode >= 400:
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"bytes", wrapped.written,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}
