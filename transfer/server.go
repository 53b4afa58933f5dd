package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lantransfer/logging"
)

const (
	// HeaderRequestID carries the transfer request ID on the byte stream.
	HeaderRequestID = "X-Request-ID"
	// HeaderFilename carries the URL-quoted filename on the byte stream.
	HeaderFilename = "X-Filename"

	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 3 * time.Second

	// receiveBufferSize is the read granularity for inbound byte streams and
	// the cadence of receive progress callbacks.
	receiveBufferSize = 32 * 1024
)

// ServerConfig configures the embedded receiver service.
type ServerConfig struct {
	// Port is the TCP port to listen on. Zero picks an ephemeral port,
	// which tests rely on.
	Port int

	// SaveDir is where accepted files land. Created on demand.
	SaveDir string

	// RequestExpiry bounds how long an unanswered request stays pending.
	RequestExpiry time.Duration

	// JanitorInterval is how often expired pending requests are swept.
	JanitorInterval time.Duration

	// ShutdownTimeout bounds Stop.
	ShutdownTimeout time.Duration

	// OnTransferRequest fires when a sender proposes a transfer. The host
	// application answers later via Confirm (or the /transfer_confirm
	// endpoint when the decision is relayed from another process).
	OnTransferRequest func(request TransferRequest)

	// OnReceiveProgress fires as bytes arrive, roughly once per read buffer.
	OnReceiveProgress func(request TransferRequest, received, total int64)

	// OnFileReceived fires after a stream completed and the file is in
	// place. size is the byte count actually written, which a lying sender
	// can make differ from the announced FileSize.
	OnFileReceived func(request TransferRequest, path string, size int64)

	// Now overrides the clock in tests.
	Now func() time.Time
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.RequestExpiry <= 0 {
		c.RequestExpiry = DefaultRequestExpiry
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = DefaultJanitorInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SaveDir) == "" {
		return errors.New("save directory is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// Server is the always-on receiver side of the transfer protocol. It owns
// the pending-request store and the HTTP listener.
type Server struct {
	config ServerConfig
	store  *RequestStore
	logger zerolog.Logger

	httpServer *http.Server
	listener   net.Listener

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer creates a receiver service. Call Start to begin listening.
func NewServer(config ServerConfig) (*Server, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	server := &Server{
		config: cfg,
		store:  NewRequestStore(cfg.RequestExpiry, cfg.Now),
		logger: logging.Default().With().Str("component", "transfer_server").Logger(),
		closed: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/transfer_request", server.handleTransferRequest)
	mux.HandleFunc("/transfer_confirm", server.handleTransferConfirm)
	mux.HandleFunc("/transfer_status", server.handleTransferStatus)
	mux.HandleFunc("/transfer", server.handleTransferData)
	server.httpServer = &http.Server{Handler: mux}

	return server, nil
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.config.Port, err)
	}
	s.listener = listener

	s.wg.Add(2)
	go s.serveLoop()
	go s.janitorLoop()

	s.logger.Info().Int("port", s.Port()).Str("save_dir", s.config.SaveDir).Msg("transfer server started")
	return nil
}

// Port returns the bound TCP port, useful when Port was zero.
func (s *Server) Port() int {
	if s.listener == nil {
		return s.config.Port
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return s.config.Port
}

// Confirm records the local user's decision for a pending request.
func (s *Server) Confirm(requestID string, accepted bool) error {
	return s.store.Confirm(requestID, accepted)
}

// Request returns the stored request for an ID.
func (s *Server) Request(requestID string) (TransferRequest, error) {
	return s.store.Get(requestID)
}

// Stop shuts the server down, waiting up to ShutdownTimeout for in-flight
// requests to drain.
func (s *Server) Stop() error {
	var stopErr error
	s.closeOnce.Do(func() {
		close(s.closed)

		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			stopErr = fmt.Errorf("shutdown transfer server: %w", err)
		}
		s.wg.Wait()
		s.logger.Info().Msg("transfer server stopped")
	})
	return stopErr
}

func (s *Server) serveLoop() {
	defer s.wg.Done()

	err := s.httpServer.Serve(s.listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error().Err(err).Msg("transfer server failed")
	}
}

func (s *Server) janitorLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if evicted := s.store.SweepExpired(); len(evicted) > 0 {
				s.logger.Debug().Int("count", len(evicted)).Msg("evicted expired transfer requests")
			}
		}
	}
}

type transferRequestBody struct {
	Filename   string `json:"filename"`
	FileSize   int64  `json:"file_size"`
	SenderName string `json:"sender_name"`
	SenderID   string `json:"sender_id"`
	SenderPort int    `json:"sender_port"`
}

type transferConfirmBody struct {
	RequestID string `json:"request_id"`
	Accepted  bool   `json:"accepted"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleTransferRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body transferRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Filename) == "" || body.FileSize < 0 || strings.TrimSpace(body.SenderID) == "" {
		writeJSONError(w, http.StatusBadRequest, "filename, file_size and sender_id are required")
		return
	}

	// The sender's address comes from the socket, not the body; a peer
	// cannot claim someone else's IP.
	senderIP := remoteIP(r)

	request := s.store.Add(filepath.Base(body.Filename), body.FileSize, body.SenderName, body.SenderID, senderIP, body.SenderPort)

	s.logger.Info().
		Str("request_id", request.RequestID).
		Str("filename", request.Filename).
		Int64("file_size", request.FileSize).
		Str("sender", request.SenderName).
		Str("sender_ip", request.SenderIP).
		Msg("inbound transfer request")

	if s.config.OnTransferRequest != nil {
		s.config.OnTransferRequest(request)
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     string(StatusPending),
		"request_id": request.RequestID,
		"message":    "awaiting receiver confirmation",
	})
}

func (s *Server) handleTransferConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body transferConfirmBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RequestID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.store.Confirm(body.RequestID, body.Accepted); err != nil {
		writeRequestError(w, err)
		return
	}

	request, err := s.store.Get(body.RequestID)
	if err != nil {
		writeRequestError(w, err)
		return
	}

	s.logger.Info().
		Str("request_id", body.RequestID).
		Bool("accepted", body.Accepted).
		Msg("transfer request decided")

	accepted := request.Status == StatusAccepted
	message := "transfer rejected"
	if accepted {
		message = "transfer accepted"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     string(request.Status),
		"accepted":   accepted,
		"message":    message,
		"request_id": request.RequestID,
	})
}

func (s *Server) handleTransferStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		writeJSONError(w, http.StatusBadRequest, "request_id is required")
		return
	}

	request, err := s.store.Get(requestID)
	if err != nil {
		writeRequestError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"request_id": request.RequestID,
		"status":     string(request.Status),
	})
}

func (s *Server) handleTransferData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+HeaderRequestID+" header")
		return
	}

	request, err := s.store.Get(requestID)
	if err != nil {
		// An unknown or expired ID on the data path is a protocol violation,
		// not a lookup miss; the sender skipped the handshake.
		writeJSONError(w, http.StatusBadRequest, "unknown transfer request")
		return
	}
	if request.Status != StatusAccepted {
		writeJSONError(w, http.StatusForbidden, "transfer request not accepted")
		return
	}

	filename := request.Filename
	if quoted := r.Header.Get(HeaderFilename); quoted != "" {
		if unquoted, err := url.QueryUnescape(quoted); err == nil && unquoted != "" {
			filename = unquoted
		}
	}

	path, received, err := s.receiveFile(r.Body, request, filename)
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", requestID).Msg("receive failed")
		s.store.Remove(requestID)
		writeJSONError(w, http.StatusInternalServerError, "receive failed")
		return
	}

	s.store.Remove(requestID)
	s.logger.Info().
		Str("request_id", requestID).
		Str("path", path).
		Int64("size", received).
		Msg("file received")

	if s.config.OnFileReceived != nil {
		s.config.OnFileReceived(request, path, received)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "received",
		"path":     path,
		"filename": filepath.Base(path),
		"size":     received,
	})
}

// receiveFile streams the request body to disk and returns the destination
// path with the byte count actually written. On any error the partial file
// is deleted so an interrupted transfer leaves nothing behind.
func (s *Server) receiveFile(body io.Reader, request TransferRequest, filename string) (string, int64, error) {
	if err := os.MkdirAll(s.config.SaveDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create save directory: %w", err)
	}

	file, path, err := createUnique(s.config.SaveDir, filepath.Base(filename))
	if err != nil {
		return "", 0, err
	}

	var received int64
	buffer := make([]byte, receiveBufferSize)
	for {
		n, readErr := body.Read(buffer)
		if n > 0 {
			if _, writeErr := file.Write(buffer[:n]); writeErr != nil {
				_ = file.Close()
				_ = os.Remove(path)
				return "", 0, fmt.Errorf("write destination file: %w", writeErr)
			}
			received += int64(n)
			if s.config.OnReceiveProgress != nil {
				s.config.OnReceiveProgress(request, received, request.FileSize)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = file.Close()
			_ = os.Remove(path)
			return "", 0, fmt.Errorf("read transfer stream: %w", readErr)
		}
	}

	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("close destination file: %w", err)
	}
	return path, received, nil
}

func writeRequestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRequestNotFound):
		writeJSONError(w, http.StatusNotFound, "transfer request not found")
	case errors.Is(err, ErrRequestExpired):
		writeJSONError(w, http.StatusGone, "transfer request expired")
	case errors.Is(err, ErrDecisionConflict):
		writeJSONError(w, http.StatusConflict, "transfer request already decided")
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"status":  "error",
		"message": message,
	})
}

// createUnique opens a fresh destination file, appending _1, _2, ... before
// the extension until a name is free. Creation uses O_EXCL, so when two
// concurrent streams race for the same name the loser moves on to the next
// suffix instead of failing.
func createUnique(dir, filename string) (*os.File, string, error) {
	if filename == "" || filename == "." {
		filename = "file.bin"
	}
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)

	for i := 0; ; i++ {
		name := filename
		if i > 0 {
			name = stem + "_" + strconv.Itoa(i) + ext
		}
		path := filepath.Join(dir, name)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return file, path, nil
		}
		if !os.IsExist(err) {
			return nil, "", fmt.Errorf("create destination file: %w", err)
		}
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
