// ABOUTME: HTTP front end for the webhook surface
// ABOUTME: Serves the health check and POST /post/{token} delivery endpoint

package hook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// tokenPattern is the only shape of token the route accepts.
var tokenPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// maxUploadSize bounds multipart parsing memory (32 MiB).
const maxUploadSize = 32 << 20

// Server is the thin HTTP layer in front of the delivery pipeline.
type Server struct {
	pipeline *Pipeline
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates the webhook HTTP server listening on the given port.
func NewServer(port int, pipeline *Pipeline, logger *slog.Logger) *Server {
	s := &Server{
		pipeline: pipeline,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleIndex)
	mux.HandleFunc("POST /post/{token}", s.handlePost)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server listening", "addr", s.server.Addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down webhook server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("webhook server failed: %w", err)
	}
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	setCORSHeaders(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	token := r.PathValue("token")
	logger := s.logger.With("request_id", requestID)

	// Tokens outside the route's character set are indistinguishable
	// from unknown tokens.
	if !tokenPattern.MatchString(token) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Token mismatch"})
		return
	}

	// The token is resolved before the body is read: an unregistered
	// token gets the mismatch answer even when its body is garbage.
	if !s.pipeline.Recognizes(token) {
		logger.Error("webhook token is not recognized", "token", token)
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Token mismatch"})
		return
	}

	req, err := s.parseRequest(r)
	if err != nil {
		logger.Error("failed to read webhook request", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Malformed request body"})
		return
	}
	req.Token = token

	logger.Debug("webhook request received",
		"token", token,
		"multipart", req.Multipart,
		"bytes", len(req.Body))

	result := s.pipeline.Handle(r.Context(), req)
	switch result.Status {
	case StatusSent:
		setCORSHeaders(w)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	case StatusImageSent:
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"sent_as":  "image",
			"filename": result.Filename,
		})
	case StatusTokenMismatch:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Token mismatch"})
	case StatusNoFile:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "No file field"})
	case StatusBadFormat:
		writeJSON(w, http.StatusUnsupportedMediaType,
			map[string]any{"error": "Gateway configured with unknown message format"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Failed to send message"})
	}
}

// parseRequest translates the HTTP request into a pipeline Request,
// extracting the file field for multipart bodies.
func (s *Server) parseRequest(r *http.Request) (Request, error) {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)

	if strings.HasPrefix(mediaType, "multipart/") {
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			return Request{}, fmt.Errorf("parsing multipart form: %w", err)
		}
		req := Request{Multipart: true}

		file, header, err := r.FormFile("image")
		if err != nil {
			file, header, err = r.FormFile("file")
		}
		if err != nil {
			// No usable file field; the pipeline answers 400.
			return req, nil
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return Request{}, fmt.Errorf("reading uploaded file: %w", err)
		}

		req.Upload = &Upload{
			Data:     data,
			Filename: header.Filename,
			Mimetype: header.Header.Get("Content-Type"),
			Caption:  r.FormValue("caption"),
		}
		return req, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return Request{}, fmt.Errorf("reading request body: %w", err)
	}
	return Request{Body: body}, nil
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
