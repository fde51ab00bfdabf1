package webhook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/liveswap/internal/config"
)

const (
	// maxBodySize caps inbound webhook payloads. Deployment notifications
	// are small; anything near this limit is not one.
	maxBodySize = 1 << 20 // 1 MB

	// dispatchGrace is how long the handler waits for the deployment before
	// answering 202. Long enough to surface immediate configuration errors,
	// short enough to stay inside the host's delivery timeout (~10s).
	dispatchGrace = 500 * time.Millisecond

	signatureHeader = "X-Hub-Signature-256"
	eventTypeHeader = "X-GitHub-Event"
)

// Server receives deployment notifications, validates them, and hands
// validated requests to the deploy runner.
type Server struct {
	cfg    *config.Config
	runner DeployRunner
	logger *slog.Logger
	server *http.Server
}

// New creates a new webhook server instance.
func New(cfg *config.Config, runner DeployRunner, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		runner: runner,
		logger: logger,
	}
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.cfg.Listen, "repositories", len(s.cfg.Repositories))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// All methods route to the handler so non-POST answers 405, not 404.
	r.Handle("/webhook", http.HandlerFunc(s.handleWebhook))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.respond(w, http.StatusOK, "ok")
	})

	return r
}

// loggingMiddleware logs HTTP requests (excludes sensitive payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleWebhook handles one inbound delivery end to end: request-shape
// checks, the validation pipeline, then asynchronous dispatch raced against
// a short grace timer.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respond(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		s.respond(w, http.StatusUnsupportedMediaType, "unsupported content type")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		s.respond(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > maxBodySize {
		s.respond(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	eventType := r.Header.Get(eventTypeHeader)
	signature := r.Header.Get(signatureHeader)

	outcome, reqErr := Validate(s.cfg, eventType, signature, body)
	if reqErr != nil {
		s.logger.Warn("webhook rejected",
			"status", reqErr.Status,
			"reason", reqErr.Message,
			"event", eventType,
		)
		s.respond(w, reqErr.Status, reqErr.Message)
		return
	}
	if outcome.Ignored != "" {
		s.respond(w, http.StatusOK, outcome.Ignored)
		return
	}

	req := outcome.Request
	s.logger.Info("deployment accepted",
		"repo", req.Repo,
		"environment", req.Environment,
		"deployment_id", req.DeploymentID,
		"sha", req.SHA,
		"delivery_id", req.DeliveryID,
	)

	// The deployment outlives this request: it runs on a detached context
	// and answers 202 once the grace timer fires. If it fails inside the
	// grace window (typically configuration errors), the caller gets the
	// failure synchronously.
	result := make(chan error, 1)
	go func() {
		result <- s.runner.Run(context.Background(), req)
	}()

	select {
	case err := <-result:
		if err != nil {
			s.logger.Error("deployment failed", "delivery_id", req.DeliveryID, "error", err)
			s.respond(w, http.StatusInternalServerError, "deployment failed")
			return
		}
		s.respond(w, http.StatusOK, "deployment complete")
	case <-time.After(dispatchGrace):
		s.respond(w, http.StatusAccepted, "deployment running")
	}
}

// respond writes a plain-text status line.
func (s *Server) respond(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintln(w, message)
}
