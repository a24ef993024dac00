package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"votesync/api/internal/jobs"
	"votesync/api/internal/metrics"
)

type HTTPServer struct {
	service        *Service
	corsOrigin     string
	functionSecret string
	logger         zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin, functionSecret string, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		service:        service,
		corsOrigin:     corsOrigin,
		functionSecret: strings.TrimSpace(functionSecret),
		logger:         logger,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		metrics.Handler().ServeHTTP(w, r)
		return
	}

	switch r.URL.Path {
	case "/functions/votes-backfill":
		if !s.allowTrigger(w, r) {
			return
		}
		s.handleBackfill(w, r)
		return
	case "/functions/votes-daily":
		if !s.allowTrigger(w, r) {
			return
		}
		s.handleDaily(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleBackfill(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	params := jobs.BackfillParams{
		Force:    query.Get("force") == "true",
		Limit:    queryInt(query.Get("limit")),
		Offset:   queryInt(query.Get("offset")),
		PageSize: queryInt(query.Get("page_size")),
	}

	summary, err := s.service.RunBackfill(r.Context(), params)
	if err != nil {
		s.handleError(w, r, "votes-backfill", err)
		return
	}
	writeJSON(w, summaryStatus(summary.Partial()), summary)
}

func (s *HTTPServer) handleDaily(w http.ResponseWriter, r *http.Request) {
	params := jobs.DailyParams{Since: r.URL.Query().Get("since")}

	summary, err := s.service.RunDaily(r.Context(), params)
	if err != nil {
		s.handleError(w, r, "votes-daily", err)
		return
	}
	writeJSON(w, summaryStatus(summary.Partial()), summary)
}

// allowTrigger enforces the method and shared-secret rules of the function
// endpoints and writes the rejection itself.
func (s *HTTPServer) allowTrigger(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return false
	}
	if s.functionSecret == "" {
		return true
	}
	token := bearerToken(r)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.functionSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return false
	}
	return true
}

func (s *HTTPServer) handleError(w http.ResponseWriter, r *http.Request, function string, err error) {
	status, code, message, details := mapError(err)
	event := s.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.Err(err).
		Str("function", function).
		Str("request_id", requestIDFrom(r.Context())).
		Int("status", status).
		Msg("Function run failed")
	writeError(w, status, code, message, details)
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type, x-request-id")
	header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	header.Set("Access-Control-Expose-Headers", "X-Request-ID")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// queryInt reads a non-negative integer parameter; anything else reads as 0.
func queryInt(raw string) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func summaryStatus(partial bool) int {
	if partial {
		return http.StatusMultiStatus
	}
	return http.StatusOK
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, jobs.ErrMissingCredentials):
		return http.StatusInternalServerError, "MISSING_CREDENTIALS", "Missing required environment variables", nil
	case errors.Is(err, jobs.ErrNoEligibleBills):
		return http.StatusPreconditionFailed, "NO_ELIGIBLE_BILLS", "No bills with an OpenStates id to backfill", nil
	case errors.Is(err, jobs.ErrInvalidSince):
		return http.StatusBadRequest, "INVALID_SINCE", err.Error(), nil
	case errors.Is(err, jobs.ErrJobLocked):
		return http.StatusConflict, "JOB_LOCKED", "Another run is in progress", nil
	case errors.Is(err, context.Canceled):
		return 499, "CANCELED", "Request canceled", nil
	}
	return http.StatusInternalServerError, "RUN_FAILED", err.Error(), nil
}
