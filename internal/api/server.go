// Package api exposes the sync engine over HTTP: triggering jobs, reading
// run audits and downloading exports.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hostsync/internal/config"
	"hostsync/internal/database"
	"hostsync/internal/export"
	"hostsync/internal/metrics"
	"hostsync/internal/models"
	"hostsync/internal/service"

	"github.com/rs/zerolog"
)

// SyncRunner triggers one sync job. Satisfied by *service.Service.
type SyncRunner interface {
	Run(ctx context.Context, opts service.Options) (*service.Result, error)
}

type Server struct {
	cfg      config.APIConfig
	db       *database.DB
	runner   SyncRunner
	exporter *export.Exporter
	auth     *Auth
	server   *http.Server
	logger   zerolog.Logger
}

func NewServer(cfg config.APIConfig, db *database.DB, runner SyncRunner, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	srv := &Server{
		cfg:      cfg,
		db:       db,
		runner:   runner,
		exporter: export.New(db),
		auth:     NewAuth(cfg),
		logger:   logger.With().Str("component", "api").Logger(),
	}

	mux.HandleFunc("/api/v1/sync", srv.handleSync)
	mux.HandleFunc("/api/v1/runs", srv.handleRuns)
	mux.HandleFunc("/api/v1/runs/", srv.handleRunItems)
	mux.HandleFunc("/api/v1/export", srv.handleExport)
	mux.HandleFunc("/api/v1/staging", srv.handleStaging)
	mux.HandleFunc("/api/v1/staging/", srv.handleStagingResolve)
	mux.HandleFunc("/healthz", srv.handleHealth)

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return srv
}

func (s *Server) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("http api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the configured handler chain. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("sync")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var opts service.Options
	if r.Body != nil && r.ContentLength != 0 {
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&opts); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if opts.Trigger == "" {
		opts.Trigger = models.TriggerAPI
	}

	result, err := s.runner.Run(r.Context(), opts)
	if errors.Is(err, service.ErrNoAccounts) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok":     false,
			"reason": string(models.ErrCodeNoAccounts),
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// A single-account request that only produced a skip surfaces the
	// rate-limit condition with a machine-readable reason and retry hint.
	if opts.Account != "" && len(result.ScheduleRuns) == 1 {
		if run, err := s.db.GetRun(r.Context(), result.ScheduleRuns[0].RunID); err == nil &&
			run.Status == models.RunStatusSkipped {
			resp := map[string]any{
				"ok":     false,
				"reason": run.ErrorCode,
				"run_id": run.ID,
			}
			if retryAt, ok := parseRetryAt(run.ErrorMessage); ok {
				resp["retry_at"] = retryAt.Format(time.RFC3339)
			}
			writeJSON(w, http.StatusConflict, resp)
			return
		}
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("runs")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := s.db.ListRuns(r.Context(), strings.TrimSpace(r.URL.Query().Get("account")), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRunItems(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("run_items")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	const prefix = "/api/v1/runs/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	runID, tail, ok := strings.Cut(rest, "/")
	if !ok || tail != "items" || runID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	run, err := s.db.GetRun(r.Context(), runID)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get run failed")
		return
	}

	items, err := s.db.ListRunItems(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list items failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "items": items})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("export")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	var err error
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		if from, err = time.Parse("2006-01-02", raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid from date; expected YYYY-MM-DD")
			return
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		if to, err = time.Parse("2006-01-02", raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid to date; expected YYYY-MM-DD")
			return
		}
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "to must be after from")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="sync_%s_%s.xlsx"`, from.Format("2006-01-02"), to.Format("2006-01-02")))
	if err := s.exporter.WriteWorkbook(r.Context(), w, from, to); err != nil {
		s.logger.Error().Err(err).Msg("export failed")
	}
}

func (s *Server) handleStaging(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("staging")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := s.db.ListUnresolvedStaging(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list staging failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleStagingResolve marks a staged listing as dealt with once the operator
// has mapped the property by hand.
func (s *Server) handleStagingResolve(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("staging_resolve")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	const prefix = "/api/v1/staging/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	rawID, tail, ok := strings.Cut(rest, "/")
	if !ok || tail != "resolve" || rawID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid staging id")
		return
	}

	if err := s.db.MarkStagingResolved(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "staging entry not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "resolve staging failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	row := s.db.QueryRowContext(r.Context(), `SELECT 1`)
	var one int
	if err := row.Scan(&one); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func parseRetryAt(msg string) (time.Time, bool) {
	const prefix = "retry after "
	if !strings.HasPrefix(msg, prefix) {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, strings.TrimPrefix(msg, prefix))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
