package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"hostsync/internal/config"
	"hostsync/internal/models"
)

// HTTPTaskService posts reservation changes to the task-generation
// collaborator over its JSON API.
type HTTPTaskService struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPTaskService(cfg config.TaskSyncConfig) *HTTPTaskService {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTaskService{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPTaskService) UpsertReservation(ctx context.Context, r *models.Reservation) error {
	return s.post(ctx, "/api/v1/tasks/upsert", r)
}

func (s *HTTPTaskService) CancelReservation(ctx context.Context, reservationID int64) error {
	body := map[string]int64{"reservation_id": reservationID}
	return s.post(ctx, "/api/v1/tasks/cancel", body)
}

func (s *HTTPTaskService) post(ctx context.Context, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode task payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build task request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("task service request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("task service %s: status %d: %s", path, resp.StatusCode, snippet)
	}
	return nil
}
