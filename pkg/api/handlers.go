package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethpandaops/staticpublish/pkg/ledger"
)

const (
	defaultFailedLimit = 100
	maxFailedLimit     = 1000
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Run      *ledger.Run       `json:"run"`
	Stats    *ledger.Stats     `json:"stats"`
	Messages map[string]string `json:"messages"`
}

// handleStatus returns the current run, its ledger stats and the latest
// status messages.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		resp     statusResponse
		runStart time.Time
	)

	run, err := s.reader.CurrentRun(ctx)

	switch {
	case err == nil:
		resp.Run = run
		runStart = run.StartedAt
	case errors.Is(err, ledger.ErrNoRun):
	default:
		s.log.WithError(err).Error("Failed to get current run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	stats, err := s.reader.Stats(ctx, runStart)
	if err != nil {
		s.log.WithError(err).Error("Failed to get ledger stats")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	resp.Stats = stats

	msgs, err := s.reader.ListStatusMessages(ctx)
	if err != nil {
		s.log.WithError(err).Error("Failed to list status messages")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	resp.Messages = make(map[string]string, len(msgs))
	for _, m := range msgs {
		resp.Messages[m.Key] = m.Message
	}

	writeJSON(w, http.StatusOK, resp)
}

type failedItemResponse struct {
	ID              uint       `json:"id"`
	URL             string     `json:"url"`
	FilePath        string     `json:"file_path"`
	ErrorMessage    string     `json:"error_message"`
	Attempts        int        `json:"attempts"`
	LastAttemptedAt *time.Time `json:"last_attempted_at"`
}

// handleFailedItems lists items whose last upload attempt failed.
func (s *server) handleFailedItems(w http.ResponseWriter, r *http.Request) {
	limit := defaultFailedLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"limit must be a positive integer"})

			return
		}

		limit = min(n, maxFailedLimit)
	}

	items, err := s.reader.ListFailed(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list failed items")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	resp := make([]failedItemResponse, 0, len(items))

	for i := range items {
		item := &items[i]

		var msg string
		if item.ErrorMessage != nil {
			msg = *item.ErrorMessage
		}

		resp = append(resp, failedItemResponse{
			ID:              item.ID,
			URL:             item.URL,
			FilePath:        item.Path(),
			ErrorMessage:    msg,
			Attempts:        item.Attempts,
			LastAttemptedAt: item.LastAttemptedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": resp,
		"count": len(resp),
	})
}
