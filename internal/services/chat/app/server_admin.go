package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	apperrors "github.com/louisbranch/parley/internal/platform/errors"
	"github.com/louisbranch/parley/internal/services/translation/reconcile"
)

type sweepResponse struct {
	RunID        string `json:"run_id"`
	Trigger      string `json:"trigger"`
	Removed      int    `json:"removed"`
	PrunedClaims int    `json:"pruned_claims"`
	StartedAt    string `json:"started_at"`
	FinishedAt   string `json:"finished_at"`
}

type duplicateGroup struct {
	MessageID      string `json:"message_id"`
	TargetLanguage string `json:"target_language"`
	Count          int    `json:"count"`
}

type duplicatesResponse struct {
	Groups []duplicateGroup `json:"groups"`
}

type adminError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// handleAdminSweep runs one sweep synchronously.
func (h *handler) handleAdminSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Runner == nil {
		http.Error(w, "sweep is not configured", http.StatusServiceUnavailable)
		return
	}
	res, err := h.deps.Runner.Sweep(r.Context(), reconcile.TriggerManual)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeAdminJSON(w, http.StatusOK, sweepResponse{
		RunID:        res.RunID,
		Trigger:      string(res.Trigger),
		Removed:      res.Removed,
		PrunedClaims: res.PrunedClaims,
		StartedAt:    res.StartedAt.Format(time.RFC3339Nano),
		FinishedAt:   res.FinishedAt.Format(time.RFC3339Nano),
	})
}

// handleAdminDuplicates lists keys with more than one record without
// changing anything.
func (h *handler) handleAdminDuplicates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Sweeper == nil {
		http.Error(w, "sweep is not configured", http.StatusServiceUnavailable)
		return
	}
	groups, err := h.deps.Sweeper.Duplicates(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	resp := duplicatesResponse{Groups: make([]duplicateGroup, 0, len(groups))}
	for _, g := range groups {
		resp.Groups = append(resp.Groups, duplicateGroup{
			MessageID:      g.MessageID,
			TargetLanguage: g.TargetLanguage,
			Count:          g.Count,
		})
	}
	writeAdminJSON(w, http.StatusOK, resp)
}

func writeAdminError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	if code.Retryable() {
		status = http.StatusServiceUnavailable
	}
	writeAdminJSON(w, status, adminError{Code: code.WireCode(), Message: err.Error(), Retryable: code.Retryable()})
}

func writeAdminJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("chat: write admin response: %v", err)
	}
}
