package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// createScheduleRequest registers a cron schedule for a stored funnel.
type createScheduleRequest struct {
	FunnelID string `json:"funnelId"`
	ChatID   string `json:"chatId"`
	Cron     string `json:"cron"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.schedules.All(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	out := make([]FunnelSchedule, 0, len(schedules))
	for _, schedule := range schedules {
		out = append(out, schedule)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if strings.TrimSpace(req.FunnelID) == "" || strings.TrimSpace(req.ChatID) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "funnelId and chatId are required")
		return
	}

	funnels, err := s.loadFunnels(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if _, ok := funnels[req.FunnelID]; !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("funnel %q not found", req.FunnelID))
		return
	}

	now := time.Now().UTC()
	nextRunAt, err := nextCronRunUTC(req.Cron, now)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	schedule := FunnelSchedule{
		ID:        "sched-" + uuid.NewString(),
		FunnelID:  req.FunnelID,
		ChatID:    req.ChatID,
		Cron:      strings.TrimSpace(req.Cron),
		Enabled:   enabled,
		NextRunAt: nextRunAt,
		UpdatedAt: now,
	}
	if err := s.schedules.Put(r.Context(), schedule); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, schedule)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("schedule_id")
	schedule, ok, err := s.schedules.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("schedule_id")
	if _, ok, err := s.schedules.Get(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", id))
		return
	}
	if err := s.schedules.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
