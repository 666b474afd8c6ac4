package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/m-demetrio/ZapOrganic-CRM/core"
	"github.com/m-demetrio/ZapOrganic-CRM/engine"
	"github.com/m-demetrio/ZapOrganic-CRM/storage"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Runs ---

// startRunRequest starts a stored funnel against a chat. LeadID is
// optional; when empty the lead is looked up by chat id, and a fresh
// card is used when nothing is stored.
type startRunRequest struct {
	FunnelID string `json:"funnelId"`
	ChatID   string `json:"chatId"`
	LeadID   string `json:"leadId,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if strings.TrimSpace(req.FunnelID) == "" || strings.TrimSpace(req.ChatID) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "funnelId and chatId are required")
		return
	}

	runID, err := s.StartRun(r.Context(), req.FunnelID, req.ChatID, req.LeadID)
	if err != nil {
		if errors.Is(err, errFunnelNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID})
}

var errFunnelNotFound = errors.New("funnel not found")

// StartRun loads the stored funnel, settings, and lead, and launches a
// run. The scheduler uses this same path.
func (s *Server) StartRun(ctx context.Context, funnelID, chatID, leadID string) (string, error) {
	funnels, err := s.loadFunnels(ctx)
	if err != nil {
		return "", err
	}
	funnel, ok := funnels[funnelID]
	if !ok {
		return "", fmt.Errorf("%w: %s", errFunnelNotFound, funnelID)
	}

	var settings core.IntegrationSettings
	if _, err := s.store.Load(ctx, storage.SettingsKey, &settings); err != nil {
		return "", fmt.Errorf("load settings: %w", err)
	}

	lead := core.LeadCard{ChatID: chatID}
	if s.leads != nil {
		key := leadID
		if key == "" {
			key = chatID
		}
		stored, found, err := s.leads.Get(ctx, key)
		if err != nil {
			return "", fmt.Errorf("load lead %s: %w", key, err)
		}
		if found {
			lead = stored
		}
	}

	runID := s.engine.RunFunnel(ctx, engine.RunInput{
		Funnel:   funnel,
		ChatID:   chatID,
		Lead:     lead,
		Settings: settings,
	})
	return runID, nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	ids := s.engine.ActiveRuns()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": ids})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	s.handleRunSignal(w, r, "cancelled", s.engine.Cancel)
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	s.handleRunSignal(w, r, "paused", s.engine.Pause)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	s.handleRunSignal(w, r, "resumed", s.engine.Resume)
}

func (s *Server) handleRunSignal(w http.ResponseWriter, r *http.Request, verb string, signal func(string) bool) {
	runID := r.PathValue("run_id")
	if !signal(runID) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q is not active", runID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runId": runID, verb: true})
}

// --- Funnels ---

func (s *Server) loadFunnels(ctx context.Context) (map[string]core.Funnel, error) {
	funnels := make(map[string]core.Funnel)
	if _, err := s.store.Load(ctx, storage.FunnelsKey, &funnels); err != nil {
		return nil, fmt.Errorf("load funnels: %w", err)
	}
	return funnels, nil
}

func (s *Server) handleListFunnels(w http.ResponseWriter, r *http.Request) {
	funnels, err := s.loadFunnels(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	out := make([]core.Funnel, 0, len(funnels))
	for _, f := range funnels {
		out = append(out, f)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReplaceFunnels(w http.ResponseWriter, r *http.Request) {
	var incoming []core.Funnel
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	funnels := make(map[string]core.Funnel, len(incoming))
	var problems []string
	for i, f := range incoming {
		f = core.NormalizeFunnel(f)
		for _, p := range core.ValidateFunnel(f) {
			problems = append(problems, fmt.Sprintf("funnel %d: %s", i, p))
		}
		if _, dup := funnels[f.ID]; dup {
			problems = append(problems, fmt.Sprintf("funnel %d: duplicate id %q", i, f.ID))
		}
		funnels[f.ID] = f
	}
	if len(problems) > 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "funnel validation failed", problems...)
		return
	}

	if err := s.store.Save(r.Context(), storage.FunnelsKey, funnels); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"saved": len(funnels)})
}

func (s *Server) handleGetFunnel(w http.ResponseWriter, r *http.Request) {
	funnels, err := s.loadFunnels(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	id := r.PathValue("id")
	funnel, ok := funnels[id]
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("funnel %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, funnel)
}

// --- Settings ---

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	var settings core.IntegrationSettings
	if _, err := s.store.Load(r.Context(), storage.SettingsKey, &settings); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings core.IntegrationSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if settings.EnableWebhook && strings.TrimSpace(settings.WebhookURL) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "enableWebhook requires webhookUrl")
		return
	}
	if settings.DefaultDelaySec < 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "defaultDelaySec must not be negative")
		return
	}
	if err := s.store.Save(r.Context(), storage.SettingsKey, settings); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}
