package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odellh/burnish/pkg/config"
	"github.com/odellh/burnish/pkg/experiment"
	"github.com/odellh/burnish/pkg/formatter"
	"github.com/odellh/burnish/pkg/logging"
	"github.com/odellh/burnish/pkg/template"
)

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var cfg experiment.Configuration
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid experiment payload: "+err.Error())
		return
	}
	if cfg.StartAt.IsZero() {
		cfg.StartAt = time.Now()
	}

	created, err := s.engine.CreateExperiment(r.Context(), cfg)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"experiments": s.engine.ListActive(),
	})
}

func (s *Server) handleListArchived(w http.ResponseWriter, r *http.Request) {
	if s.archive != nil {
		archived, err := s.archive.ListArchived(100)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"experiments": archived})
		return
	}

	history := s.engine.History()
	out := make([]experiment.Results, 0, len(history))
	for _, res := range history {
		out = append(out, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiments": out})
}

func (s *Server) handleExperimentResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.engine.Analyze(id)
	if err != nil {
		if s.archive != nil {
			if stored, archErr := s.archive.GetResults(id); archErr == nil && stored != nil {
				writeJSON(w, http.StatusOK, stored)
				return
			}
		}
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStopExperiment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Reason == "" {
		body.Reason = "operator request"
	}

	if err := s.engine.StopExperiment(r.Context(), id, body.Reason); err != nil {
		writeTypedError(w, err)
		return
	}

	res, err := s.engine.Analyze(id)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUpdateAgentConfig(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	var cfg config.AgentConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent config payload: "+err.Error())
		return
	}

	if err := s.resolver.UpdateAgentConfig(agentID, cfg); err != nil {
		writeTypedError(w, err)
		return
	}

	s.logger.Info(logging.CategoryConfig, "agent_config_updated", "agent config updated via API",
		map[string]any{"agent_id": agentID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleUpdateUserPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var prefs config.UserPreferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid preferences payload: "+err.Error())
		return
	}

	if err := s.resolver.UpdateUserPreferences(userID, prefs); err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

var knownFeedbackSignals = map[config.FeedbackSignal]struct{}{
	config.FeedbackTooLong:   {},
	config.FeedbackTooShort:  {},
	config.FeedbackConfusing: {},
	config.FeedbackTooFormal: {},
	config.FeedbackNoEmoji:   {},
	config.FeedbackHelpful:   {},
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var body struct {
		Signal       string  `json:"signal"`
		ExperimentID string  `json:"experiment_id,omitempty"`
		VariantID    string  `json:"variant_id,omitempty"`
		Engaged      bool    `json:"engaged,omitempty"`
		Completed    bool    `json:"task_completed,omitempty"`
		Satisfaction float64 `json:"satisfaction,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid feedback payload: "+err.Error())
		return
	}

	signal := config.FeedbackSignal(body.Signal)
	if _, ok := knownFeedbackSignals[signal]; !ok {
		writeError(w, http.StatusBadRequest, "unknown feedback signal "+body.Signal)
		return
	}

	s.resolver.LearnFromFeedback(userID, signal)

	// Engagement feedback tied to an experiment lands in its engagement
	// counters only; it carries no scored response, so it must not count
	// as a quality sample.
	if body.ExperimentID != "" && body.VariantID != "" {
		err := s.engine.RecordEngagement(r.Context(), userID, body.ExperimentID, body.VariantID,
			experiment.Engagement{
				Engaged:       body.Engaged,
				TaskCompleted: body.Completed,
				Satisfaction:  body.Satisfaction,
			})
		if err != nil {
			writeTypedError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "template catalog not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"categories": s.catalog.Categories(),
	})
}

func (s *Server) handleUpsertTemplate(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "template catalog not configured")
		return
	}

	var tmpl template.Template
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		writeError(w, http.StatusBadRequest, "invalid template payload: "+err.Error())
		return
	}

	if err := s.catalog.Upsert(tmpl); err != nil {
		writeTypedError(w, err)
		return
	}
	if s.selector != nil {
		s.selector.Invalidate()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	if s.personas == nil {
		writeError(w, http.StatusServiceUnavailable, "persona provider not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"personas": s.personas.Profiles(),
	})
}

func (s *Server) handleFormat(w http.ResponseWriter, r *http.Request) {
	if s.formatter == nil {
		writeError(w, http.StatusServiceUnavailable, "formatter not configured")
		return
	}

	var body struct {
		ToolResult *formatter.ToolResult   `json:"tool_result,omitempty"`
		Response   formatter.AgentResponse `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid format payload: "+err.Error())
		return
	}

	out := s.formatter.Format(r.Context(), body.ToolResult, body.Response)
	writeJSON(w, http.StatusOK, out)
}
