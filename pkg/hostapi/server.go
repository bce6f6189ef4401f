// Package hostapi exposes the core to the editor shell over HTTP.
package hostapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wingman/pkg/agent"
	"wingman/pkg/conversation"
	"wingman/pkg/errs"
	"wingman/pkg/logging"
	"wingman/pkg/storage"
	"wingman/pkg/telemetry"
	"wingman/pkg/token"
)

const maxBodyBytes int64 = 1 << 20

// Server routes editor-shell requests to the agent manager, token monitor,
// and conversation history.
type Server struct {
	agents  *agent.Manager
	monitor *token.Monitor
	history *conversation.Manager
	log     *logging.Logger
}

// NewServer creates the HTTP surface over the given core components.
// history may be nil when the host runs without persistence.
func NewServer(agents *agent.Manager, monitor *token.Monitor, history *conversation.Manager, log *logging.Logger) *Server {
	return &Server{agents: agents, monitor: monitor, history: history, log: log}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/conversations/{id}/messages", s.handleSendMessage)
		r.Post("/conversations/{from}/relay/{to}", s.handleRelay)
		r.Get("/conversations", s.handleListConversations)
		r.Get("/conversations/{id}", s.handleGetConversation)
		r.Delete("/conversations/{id}", s.handleDeleteConversation)

		r.Get("/agents", s.handleListAgents)
		r.Get("/agents/{id}", s.handleGetAgent)
		r.Delete("/agents/{id}", s.handleDisposeAgent)
		r.Post("/agents/{id}/restart", s.handleRestartAgent)
		r.Post("/agents/{id}/capabilities", s.handleRegisterCapability)
		r.Get("/capabilities", s.handleQueryCapability)

		r.Get("/usage", s.handleGlobalUsage)
		r.Get("/usage/{id}", s.handleGetUsage)
		r.Post("/usage/{id}/reset", s.handleResetUsage)
		r.Post("/usage/reset", s.handleResetAllUsage)
		r.Put("/usage/{id}/limit", s.handleSetLimit)

		r.Patch("/settings", s.handleUpdateSettings)
	})

	r.Method(http.MethodGet, "/metrics", telemetry.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

type sendMessageRequest struct {
	Text         string   `json:"text"`
	ContextFiles []string `json:"contextFiles,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := s.agents.SendMessage(r.Context(), id, req.Text, req.ContextFiles)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversationId": id,
		"text":           resp.Text,
		"usage":          resp.Usage,
	})
}

type relayRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	from := chi.URLParam(r, "from")
	to := chi.URLParam(r, "to")

	var req relayRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.agents.SendAgentMessage(from, to, req.Text); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

func (s *Server) handleListConversations(w http.ResponseWriter, _ *http.Request) {
	if s.history == nil {
		respondJSON(w, http.StatusOK, map[string]any{"conversations": []string{}})
		return
	}
	ids, err := s.history.List()
	if err != nil {
		respondError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversations": ids})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.history == nil {
		respondError(w, errs.Validation("getConversation", id, "conversation history is not enabled"))
		return
	}
	msgs, err := s.history.Restore(id)
	if err != nil {
		respondError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*storage.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversationId": id,
		"messages":       msgs,
	})
}

// handleDeleteConversation removes the conversation end to end: its agent,
// its stored messages, and its usage record.
func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.agents.HasAgent(id) {
		if err := s.agents.DisposeAgent(id); err != nil {
			respondError(w, err)
			return
		}
	}
	if s.history != nil {
		if err := s.history.Delete(id); err != nil {
			respondError(w, err)
			return
		}
	}
	if err := s.monitor.ClearUsage(id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"count":         s.agents.ActiveAgentCount(),
		"conversations": s.agents.Conversations(),
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.agents.HasAgent(id) {
		respondJSON(w, http.StatusNotFound, map[string]any{
			"conversationId": id,
			"active":         false,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversationId": id,
		"active":         true,
		"capabilities":   s.agents.GetCapabilities(id),
	})
}

func (s *Server) handleDisposeAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.DisposeAgent(chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "disposed"})
}

func (s *Server) handleRestartAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h, err := s.agents.AbortAndRestartAgent(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversationId": id,
		"mode":           string(h.Mode),
		"status":         "restarted",
	})
}

func (s *Server) handleRegisterCapability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var c agent.Capability
	if !decodeBody(w, r, &c) {
		return
	}
	if err := s.agents.RegisterCapability(id, c); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

func (s *Server) handleQueryCapability(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		respondError(w, errs.Validation("queryCapability", "", "name query parameter is required"))
		return
	}
	ids := s.agents.QueryCapability(name)
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"name":          name,
		"conversations": ids,
	})
}

func (s *Server) handleGlobalUsage(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.monitor.GetGlobalUsage())
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec := s.monitor.GetUsage(id)
	if rec == nil {
		respondJSON(w, http.StatusNotFound, map[string]any{
			"conversationId": id,
			"recorded":       false,
		})
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResetUsage(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.ResetUsage(chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleResetAllUsage(w http.ResponseWriter, _ *http.Request) {
	s.monitor.ResetAllUsage()
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type setLimitRequest struct {
	Limit int64 `json:"limit"`
}

func (s *Server) handleSetLimit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req setLimitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.monitor.SetConversationLimit(id, req.Limit); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversationId": id,
		"limit":          req.Limit,
	})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var partial map[string]any
	if !decodeBody(w, r, &partial) {
		return
	}
	if err := s.agents.UpdateSettings(partial); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}
