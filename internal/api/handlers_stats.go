package api

import (
	"net/http"
)

func (s *Server) handleLLMStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Claude == nil || s.deps.Claude.Stats == nil {
		jsonError(w, "llm stats unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"model": s.deps.Claude.Model(),
		"stats": s.deps.Claude.Stats.Snapshot(),
	})
}

// handleAgentStats reports call latency and failures per stage agent.
func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.AgentStats == nil {
		jsonError(w, "agent stats unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.deps.AgentStats.Snapshot()})
}
