package agent

import "net/http"

// SelectedSlavesBody is the request body for the UI slave selection.
type SelectedSlavesBody struct {
	SlaveIDs []string `json:"slave_ids"`
}

// UISelectedSlavesRequest reads or replaces the UI slave selection.
func (s *HTTPServer) UISelectedSlavesRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		return map[string]any{"slave_ids": s.agent.SelectedSlaves()}, nil
	case http.MethodPost:
		var body SelectedSlavesBody
		if err := decodeBody(req, &body); err != nil {
			return nil, err
		}
		stored := s.agent.SetSelectedSlaves(body.SlaveIDs)
		s.agent.registry.BroadcastToUI(map[string]any{
			"type":      "ui_selected_slaves",
			"slave_ids": stored,
		})
		return map[string]any{"ok": true, "slave_ids": stored}, nil
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
}

// AgentHealthRequest is the liveness probe.
func (s *HTTPServer) AgentHealthRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
	return map[string]any{
		"status":    "healthy",
		"slaves":    len(s.agent.registry.IDs()),
		"ui_count":  s.agent.registry.UICount(),
		"timestamp": nowRFC3339(),
	}, nil
}
