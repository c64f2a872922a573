package agent

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/wplace-tools/guardmaster/structs"
)

// SessionBody is the request body for creating a session.
type SessionBody struct {
	ProjectID string   `json:"project_id"`
	SlaveIDs  []string `json:"slave_ids"`
	Strategy  string   `json:"strategy"`
}

// SessionsRequest lists or creates sessions.
func (s *HTTPServer) SessionsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		return map[string]any{"sessions": s.agent.store.Sessions()}, nil
	case http.MethodPost:
		return s.createSession(req)
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) createSession(req *http.Request) (interface{}, error) {
	var body SessionBody
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}
	if _, err := s.agent.store.Project(body.ProjectID); err != nil {
		return nil, err
	}
	if len(body.SlaveIDs) == 0 {
		return nil, CodedError(http.StatusBadRequest, "slave_ids required")
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sess := &structs.Session{
		ID:        id,
		ProjectID: body.ProjectID,
		SlaveIDs:  body.SlaveIDs,
		Strategy:  body.Strategy,
		Status:    structs.SessionStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.agent.store.CreateSession(sess); err != nil {
		return nil, err
	}
	return map[string]any{"session_id": id, "session": sess}, nil
}

// SessionSpecificRequest routes /v1/session/{id}/{start|pause|stop|one-batch}.
func (s *HTTPServer) SessionSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
	parts := pathSuffix(req, "/v1/session/")
	if len(parts) != 2 {
		return nil, CodedError(http.StatusNotFound, "not found")
	}
	sessionID, action := parts[0], parts[1]

	switch action {
	case "start":
		return s.agent.orch.StartSession(sessionID)
	case "pause":
		if err := s.agent.orch.PauseSession(sessionID); err != nil {
			return nil, err
		}
		return map[string]any{"status": structs.SessionStatusPaused, "session_id": sessionID}, nil
	case "stop":
		if err := s.agent.orch.StopSession(sessionID); err != nil {
			return nil, err
		}
		return map[string]any{"status": structs.SessionStatusStopped, "session_id": sessionID}, nil
	case "one-batch":
		return s.agent.orch.OneBatch(sessionID)
	default:
		return nil, CodedError(http.StatusNotFound, "not found")
	}
}
