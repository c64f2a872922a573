package agent

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/wplace-tools/guardmaster/structs"
)

// ProjectBody is the request body for creating a project.
type ProjectBody struct {
	Name   string           `json:"name"`
	Mode   string           `json:"mode"`
	Config map[string]any   `json:"config"`
	Chunks []map[string]any `json:"chunks"`
}

// ProjectsRequest lists or creates projects.
func (s *HTTPServer) ProjectsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		return map[string]any{"projects": s.agent.store.Projects()}, nil
	case http.MethodPost:
		return s.createProject(req)
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *HTTPServer) createProject(req *http.Request) (interface{}, error) {
	var body ProjectBody
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}
	if body.Name == "" {
		return nil, CodedError(http.StatusBadRequest, "project name required")
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	project := &structs.Project{
		ID:        id,
		Name:      body.Name,
		Mode:      body.Mode,
		Config:    body.Config,
		Chunks:    body.Chunks,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.agent.store.CreateProject(project); err != nil {
		return nil, err
	}
	return map[string]any{"project_id": id, "project": project}, nil
}

// ProjectSpecificRequest serves /v1/project/{id}.
func (s *HTTPServer) ProjectSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}
	parts := pathSuffix(req, "/v1/project/")
	if len(parts) != 1 {
		return nil, CodedError(http.StatusNotFound, "not found")
	}
	return s.agent.store.Project(parts[0])
}

// ProjectsClearAllRequest stops every session loop and deletes all projects
// and sessions, plus the stored guard upload.
func (s *HTTPServer) ProjectsClearAllRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, "method not allowed")
	}

	s.agent.orch.Shutdown()

	projects, sessions, err := s.agent.store.ClearAll()
	if err != nil {
		s.logger.Error("clear-all persistence error", "error", err)
	}
	s.agent.ClearGuardUpload()

	s.agent.registry.BroadcastToUI(map[string]any{
		"type":             "projects_cleared",
		"projects_deleted": projects,
		"sessions_deleted": sessions,
	})
	return map[string]any{
		"ok":               true,
		"projects_deleted": projects,
		"sessions_deleted": sessions,
	}, nil
}
