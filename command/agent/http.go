package agent

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/rs/cors"

	"github.com/wplace-tools/guardmaster/structs"
)

// HTTPCodedError is an error with an associated HTTP status code.
type HTTPCodedError interface {
	error
	Code() int
}

type codedError struct {
	s    string
	code int
}

// CodedError builds an HTTPCodedError.
func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

func (e *codedError) Error() string { return e.s }
func (e *codedError) Code() int     { return e.code }

var allowCORS = cors.New(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{"HEAD", "GET", "POST", "PUT", "DELETE"},
	AllowedHeaders: []string{"*"},
})

// HTTPServer serves the /v1 API and the /ws websocket endpoints.
type HTTPServer struct {
	agent    *Agent
	mux      *http.ServeMux
	listener net.Listener
	logger   hclog.Logger
	Addr     string

	wsUpgrader websocket.Upgrader
}

// NewHTTPServer starts listening and registers all handlers. API routes get
// response gzip and permissive CORS; the websocket upgrades bypass both so
// the hijacker stays reachable.
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", config.ListenAddr())
	if err != nil {
		return nil, err
	}

	apiMux := http.NewServeMux()
	srv := &HTTPServer{
		agent:    agent,
		mux:      apiMux,
		listener: ln,
		logger:   agent.logger.Named("http"),
		Addr:     ln.Addr().String(),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	srv.registerHandlers()

	outer := http.NewServeMux()
	outer.HandleFunc("/ws/slave", srv.slaveSocket)
	outer.HandleFunc("/ws/ui", srv.uiSocket)
	outer.Handle("/", allowCORS.Handler(gziphandler.GzipHandler(apiMux)))

	go func() {
		server := &http.Server{Addr: srv.Addr, Handler: outer}
		if err := server.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) {
			srv.logger.Error("http server exited", "error", err)
		}
	}()

	srv.logger.Info("http server started", "address", srv.Addr)
	return srv, nil
}

// Shutdown closes the listener.
func (s *HTTPServer) Shutdown() {
	if s != nil && s.listener != nil {
		s.listener.Close()
	}
}

func (s *HTTPServer) registerHandlers() {
	s.mux.HandleFunc("/v1/slaves", s.wrap(s.SlavesRequest))
	s.mux.HandleFunc("/v1/slave/", s.wrap(s.SlaveSpecificRequest))

	s.mux.HandleFunc("/v1/guard/config", s.wrap(s.GuardConfigRequest))
	s.mux.HandleFunc("/v1/guard/check", s.wrap(s.GuardCheckRequest))
	s.mux.HandleFunc("/v1/guard/repair", s.wrap(s.GuardRepairRequest))
	s.mux.HandleFunc("/v1/guard/stop", s.wrap(s.GuardStopRequest))
	s.mux.HandleFunc("/v1/guard/clear", s.wrap(s.GuardClearRequest))
	s.mux.HandleFunc("/v1/guard/preview", s.wrap(s.GuardPreviewRequest))
	s.mux.HandleFunc("/v1/guard/upload", s.wrap(s.GuardUploadRequest))

	s.mux.HandleFunc("/v1/ui/selected-slaves", s.wrap(s.UISelectedSlavesRequest))

	s.mux.HandleFunc("/v1/projects", s.wrap(s.ProjectsRequest))
	s.mux.HandleFunc("/v1/projects/clear-all", s.wrap(s.ProjectsClearAllRequest))
	s.mux.HandleFunc("/v1/project/", s.wrap(s.ProjectSpecificRequest))

	s.mux.HandleFunc("/v1/sessions", s.wrap(s.SessionsRequest))
	s.mux.HandleFunc("/v1/session/", s.wrap(s.SessionSpecificRequest))

	s.mux.HandleFunc("/v1/repair/orders", s.wrap(s.RepairOrdersRequest))
	s.mux.HandleFunc("/v1/repair/distribute", s.wrap(s.RepairDistributeRequest))

	s.mux.HandleFunc("/v1/agent/health", s.wrap(s.AgentHealthRequest))
}

// wrap turns an (interface{}, error) handler into an http.HandlerFunc with
// uniform error mapping and JSON encoding.
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	return func(resp http.ResponseWriter, req *http.Request) {
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method,
				"path", req.URL.Path, "duration", time.Since(start))
		}()

		obj, err := handler(resp, req)
		if err != nil {
			code, errMsg := errCodeFromHandler(err)
			resp.WriteHeader(code)
			resp.Write([]byte(errMsg))
			s.logger.Error("request failed", "method", req.Method,
				"path", req.URL.Path, "error", err, "code", code)
			return
		}
		if obj == nil {
			return
		}

		buf, err := json.Marshal(obj)
		if err != nil {
			resp.WriteHeader(http.StatusInternalServerError)
			resp.Write([]byte(err.Error()))
			return
		}
		resp.Header().Set("Content-Type", "application/json")
		resp.Write(buf)
	}
}

func errCodeFromHandler(err error) (int, string) {
	var coded HTTPCodedError
	if errors.As(err, &coded) {
		return coded.Code(), coded.Error()
	}
	switch {
	case errors.Is(err, structs.ErrSlaveNotFound),
		errors.Is(err, structs.ErrProjectNotFound),
		errors.Is(err, structs.ErrSessionNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, structs.ErrNoValidSlaves),
		errors.Is(err, structs.ErrNoFavorite):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

// decodeBody parses a JSON request body.
func decodeBody(req *http.Request, out any) error {
	if req.Body == nil {
		return CodedError(http.StatusBadRequest, "request body required")
	}
	dec := json.NewDecoder(req.Body)
	if err := dec.Decode(out); err != nil {
		return CodedError(http.StatusBadRequest, "failed to parse request body: "+err.Error())
	}
	return nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// pathSuffix strips a route prefix and returns the remaining path segments.
func pathSuffix(req *http.Request, prefix string) []string {
	rest := strings.TrimPrefix(req.URL.Path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}
