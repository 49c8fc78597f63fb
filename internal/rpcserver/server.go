// Package rpcserver is the thin JSON-RPC 2.0 / HTTP transport adapter
// in front of the Facade. It validates only JSON shape, required
// parameters, and the flavor name: everything else — admission, state
// machine, error taxonomy — is the Facade's job. Beyond that, this
// package only maps sandboxerr.Kind to JSON-RPC error codes.
package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/agentserver/sandboxd/internal/catalog"
	"github.com/agentserver/sandboxd/internal/facade"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
)

// JSON-RPC 2.0 standard error codes returned by this adapter.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any           `json:"result,omitempty"`
	Error   *rpcError     `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Server is the chi-backed HTTP adapter exposing POST /rpc.
type Server struct {
	facade *facade.Facade
	log    zerolog.Logger
	router chi.Router
}

// New builds a Server wired to f. Call Router() to obtain the
// http.Handler to pass to http.Server.
func New(f *facade.Facade, log zerolog.Logger) *Server {
	s := &Server{facade: f, log: log}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Post("/rpc", s.handleRPC)
	r.Get("/healthz", s.handleHealth)
	s.router = r
	return s
}

// Router returns the handler to serve.
func (s *Server) Router() chi.Router { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nil, codeParseError, "malformed JSON-RPC envelope")
		return
	}
	if req.Method == "" {
		writeError(w, req.ID, codeInvalidRequest, "missing method")
		return
	}

	result, err := s.dispatch(r.Context(), req.Method, req.Params)
	if err != nil {
		writeError(w, req.ID, codeFor(err), err.Error())
		return
	}
	writeResult(w, req.ID, result)
}

// dispatch maps a JSON-RPC method name to a Facade call, decoding
// params into the method's own argument shape.
func (s *Server) dispatch(ctx context.Context, method string, raw json.RawMessage) (any, error) {
	switch method {
	case "execute_code":
		var p struct {
			Code      string  `json:"code"`
			Template  string  `json:"template"`
			SessionID string  `json:"session_id"`
			Flavor    string  `json:"flavor"`
			Timeout   float64 `json:"timeout"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.Code == "" {
			return nil, invalidParams("code is required")
		}
		flavor, ferr := catalog.ParseFlavor(p.Flavor, catalog.FlavorSmall)
		if ferr != nil {
			return nil, invalidParams(ferr.Error())
		}
		template := p.Template
		if template == "" {
			template = "python"
		}
		return s.facade.ExecuteCode(ctx, p.SessionID, template, flavor, p.Code, seconds(p.Timeout))

	case "execute_command":
		var p struct {
			Command   string   `json:"command"`
			Args      []string `json:"args"`
			Template  string   `json:"template"`
			SessionID string   `json:"session_id"`
			Flavor    string   `json:"flavor"`
			Timeout   float64  `json:"timeout"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.Command == "" {
			return nil, invalidParams("command is required")
		}
		flavor, ferr := catalog.ParseFlavor(p.Flavor, catalog.FlavorSmall)
		if ferr != nil {
			return nil, invalidParams(ferr.Error())
		}
		template := p.Template
		if template == "" {
			template = "python"
		}
		return s.facade.ExecuteCommand(ctx, p.SessionID, template, flavor, p.Command, p.Args, seconds(p.Timeout))

	case "get_sessions":
		var p struct {
			SessionID string `json:"session_id"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return s.facade.GetSessions(p.SessionID), nil

	case "stop_session":
		var p struct {
			SessionID string `json:"session_id"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, invalidParams("session_id is required")
		}
		return s.facade.StopSession(ctx, p.SessionID), nil

	case "get_volume_path":
		return s.facade.GetVolumePath(), nil

	case "get_resource_stats":
		return s.facade.GetResourceStats(), nil

	case "cleanup_orphan_sandboxes":
		return s.facade.CleanupOrphanSandboxes(ctx), nil

	default:
		return nil, methodNotFound(method)
	}
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams("could not parse params: " + err.Error())
	}
	return nil
}

// methodNotFoundErr and invalidParamsErr are local sentinels the adapter
// raises itself (not coming from the Facade), so codeFor must recognize
// them before falling back to sandboxerr.Kind mapping.
type methodNotFoundErr struct{ method string }

func (e *methodNotFoundErr) Error() string { return "unknown tool: " + e.method }

func methodNotFound(method string) error { return &methodNotFoundErr{method: method} }

type invalidParamsErr struct{ msg string }

func (e *invalidParamsErr) Error() string { return e.msg }

func invalidParams(msg string) error { return &invalidParamsErr{msg: msg} }

// codeFor maps an error to a JSON-RPC error code per the transport
// table: ResourceLimitError -> invalid request; ConfigurationError,
// ConnectionError, SandboxCreationError, infrastructure-kind execution
// errors -> internal error; unknown tool name -> method not found;
// malformed arguments -> invalid params.
func codeFor(err error) int {
	var mnf *methodNotFoundErr
	if errors.As(err, &mnf) {
		return codeMethodNotFound
	}
	var ip *invalidParamsErr
	if errors.As(err, &ip) {
		return codeInvalidParams
	}

	e, ok := sandboxerr.As(err)
	if !ok {
		return codeInternalError
	}
	switch e.Kind {
	case sandboxerr.KindResourceLimit:
		return codeInvalidRequest
	case sandboxerr.KindSessionNotFound, sandboxerr.KindInvalidSessionState:
		return codeInvalidRequest
	case sandboxerr.KindCodeExecution, sandboxerr.KindCommandExecution:
		if e.SubKind == sandboxerr.SubKindTimeout {
			return codeInvalidRequest
		}
		return codeInternalError
	default:
		return codeInternalError
	}
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func writeError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}
