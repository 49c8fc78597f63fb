package rpcserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentserver/sandboxd/internal/catalog"
	"github.com/agentserver/sandboxd/internal/config"
	"github.com/agentserver/sandboxd/internal/facade"
	"github.com/agentserver/sandboxd/internal/logging"
	"github.com/agentserver/sandboxd/internal/metrics"
	"github.com/agentserver/sandboxd/internal/resource"
	"github.com/agentserver/sandboxd/internal/sandboxclient/sandboxclienttest"
	"github.com/agentserver/sandboxd/internal/session"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	client := sandboxclienttest.NewFake()
	templates := catalog.DefaultTemplateSet()
	cfg := config.Config{MaxSessions: 10, SessionTimeout: time.Hour, CleanupInterval: time.Hour, SandboxStartTimeout: time.Second, OrphanCleanupInterval: time.Hour, ShutdownConcurrency: 4}
	sessions := session.NewManager(client, templates, "default", cfg.SessionTimeout, cfg.CleanupInterval, cfg.SandboxStartTimeout, logging.Nop())
	m := metrics.New(prometheus.NewRegistry())
	resources := resource.NewManager(sessions, client, cfg.MaxSessions, cfg.MaxTotalMemoryMiB, 2, m, logging.Nop())
	f := facade.New(cfg, sessions, resources, templates, m, logging.Nop())
	return New(f, logging.Nop())
}

func doRPC(t *testing.T, s *Server, method string, params any) rpcResponse {
	t.Helper()
	reqBody, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var resp rpcResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (body=%s)", err, rec.Body.String())
	}
	return resp
}

func TestExecuteCodeOverRPC(t *testing.T) {
	s := newTestServer(t)
	resp := doRPC(t, s, "execute_code", map[string]any{"code": "print(1)", "template": "python"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.Result == nil {
		t.Fatal("expected a result")
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	s := newTestServer(t)
	resp := doRPC(t, s, "delete_everything", map[string]any{})
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("got %+v, want method-not-found", resp.Error)
	}
}

func TestMissingRequiredParamReturnsInvalidParams(t *testing.T) {
	s := newTestServer(t)
	resp := doRPC(t, s, "execute_code", map[string]any{"template": "python"})
	if resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("got %+v, want invalid-params", resp.Error)
	}
}

func TestStopUnknownSessionOverRPC(t *testing.T) {
	s := newTestServer(t)
	resp := doRPC(t, s, "stop_session", map[string]any{"session_id": "ghost"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if stopped, ok := resp.Result.(bool); !ok || stopped {
		t.Fatalf("got result=%v, want false", resp.Result)
	}
}
