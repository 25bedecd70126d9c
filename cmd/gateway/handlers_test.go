package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ledger/pkg/codec"
	"ledger/pkg/gate"
	"ledger/pkg/metrics"
	"ledger/pkg/statebus"
	"ledger/pkg/store"
	"ledger/pkg/stream"

	"github.com/go-chi/chi/v5"
)

func newTestServer() *Server {
	s := store.NewMemoryStore()
	return &Server{
		Gate:               gate.New(s),
		Store:              s,
		Metrics:            metrics.NewRegistry(),
		Events:             stream.NewHub(),
		Producer:           statebus.NoopProducer{},
		AuthMode:           "off",
		RateLimitEnabled:   false,
		RateLimitPerMinute: 0,
		MaxRequestBodyBytes: 1 << 20,
	}
}

func authContextPayload(t *testing.T, traceID string) (json.RawMessage, string) {
	t.Helper()
	obj := map[string]interface{}{
		"spec_version":  "1.0.0",
		"canon_version": "1",
		"record_type":   "auth_context",
		"trace": map[string]interface{}{
			"trace_id":  traceID,
			"span_id":   strings.Repeat("a", 16),
			"span_kind": "root",
		},
		"producer": map[string]interface{}{
			"layer": "edge", "component": "test-harness",
		},
		"ts_ms": 1000,
		"actor": map[string]interface{}{
			"actor_kind": "service", "actor_id": "svc-test",
		},
		"credential": map[string]interface{}{
			"credential_kind":       "mtls",
			"issuer":                "test-ca",
			"presented_hash_sha256": strings.Repeat("0", 64),
			"verified_at_ms":        1000,
			"expires_at_ms":         999999999999,
		},
		"grants": map[string]bool{"read": true},
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	canonical, hash, err := codec.CanonicalizeAndHash(raw)
	if err != nil {
		t.Fatalf("canonicalize payload: %v", err)
	}
	return json.RawMessage(canonical), hash
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestHandleCommitAccepts(t *testing.T) {
	s := newTestServer()
	recordRaw, hash := authContextPayload(t, strings.Repeat("1", 32))

	body, _ := json.Marshal(commitRequest{DeclaredHash: hash, Record: recordRaw})
	req := httptest.NewRequest(http.MethodPost, "/v1/records/auth_context", bytes.NewReader(body))
	req = withURLParam(req, "kind", "auth_context")
	rec := httptest.NewRecorder()

	s.handleCommit(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp commitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Accepted || resp.Classification != "ACCEPT" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.ComputedEnvelopeHash != hash {
		t.Fatalf("expected computed hash %s, got %s", hash, resp.ComputedEnvelopeHash)
	}
}

func TestHandleCommitHashMismatch(t *testing.T) {
	s := newTestServer()
	recordRaw, _ := authContextPayload(t, strings.Repeat("2", 32))

	body, _ := json.Marshal(commitRequest{DeclaredHash: "deadbeef", Record: recordRaw})
	req := httptest.NewRequest(http.MethodPost, "/v1/records/auth_context", bytes.NewReader(body))
	req = withURLParam(req, "kind", "auth_context")
	rec := httptest.NewRecorder()

	s.handleCommit(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCommitMalformedBody(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/records/auth_context", bytes.NewReader([]byte("not json")))
	req = withURLParam(req, "kind", "auth_context")
	rec := httptest.NewRecorder()

	s.handleCommit(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleArtifactRoundTrip(t *testing.T) {
	s := newTestServer()
	recordRaw, hash := authContextPayload(t, strings.Repeat("3", 32))
	commitReq := httptest.NewRequest(http.MethodPost, "/v1/records/auth_context",
		bytes.NewReader(mustMarshalT(t, commitRequest{DeclaredHash: hash, Record: recordRaw})))
	commitReq = withURLParam(commitReq, "kind", "auth_context")
	s.handleCommit(httptest.NewRecorder(), commitReq)

	req := httptest.NewRequest(http.MethodGet, "/v1/artifacts/"+hash, nil)
	req = withURLParam(req, "hash", hash)
	rec := httptest.NewRecorder()
	s.handleArtifact(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp artifactResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Namespace != "accepted" || resp.Hash != hash {
		t.Fatalf("unexpected artifact response: %+v", resp)
	}
}

func TestHandleArtifactNotFound(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/artifacts/unknownhash", nil)
	req = withURLParam(req, "hash", "unknownhash")
	rec := httptest.NewRecorder()

	s.handleArtifact(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleTraceNotFound(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/traces/nosuchtrace", nil)
	req = withURLParam(req, "trace_id", "nosuchtrace")
	rec := httptest.NewRecorder()

	s.handleTrace(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleReplayInvariantChainNotFound(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/replay/invariant/nosuchtrace", nil)
	req = withURLParam(req, "trace_id", "nosuchtrace")
	rec := httptest.NewRecorder()

	s.handleReplayInvariant(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 (replay result envelope), got %d: %s", rec.Code, rec.Body.String())
	}
	var resp replayResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.Result != "fail" {
		t.Fatalf("expected fail result for unknown chain, got %+v", resp.Result)
	}
}

func mustMarshalT(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
