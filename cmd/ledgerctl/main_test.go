package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func TestUsageOnNoArgs(t *testing.T) {
	var buf bytes.Buffer
	err := run(nil, &buf)
	if err == nil {
		t.Fatal("expected error for empty args")
	}
	if !strings.Contains(buf.String(), "ledgerctl commands:") {
		t.Fatalf("expected usage text, got %q", buf.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	var buf bytes.Buffer
	if err := run([]string{"bogus"}, &buf); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestTraceShowRequiresTraceID(t *testing.T) {
	var buf bytes.Buffer
	if err := run([]string{"trace", "show"}, &buf); err == nil {
		t.Fatal("expected error when trace_id is missing")
	}
}

func TestTraceShowFetchesFromBase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/traces/abc123" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"trace_id":"abc123","entries":[]}`))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	err := run([]string{"trace", "show", "abc123", "--base", srv.URL}, &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "abc123") {
		t.Fatalf("expected trace id in output, got %q", buf.String())
	}
}

func TestArtifactShowNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"artifact not found"}`))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	err := run([]string{"artifact", "show", "deadbeef", "--base", srv.URL}, &buf)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestReplayInvariantPostsToEngineEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/replay/invariant/trace-1" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"hash":"h","result":{"result":"pass"}}`))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	if err := run([]string{"replay", "invariant", "trace-1", "--base", srv.URL}, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReplayConstrainedWithPolicyFile(t *testing.T) {
	policyFile, err := os.CreateTemp("", "policy-*.json")
	if err != nil {
		t.Fatalf("create temp policy file: %v", err)
	}
	defer os.Remove(policyFile.Name())
	if _, err := policyFile.WriteString(`{"allow_model_response_variance":true,"allow_tool_response_variance":false}`); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	policyFile.Close()

	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		gotBody = buf.String()
		_, _ = w.Write([]byte(`{"hash":"h","result":{"result":"pass"}}`))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	err = run([]string{"replay", "constrained", "base-trace", "candidate-trace", "--policy", policyFile.Name(), "--base", srv.URL}, &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(gotBody, `"allow_model_response_variance":true`) {
		t.Fatalf("expected variance policy in request body, got %q", gotBody)
	}
}

func TestReplayConstrainedRequiresTwoTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	if err := run([]string{"replay", "constrained", "only-one"}, &buf); err == nil {
		t.Fatal("expected error when candidate trace id is missing")
	}
}
