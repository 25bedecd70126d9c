package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"ledger/pkg/auth"
	"ledger/pkg/gate"
	"ledger/pkg/httpx"
	"ledger/pkg/record"
	"ledger/pkg/replay"
	"ledger/pkg/store"
	"ledger/pkg/stream"
	"ledger/pkg/taxonomy"
	"ledger/pkg/traceindex"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// writeError attaches a request id to every error body so an operator can
// correlate a client-reported failure with the gateway's own logs.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	reqID := uuid.NewString()
	log.Printf("request_id=%s status=%d path=%s error=%s", reqID, status, r.URL.Path, msg)
	httpx.WriteJSON(w, status, map[string]string{"error": msg, "request_id": reqID})
}

// readRequestBody distinguishes a body rejected by limitRequestBodyMiddleware
// (413) from any other read failure (400).
func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if strings.Contains(err.Error(), "http: request body too large") {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	return body, true
}

// commitRequest is the wire shape for POST /v1/records/{kind}: the
// declared hash travels alongside the record body exactly as the gate's
// own Commit(kind, declared_hash, record) signature takes it, so the
// handler does no hashing of its own before calling the gate.
type commitRequest struct {
	DeclaredHash string          `json:"declared_hash"`
	Record       json.RawMessage `json:"record"`
}

type commitResponse struct {
	Accepted             bool   `json:"accepted"`
	Classification       string `json:"classification"`
	ErrorKind            string `json:"error_kind,omitempty"`
	ComputedEnvelopeHash string `json:"computed_envelope_hash,omitempty"`
}

func statusForClassification(class taxonomy.Class) int {
	switch class {
	case taxonomy.Accept:
		return http.StatusAccepted
	case taxonomy.HashMismatch, taxonomy.TraceViolation, taxonomy.UnauthorizedExecution:
		return http.StatusConflict
	case taxonomy.MissingPrereq:
		return http.StatusPreconditionRequired
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	declaredKind := record.Kind(chi.URLParam(r, "kind"))

	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req commitRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.Record) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "invalid commit request: expected {declared_hash, record}")
		return
	}

	if s.RateLimiter != nil {
		if decision := s.RateLimiter.Allow("commit:"+s.rateLimitKey(r), s.RateLimitPerMinute); !decision.Allowed {
			s.writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	outcome := s.Gate.Commit(r.Context(), declaredKind, req.DeclaredHash, req.Record)
	s.Metrics.IncClassification(string(outcome.Classification))
	s.publishCommitOutcome(r.Context(), declaredKind, outcome)

	httpx.WriteJSON(w, statusForClassification(outcome.Classification), commitResponse{
		Accepted:             outcome.Accepted,
		Classification:       string(outcome.Classification),
		ErrorKind:            outcome.ErrorKind,
		ComputedEnvelopeHash: outcome.ComputedEnvelopeHash,
	})
}

// rateLimitKey scopes the commit rate limit to the authenticated principal
// when one is present, falling back to the remote address for AUTH_MODE=off.
func (s *Server) rateLimitKey(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok && p.Subject != "" {
		return p.Subject
	}
	return r.RemoteAddr
}

func (s *Server) publishCommitOutcome(ctx context.Context, kind record.Kind, outcome gate.CommitOutcome) {
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(strings.ToLower(string(outcome.Classification)), map[string]interface{}{
			"hash":           outcome.ComputedEnvelopeHash,
			"kind":           string(kind),
			"classification": string(outcome.Classification),
		}))
	}
	if outcome.Classification != taxonomy.Accept || s.Producer == nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"hash": outcome.ComputedEnvelopeHash,
		"kind": string(kind),
	})
	if err != nil {
		return
	}
	if err := s.Producer.Publish(ctx, outcome.ComputedEnvelopeHash, payload); err != nil {
		log.Printf("statebus publish failed hash=%s: %v", outcome.ComputedEnvelopeHash, err)
	}
}

type artifactResponse struct {
	Namespace    string          `json:"namespace"`
	Hash         string          `json:"hash"`
	Kind         string          `json:"kind"`
	TraceID      string          `json:"trace_id"`
	TimeKeyMs    int64           `json:"time_key_ms"`
	FailureClass string          `json:"failure_class,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	Record       json.RawMessage `json:"record"`
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	ctx := r.Context()

	if a, err := s.Store.GetAccepted(ctx, hash); err == nil {
		httpx.WriteJSON(w, http.StatusOK, artifactResponse{
			Namespace: "accepted", Hash: hash, Kind: string(a.Kind),
			TraceID: a.TraceID, TimeKeyMs: a.TimeKeyMs, Record: json.RawMessage(a.Canonical),
		})
		return
	}
	if rj, err := s.Store.GetRejected(ctx, hash); err == nil {
		httpx.WriteJSON(w, http.StatusOK, artifactResponse{
			Namespace: "rejected_attempt", Hash: hash, Kind: string(rj.Kind),
			TraceID: rj.TraceID, TimeKeyMs: rj.TimeKeyMs, FailureClass: string(rj.FailureClass),
			ErrorKind: rj.ErrorKind, Record: json.RawMessage(rj.Canonical),
		})
		return
	}
	s.writeError(w, r, http.StatusNotFound, "artifact not found")
}

type traceEntryDTO struct {
	Hash      string `json:"hash"`
	Kind      string `json:"kind"`
	TimeKeyMs int64  `json:"time_key_ms"`
	Rejected  bool   `json:"rejected"`
}

type traceResponse struct {
	TraceID string          `json:"trace_id"`
	Entries []traceEntryDTO `json:"entries"`
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "trace_id")
	includeRejected := r.URL.Query().Get("include_rejected_attempts") == "true"

	idx, err := traceindex.Build(r.Context(), s.Store, traceindex.Options{IncludeRejectedAttempts: includeRejected})
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "trace index build failed")
		return
	}
	entries := idx.Resolve(traceID)
	if entries == nil {
		s.writeError(w, r, http.StatusNotFound, "trace not found")
		return
	}
	dtos := make([]traceEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, traceEntryDTO{Hash: e.Hash, Kind: string(e.Kind), TimeKeyMs: e.TimeKeyMs, Rejected: e.Rejected})
	}
	httpx.WriteJSON(w, http.StatusOK, traceResponse{TraceID: traceID, Entries: dtos})
}

type replayResponse struct {
	Hash   string             `json:"hash"`
	Result record.ReplayResult `json:"result"`
}

// emitReplay stamps and persists a replay result, broadcasts it on the live
// stream, and writes the response — the tail shared by every replay
// endpoint.
func (s *Server) emitReplay(w http.ResponseWriter, r *http.Request, result record.ReplayResult) {
	hash, err := replay.Emit(r.Context(), s.Store, result, time.Now().UTC().UnixMilli())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "replay result could not be persisted")
		return
	}
	s.Metrics.IncReplayOutcome(string(result.ReplayType), string(result.Result))
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent("replay_result", map[string]interface{}{
			"hash": hash, "replay_type": string(result.ReplayType), "result": string(result.Result),
		}))
	}
	httpx.WriteJSON(w, http.StatusOK, replayResponse{Hash: hash, Result: result})
}

func (s *Server) buildTraceIndex(r *http.Request) (*traceindex.Index, bool) {
	idx, err := traceindex.Build(r.Context(), s.Store, traceindex.Options{IncludeRejectedAttempts: false})
	return idx, err == nil
}

func (s *Server) handleReplayInvariant(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "trace_id")
	idx, ok := s.buildTraceIndex(r)
	if !ok {
		s.writeError(w, r, http.StatusInternalServerError, "trace index build failed")
		return
	}
	s.emitReplay(w, r, replay.Invariant(r.Context(), s.Store, idx, traceID))
}

func (s *Server) handleReplayForensic(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "trace_id")
	idx, ok := s.buildTraceIndex(r)
	if !ok {
		s.writeError(w, r, http.StatusInternalServerError, "trace index build failed")
		return
	}
	s.emitReplay(w, r, replay.Forensic(r.Context(), s.Store, idx, traceID))
}

type constrainedReplayRequest struct {
	BaselineTraceID  string `json:"baseline_trace_id"`
	CandidateTraceID string `json:"candidate_trace_id"`
	VariancePolicy   struct {
		AllowModelResponseVariance bool `json:"allow_model_response_variance"`
		AllowToolResponseVariance  bool `json:"allow_tool_response_variance"`
	} `json:"variance_policy"`
}

func (s *Server) handleReplayConstrained(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req constrainedReplayRequest
	if err := json.Unmarshal(body, &req); err != nil || req.BaselineTraceID == "" || req.CandidateTraceID == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid constrained replay request")
		return
	}
	idx, ok := s.buildTraceIndex(r)
	if !ok {
		s.writeError(w, r, http.StatusInternalServerError, "trace index build failed")
		return
	}
	result := replay.Constrained(r.Context(), s.Store, idx, req.BaselineTraceID, req.CandidateTraceID, replay.VariancePolicy{
		AllowModelResponseVariance: req.VariancePolicy.AllowModelResponseVariance,
		AllowToolResponseVariance:  req.VariancePolicy.AllowToolResponseVariance,
	})
	s.emitReplay(w, r, result)
}

func (s *Server) handleReplayResult(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	a, err := s.Store.GetReplayResult(r.Context(), hash)
	if err != nil {
		if err == store.ErrNotFound {
			s.writeError(w, r, http.StatusNotFound, "replay result not found")
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, "replay result lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a.Result)
}
