package replay

import (
	"context"
	"encoding/json"
	"testing"

	"ledger/pkg/codec"
	"ledger/pkg/gate"
	"ledger/pkg/record"
	"ledger/pkg/store"
	"ledger/pkg/taxonomy"
	"ledger/pkg/traceindex"
)

func TestInvariantPassesOnAcceptedChain(t *testing.T) {
	s := store.NewMemoryStore()
	idx := buildFullChain(t, s, "4bf92f3577b34da6a3ce929d0e0e4736", hex64)

	result := Invariant(context.Background(), s, idx, "4bf92f3577b34da6a3ce929d0e0e4736")
	if result.Result != record.ReplayPass {
		t.Fatalf("expected pass, got %+v", result)
	}
	if len(result.InputEnvelopeHashes) != 3 {
		t.Fatalf("expected 3 input hashes, got %d", len(result.InputEnvelopeHashes))
	}
}

func TestInvariantFailsOnUnknownTrace(t *testing.T) {
	s := store.NewMemoryStore()
	idx := buildFullChain(t, s, "4bf92f3577b34da6a3ce929d0e0e4736", hex64)

	result := Invariant(context.Background(), s, idx, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if result.Result != record.ReplayFail {
		t.Fatalf("expected fail for unknown trace, got %+v", result)
	}
	if result.FailureClass != "REPLAY_CHAIN_NOT_FOUND" {
		t.Fatalf("expected REPLAY_CHAIN_NOT_FOUND, got %s", result.FailureClass)
	}
}

// TestInvariantCatchesHistoricalUnauthorizedExecution simulates a record
// that bypassed the commit gate (a direct store write, standing in for a
// corrupted migration or an older, buggier gate version) and asserts that
// invariant replay, which independently re-derives authorization, still
// catches it.
func TestInvariantCatchesHistoricalUnauthorizedExecution(t *testing.T) {
	s := store.NewMemoryStore()
	g := gate.New(s)
	traceID := "4bf92f3577b34da6a3ce929d0e0e4736"

	authOut := mustCommit(t, g, record.KindAuthContext, authJSON(traceID))
	policyOut := mustCommit(t, g, record.KindPolicyDecision, policyJSON(traceID, authOut.ComputedEnvelopeHash, "deny"))

	modelRaw := json.RawMessage(modelJSON(traceID, authOut.ComputedEnvelopeHash, policyOut.ComputedEnvelopeHash, hex64))
	canonical, hash, err := codec.CanonicalizeAndHash(modelRaw)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if err := s.PutAccepted(context.Background(), store.AcceptedArtifact{
		Hash: hash, Kind: record.KindModelCall, Canonical: canonical, TraceID: traceID, TimeKeyMs: 1002,
	}); err != nil {
		t.Fatalf("direct PutAccepted: %v", err)
	}

	idx, err := traceindex.Build(context.Background(), s, traceindex.Options{})
	if err != nil {
		t.Fatalf("traceindex.Build: %v", err)
	}
	result := Invariant(context.Background(), s, idx, traceID)
	if result.Result != record.ReplayFail {
		t.Fatalf("expected fail, got %+v", result)
	}
	if result.FailureClass != string(taxonomy.UnauthorizedExecution) {
		t.Fatalf("expected UNAUTHORIZED_EXECUTION, got %s", result.FailureClass)
	}
}
