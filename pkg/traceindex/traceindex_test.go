package traceindex

import (
	"context"
	"testing"

	"ledger/pkg/record"
	"ledger/pkg/store"
	"ledger/pkg/taxonomy"
)

func TestBuildOrdersByKindClassThenTimeThenHash(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	_ = s.PutAccepted(ctx, store.AcceptedArtifact{Hash: "zzzz", Kind: record.KindModelCall, TraceID: "t1", TimeKeyMs: 100})
	_ = s.PutAccepted(ctx, store.AcceptedArtifact{Hash: "aaaa", Kind: record.KindModelCall, TraceID: "t1", TimeKeyMs: 100})
	_ = s.PutAccepted(ctx, store.AcceptedArtifact{Hash: "pppp", Kind: record.KindPolicyDecision, TraceID: "t1", TimeKeyMs: 50})
	_ = s.PutAccepted(ctx, store.AcceptedArtifact{Hash: "oooo", Kind: record.KindAuthContext, TraceID: "t1", TimeKeyMs: 10})

	idx, err := Build(ctx, s, Options{})
	if err != nil {
		t.Fatal(err)
	}
	chain := idx.Resolve("t1")
	if len(chain) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(chain))
	}
	wantOrder := []string{"oooo", "pppp", "aaaa", "zzzz"}
	for i, h := range wantOrder {
		if chain[i].Hash != h {
			t.Fatalf("position %d: expected hash %s, got %s", i, h, chain[i].Hash)
		}
	}
}

func TestResolveUnknownTraceReturnsNil(t *testing.T) {
	s := store.NewMemoryStore()
	idx, err := Build(context.Background(), s, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if chain := idx.Resolve("nope"); chain != nil {
		t.Fatalf("expected nil chain for unknown trace, got %v", chain)
	}
}

func TestBuildExcludesRejectedByDefault(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	_ = s.PutAccepted(ctx, store.AcceptedArtifact{Hash: "h1", Kind: record.KindAuthContext, TraceID: "t1"})
	_ = s.PutRejected(ctx, store.RejectedAttempt{Hash: "h2", Kind: record.KindPolicyDecision, TraceID: "t1", FailureClass: taxonomy.HashMismatch})

	idx, err := Build(ctx, s, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(idx.Resolve("t1")) != 1 {
		t.Fatalf("expected rejected attempts excluded by default")
	}

	idxWithRejected, err := Build(ctx, s, Options{IncludeRejectedAttempts: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(idxWithRejected.Resolve("t1")) != 2 {
		t.Fatalf("expected rejected attempts included when requested")
	}
}
