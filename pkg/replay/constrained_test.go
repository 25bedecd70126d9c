package replay

import (
	"context"
	"testing"

	"ledger/pkg/record"
	"ledger/pkg/store"
	"ledger/pkg/traceindex"
)

const hexAllF = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"

func TestConstrainedPassesOnIdenticalTraces(t *testing.T) {
	s := store.NewMemoryStore()
	buildFullChain(t, s, "4bf92f3577b34da6a3ce929d0e0e4736", hex64)
	buildFullChain(t, s, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", hex64)

	idx, err := traceindex.Build(context.Background(), s, traceindex.Options{})
	if err != nil {
		t.Fatalf("traceindex.Build: %v", err)
	}
	result := Constrained(context.Background(), s, idx,
		"4bf92f3577b34da6a3ce929d0e0e4736", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		VariancePolicy{})
	if result.Result != record.ReplayPass {
		t.Fatalf("expected pass, got %+v", result)
	}
}

func TestConstrainedAllowsVarianceWhenPermitted(t *testing.T) {
	s := store.NewMemoryStore()
	buildFullChain(t, s, "4bf92f3577b34da6a3ce929d0e0e4736", hex64)
	buildFullChain(t, s, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", hexAllF)

	idx, err := traceindex.Build(context.Background(), s, traceindex.Options{})
	if err != nil {
		t.Fatalf("traceindex.Build: %v", err)
	}
	result := Constrained(context.Background(), s, idx,
		"4bf92f3577b34da6a3ce929d0e0e4736", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		VariancePolicy{AllowModelResponseVariance: true})
	if result.Result != record.ReplayPass {
		t.Fatalf("expected pass with allowed variance, got %+v", result)
	}
}

func TestConstrainedRejectsVarianceWhenPolicyEmpty(t *testing.T) {
	s := store.NewMemoryStore()
	buildFullChain(t, s, "4bf92f3577b34da6a3ce929d0e0e4736", hex64)
	buildFullChain(t, s, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", hexAllF)

	idx, err := traceindex.Build(context.Background(), s, traceindex.Options{})
	if err != nil {
		t.Fatalf("traceindex.Build: %v", err)
	}
	result := Constrained(context.Background(), s, idx,
		"4bf92f3577b34da6a3ce929d0e0e4736", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		VariancePolicy{})
	if result.Result != record.ReplayFail {
		t.Fatalf("expected fail with empty policy, got %+v", result)
	}
	if result.FailureClass != "REPLAY_VARIANCE_VIOLATION" {
		t.Fatalf("expected REPLAY_VARIANCE_VIOLATION, got %s", result.FailureClass)
	}
}

func TestConstrainedRejectsUnapprovedVariance(t *testing.T) {
	s := store.NewMemoryStore()
	g := gateFor(s)
	traceA := "4bf92f3577b34da6a3ce929d0e0e4736"
	traceB := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	authA := mustCommit(t, g, record.KindAuthContext, authJSON(traceA))
	policyA := mustCommit(t, g, record.KindPolicyDecision, policyJSON(traceA, authA.ComputedEnvelopeHash, "allow"))
	mustCommit(t, g, record.KindModelCall, modelJSON(traceA, authA.ComputedEnvelopeHash, policyA.ComputedEnvelopeHash, hex64))

	authB := mustCommit(t, g, record.KindAuthContext, authJSON(traceB))
	policyB := mustCommit(t, g, record.KindPolicyDecision, policyJSON(traceB, authB.ComputedEnvelopeHash, "allow"))
	mustCommit(t, g, record.KindModelCall, modelJSON(traceB, authB.ComputedEnvelopeHash, policyB.ComputedEnvelopeHash, hexAllF))

	idx, err := traceindex.Build(context.Background(), s, traceindex.Options{})
	if err != nil {
		t.Fatalf("traceindex.Build: %v", err)
	}
	result := Constrained(context.Background(), s, idx, traceA, traceB, VariancePolicy{})
	if result.Result != record.ReplayFail {
		t.Fatalf("expected fail, got %+v", result)
	}
	if result.FailureClass != "REPLAY_VARIANCE_VIOLATION" {
		t.Fatalf("expected REPLAY_VARIANCE_VIOLATION, got %s", result.FailureClass)
	}
}
