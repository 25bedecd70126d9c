package replay

import (
	"context"
	"encoding/json"
	"testing"

	"ledger/pkg/codec"
	"ledger/pkg/gate"
	"ledger/pkg/record"
	"ledger/pkg/store"
	"ledger/pkg/traceindex"
)

const hex64 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func mustCommit(t *testing.T, g *gate.Gate, kind record.Kind, rawStr string) gate.CommitOutcome {
	t.Helper()
	raw := json.RawMessage(rawStr)
	_, hash, err := codec.CanonicalizeAndHash(raw)
	if err != nil {
		t.Fatalf("fixture failed to canonicalize: %v", err)
	}
	out := g.Commit(context.Background(), kind, hash, raw)
	if !out.Accepted {
		t.Fatalf("expected %s accepted, got %+v", kind, out)
	}
	return out
}

func authJSON(traceID string) string {
	return `{
		"spec_version":"1.0.0","canon_version":"1","record_type":"auth_context",
		"trace":{"trace_id":"` + traceID + `","span_id":"00f067aa0ba902b7","span_kind":"internal"},
		"producer":{"layer":"gateway","component":"auth-mw"},
		"ts_ms":1000,
		"actor":{"actor_kind":"service","actor_id":"svc-billing"},
		"credential":{"credential_kind":"jwt","issuer":"idp.internal","presented_hash_sha256":"` + hex64 + `","verified_at_ms":999,"expires_at_ms":2000},
		"grants":{"read:invoice":true}
	}`
}

func policyJSON(traceID, authHash, result string) string {
	return `{
		"spec_version":"1.0.0","canon_version":"1","record_type":"policy_decision",
		"trace":{"trace_id":"` + traceID + `","span_id":"00f067aa0ba902b7","span_kind":"internal"},
		"producer":{"layer":"policy","component":"evaluator"},
		"ts_ms":1001,
		"auth_context_envelope_sha256":"` + authHash + `",
		"policy":{"policy_id":"invoice-read","policy_version":"v3","policy_sha256":"` + hex64 + `"},
		"request":{"action":"read","resource":"invoice:acme:1042"},
		"decision":{"result":"` + result + `","reason_codes":{"grant_present":true},"obligations":{}}
	}`
}

func modelJSON(traceID, authHash, policyHash, responseSHA string) string {
	return `{
		"spec_version":"1.0.0","canon_version":"1","record_type":"model_call",
		"trace":{"trace_id":"` + traceID + `","span_id":"00f067aa0ba902b7","span_kind":"internal"},
		"producer":{"layer":"adapter","component":"model-bridge"},
		"started_at_ms":1002,"ended_at_ms":1500,
		"auth_context_envelope_sha256":"` + authHash + `",
		"policy_decision_envelope_sha256":"` + policyHash + `",
		"model":{"provider":"anthropic","name":"claude","version":"1"},
		"request":{"content_type":"application/json","sha256":"` + hex64 + `","size_bytes":12},
		"response":{"content_type":"application/json","sha256":"` + responseSHA + `","size_bytes":34},
		"outcome":{"status":"ok"}
	}`
}

func gateFor(s store.ArtifactStore) *gate.Gate {
	return gate.New(s)
}

// buildFullChain submits auth -> policy(allow) -> model for traceID and
// returns a freshly-built trace index over s.
func buildFullChain(t *testing.T, s store.ArtifactStore, traceID, responseSHA string) *traceindex.Index {
	t.Helper()
	g := gate.New(s)
	authOut := mustCommit(t, g, record.KindAuthContext, authJSON(traceID))
	policyOut := mustCommit(t, g, record.KindPolicyDecision, policyJSON(traceID, authOut.ComputedEnvelopeHash, "allow"))
	mustCommit(t, g, record.KindModelCall, modelJSON(traceID, authOut.ComputedEnvelopeHash, policyOut.ComputedEnvelopeHash, responseSHA))

	idx, err := traceindex.Build(context.Background(), s, traceindex.Options{})
	if err != nil {
		t.Fatalf("traceindex.Build: %v", err)
	}
	return idx
}
