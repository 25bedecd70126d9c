// Package replay implements the three replay engines and the replay
// result emitter. All three engines operate
// strictly over persisted artifacts; none executes a model or tool.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"ledger/pkg/codec"
	"ledger/pkg/record"
	"ledger/pkg/schema"
	"ledger/pkg/store"
	"ledger/pkg/taxonomy"
	"ledger/pkg/traceindex"
)

// Diagnostic is a concise, free-form detail object attached to a replay
// result; it must itself canonicalize deterministically, so callers
// should only place plain strings/integers/bools/nested objects in it.
type Diagnostic map[string]interface{}

// chainArtifact pairs a trace-index entry with its decoded fields, to
// avoid re-decoding canonical bytes at every check.
type chainArtifact struct {
	hash      string
	kind      record.Kind
	canonical []byte
	decoded   map[string]interface{}
	traceID   string
}

func decodeChain(entries []traceindex.Entry) ([]chainArtifact, error) {
	out := make([]chainArtifact, 0, len(entries))
	for _, e := range entries {
		var obj map[string]interface{}
		if err := json.Unmarshal(e.Canonical, &obj); err != nil {
			return nil, fmt.Errorf("replay: decode %s: %w", e.Hash, err)
		}
		trace, _ := obj["trace"].(map[string]interface{})
		traceID, _ := trace["trace_id"].(string)
		out = append(out, chainArtifact{hash: e.Hash, kind: e.Kind, canonical: e.Canonical, decoded: obj, traceID: traceID})
	}
	return out, nil
}

func stringField(obj map[string]interface{}, key string) string {
	s, _ := obj[key].(string)
	return s
}

// invariantCheck runs the checks common to invariant and forensic replay
// chain existence, per-record schema+hash re-verification,
// trace-id agreement, and prerequisite/authorization re-verification. It
// returns the first failing artifact's hash and error kind, or ("", "")
// on success.
func invariantCheck(ctx context.Context, s store.ArtifactStore, traceID string, chain []chainArtifact) (failHash string, class taxonomy.Class, errKind string) {
	byHash := map[string]chainArtifact{}
	for _, a := range chain {
		byHash[a.hash] = a
	}

	for _, a := range chain {
		if a.traceID != traceID {
			return a.hash, taxonomy.TraceViolation, taxonomy.ErrKindTraceIDMismatch
		}

		declaredKind, schemaErr := schema.Validate(a.canonical)
		if schemaErr != nil || declaredKind != a.kind {
			return a.hash, taxonomy.SchemaReject, taxonomy.ErrKindType
		}
		recomputed, err := codec.Canonicalize(a.canonical)
		if err != nil {
			return a.hash, taxonomy.SchemaReject, taxonomy.ErrKindType
		}
		if codec.Hash(recomputed) != a.hash {
			return a.hash, taxonomy.HashMismatch, taxonomy.ErrKindHashMismatchEnvelope
		}

		switch a.kind {
		case record.KindPolicyDecision:
			authHash := stringField(a.decoded, "auth_context_envelope_sha256")
			auth, err := resolveInChainOrStore(ctx, s, byHash, authHash)
			if err != nil {
				return a.hash, taxonomy.MissingPrereq, taxonomy.ErrKindMissingPrereqAuth
			}
			if auth.traceID != traceID {
				return a.hash, taxonomy.TraceViolation, taxonomy.ErrKindTraceIDMismatch
			}
		case record.KindModelCall, record.KindToolCall:
			authHash := stringField(a.decoded, "auth_context_envelope_sha256")
			auth, err := resolveInChainOrStore(ctx, s, byHash, authHash)
			if err != nil {
				return a.hash, taxonomy.MissingPrereq, taxonomy.ErrKindMissingPrereqAuth
			}
			if auth.traceID != traceID {
				return a.hash, taxonomy.TraceViolation, taxonomy.ErrKindTraceIDMismatch
			}
			policyHash := stringField(a.decoded, "policy_decision_envelope_sha256")
			policy, err := resolveInChainOrStore(ctx, s, byHash, policyHash)
			if err != nil {
				return a.hash, taxonomy.MissingPrereq, taxonomy.ErrKindMissingPrereqPolicy
			}
			if policy.traceID != traceID {
				return a.hash, taxonomy.TraceViolation, taxonomy.ErrKindTraceIDMismatch
			}
			decision, _ := policy.decoded["decision"].(map[string]interface{})
			result, _ := decision["result"].(string)
			if result != string(record.DecisionAllow) {
				return a.hash, taxonomy.UnauthorizedExecution, taxonomy.ErrKindUnauthorizedPolicyDenied
			}
		}
	}
	return "", "", ""
}

func resolveInChainOrStore(ctx context.Context, s store.ArtifactStore, byHash map[string]chainArtifact, hash string) (chainArtifact, error) {
	if a, ok := byHash[hash]; ok {
		return a, nil
	}
	accepted, err := s.GetAccepted(ctx, hash)
	if err != nil {
		return chainArtifact{}, err
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(accepted.Canonical, &obj); err != nil {
		return chainArtifact{}, err
	}
	return chainArtifact{hash: hash, kind: accepted.Kind, canonical: accepted.Canonical, decoded: obj, traceID: accepted.TraceID}, nil
}

func mustMarshal(d Diagnostic) json.RawMessage {
	raw, err := json.Marshal(d)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func sortedKeys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
