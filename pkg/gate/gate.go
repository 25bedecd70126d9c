// Package gate implements the Commit Gate: the single
// write aperture that runs the fixed ten-step sequence — record-kind
// check, schema validation, payload-kind agreement, canonicalization,
// hashing, hash comparison, prerequisite resolution, trace continuity,
// authorization, and persistence — and never reorders it.
package gate

import (
	"context"
	"encoding/json"

	"ledger/pkg/codec"
	"ledger/pkg/lifecycle"
	"ledger/pkg/record"
	"ledger/pkg/schema"
	"ledger/pkg/store"
	"ledger/pkg/taxonomy"
)

// CommitOutcome is the gate's return value for a single submission.
type CommitOutcome struct {
	Accepted             bool
	Classification       taxonomy.Class
	ErrorKind            string
	ComputedEnvelopeHash string
	CanonicalBytes       []byte
}

// Gate is the commit gate, bound to a single ArtifactStore.
type Gate struct {
	Store store.ArtifactStore
}

// New returns a Gate backed by s.
func New(s store.ArtifactStore) *Gate {
	return &Gate{Store: s}
}

// validation is everything steps 1-9 compute: a classification, the
// error kind carried alongside it, and (when defined) the canonical
// bytes/hash/trace/time-key a persisting classification needs written.
type validation struct {
	class     taxonomy.Class
	errorKind string
	hash      string
	canonical []byte
	traceID   string
	timeKeyMs int64
}

// Commit runs the ten-step sequence for one submission as a two-phase
// validate-then-persist unit (pkg/lifecycle): every check in steps 1-9
// runs read-only against the store, and a single write happens only once
// the classification is fully decided, so a failure partway through never
// leaves a partial artifact behind.
func (g *Gate) Commit(ctx context.Context, declaredKind record.Kind, declaredHash string, raw json.RawMessage) CommitOutcome {
	var v validation
	result, err := lifecycle.Run(ctx, lifecycle.TwoPhase{
		Validate: func(ctx context.Context) (taxonomy.Class, error) {
			v = g.validate(ctx, declaredKind, declaredHash, raw)
			return v.class, nil
		},
		Persist: func(ctx context.Context, class taxonomy.Class) error {
			return g.persist(ctx, declaredKind, v)
		},
	})
	if err != nil {
		return CommitOutcome{Classification: taxonomy.SchemaReject, ErrorKind: taxonomy.ErrKindType}
	}
	return CommitOutcome{
		Accepted:             result.Class == taxonomy.Accept,
		Classification:       v.class,
		ErrorKind:            v.errorKind,
		ComputedEnvelopeHash: v.hash,
		CanonicalBytes:       v.canonical,
	}
}

// validate runs steps 1-9 without writing to the store.
func (g *Gate) validate(ctx context.Context, declaredKind record.Kind, declaredHash string, raw json.RawMessage) validation {
	// Step 1: record-kind check.
	if !record.IsKnown(declaredKind) {
		return validation{class: taxonomy.RecordTypeForbidden, errorKind: taxonomy.ErrKindRecordTypeForbidden}
	}

	// Step 2 + 3: schema validation, payload-kind agreement.
	actualKind, schemaErr := schema.Validate(raw)
	if schemaErr != nil {
		return validation{class: taxonomy.SchemaReject, errorKind: schemaErr.ErrorKind}
	}
	if actualKind != declaredKind {
		return validation{class: taxonomy.SchemaReject, errorKind: taxonomy.ErrKindType}
	}

	// Step 4 + 5: canonicalize, hash.
	canonical, computedHash, err := codec.CanonicalizeAndHash(raw)
	if err != nil {
		return validation{class: taxonomy.SchemaReject, errorKind: taxonomy.ErrKindType}
	}

	// Step 6: hash comparison.
	if declaredHash != computedHash {
		return validation{class: taxonomy.HashMismatch, errorKind: taxonomy.ErrKindHashMismatchEnvelope, hash: computedHash, canonical: canonical}
	}

	decoded, traceID, timeKeyMs, err := decodeForResolution(declaredKind, raw)
	if err != nil {
		return validation{class: taxonomy.SchemaReject, errorKind: taxonomy.ErrKindType}
	}

	// Step 7: prerequisite resolution.
	prereqs, missingClass := g.resolvePrerequisites(ctx, declaredKind, decoded)
	if missingClass != "" {
		return validation{class: taxonomy.MissingPrereq, errorKind: missingClass, hash: computedHash, canonical: canonical, traceID: traceID, timeKeyMs: timeKeyMs}
	}

	// Step 8: trace continuity.
	for _, p := range prereqs {
		if p.TraceID != traceID {
			return validation{class: taxonomy.TraceViolation, errorKind: taxonomy.ErrKindTraceIDMismatch, hash: computedHash, canonical: canonical, traceID: traceID, timeKeyMs: timeKeyMs}
		}
	}

	// Step 9: authorization.
	if declaredKind == record.KindModelCall || declaredKind == record.KindToolCall {
		policyResult, _ := decoded["__policy_decision_result"].(string)
		if policyResult != string(record.DecisionAllow) {
			return validation{class: taxonomy.UnauthorizedExecution, errorKind: taxonomy.ErrKindUnauthorizedPolicyDenied, hash: computedHash, canonical: canonical, traceID: traceID, timeKeyMs: timeKeyMs}
		}
	}

	return validation{class: taxonomy.Accept, hash: computedHash, canonical: canonical, traceID: traceID, timeKeyMs: timeKeyMs}
}

// persist performs the single write step 10 (or the rejected-attempt
// write for a persisting non-accept class) implies.
func (g *Gate) persist(ctx context.Context, kind record.Kind, v validation) error {
	if v.class == taxonomy.Accept {
		err := g.Store.PutAccepted(ctx, store.AcceptedArtifact{
			Hash: v.hash, Kind: kind, Canonical: v.canonical, TraceID: v.traceID, TimeKeyMs: v.timeKeyMs,
		})
		if err == store.ErrAlreadyExists {
			return nil
		}
		return err
	}
	err := g.Store.PutRejected(ctx, store.RejectedAttempt{
		Hash: v.hash, Kind: kind, Canonical: v.canonical, FailureClass: v.class, ErrorKind: v.errorKind,
		TraceID: v.traceID, TimeKeyMs: v.timeKeyMs,
	})
	if err == store.ErrAlreadyExists {
		return nil
	}
	return err
}

// resolvedPrereq is the subset of an accepted artifact the gate needs
// during steps 7-9.
type resolvedPrereq struct {
	TraceID string
}

// resolvePrerequisites resolves the hashes a record of kind declaredKind
// references, per the gate's prerequisite-resolution step. It returns the resolved
// prerequisites' trace context, or a non-empty error kind on a miss.
func (g *Gate) resolvePrerequisites(ctx context.Context, declaredKind record.Kind, decoded map[string]interface{}) ([]resolvedPrereq, string) {
	var prereqs []resolvedPrereq
	switch declaredKind {
	case record.KindAuthContext:
		return nil, ""
	case record.KindPolicyDecision:
		authHash, _ := decoded["auth_context_envelope_sha256"].(string)
		auth, err := g.Store.GetAccepted(ctx, authHash)
		if err != nil {
			return nil, taxonomy.ErrKindMissingPrereqAuth
		}
		prereqs = append(prereqs, resolvedPrereq{TraceID: auth.TraceID})
	case record.KindModelCall, record.KindToolCall:
		authHash, _ := decoded["auth_context_envelope_sha256"].(string)
		auth, err := g.Store.GetAccepted(ctx, authHash)
		if err != nil {
			return nil, taxonomy.ErrKindMissingPrereqAuth
		}
		prereqs = append(prereqs, resolvedPrereq{TraceID: auth.TraceID})

		policyHash, _ := decoded["policy_decision_envelope_sha256"].(string)
		policy, err := g.Store.GetAccepted(ctx, policyHash)
		if err != nil {
			return nil, taxonomy.ErrKindMissingPrereqPolicy
		}
		prereqs = append(prereqs, resolvedPrereq{TraceID: policy.TraceID})

		// Stash the referenced policy decision's result for step 9;
		// extractPolicyResult fetches the policy decision from the store a
		// second time and decodes its canonical bytes.
		result, err := extractPolicyResult(ctx, g.Store, policyHash)
		if err == nil {
			decoded["__policy_decision_result"] = result
		}
	}
	return prereqs, ""
}

func extractPolicyResult(ctx context.Context, s store.ArtifactStore, policyHash string) (string, error) {
	policy, err := s.GetAccepted(ctx, policyHash)
	if err != nil {
		return "", err
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(policy.Canonical, &obj); err != nil {
		return "", err
	}
	decision, _ := obj["decision"].(map[string]interface{})
	result, _ := decision["result"].(string)
	return result, nil
}

// decodeForResolution decodes the canonical fields the gate needs to
// resolve prerequisites and compute the trace index time key, without
// requiring a typed record.* struct decode (the record types carry
// `json.Number`-incompatible int64 fields; the gate works over the
// loosely-typed form the same way schema.Validate does).
func decodeForResolution(kind record.Kind, raw json.RawMessage) (map[string]interface{}, string, int64, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, "", 0, err
	}
	trace, _ := obj["trace"].(map[string]interface{})
	traceID, _ := trace["trace_id"].(string)

	var timeKeyMs int64
	switch kind {
	case record.KindAuthContext, record.KindPolicyDecision:
		timeKeyMs = asInt64(obj["ts_ms"])
	case record.KindModelCall, record.KindToolCall:
		timeKeyMs = asInt64(obj["started_at_ms"])
	}
	return obj, traceID, timeKeyMs, nil
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
