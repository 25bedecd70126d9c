package replay

import (
	"context"
	"sort"
	"strings"

	"ledger/pkg/record"
	"ledger/pkg/store"
	"ledger/pkg/taxonomy"
	"ledger/pkg/traceindex"
)

// VariancePolicy governs which response differences constrained replay
// tolerates between a baseline and a candidate trace. It is the sole
// source of variance approval: response differences are forbidden unless
// the caller-supplied policy allows them for that kind.
type VariancePolicy struct {
	AllowModelResponseVariance bool
	AllowToolResponseVariance  bool
}

type policySignature string

func signPolicyDecision(obj map[string]interface{}) policySignature {
	policy, _ := obj["policy"].(map[string]interface{})
	request, _ := obj["request"].(map[string]interface{})
	decision, _ := obj["decision"].(map[string]interface{})
	reasonCodes, _ := decision["reason_codes"].(map[string]interface{})
	obligations, _ := decision["obligations"].(map[string]interface{})

	return policySignature(strings.Join([]string{
		stringField(policy, "policy_id"),
		stringField(policy, "policy_version"),
		stringField(policy, "policy_sha256"),
		stringField(request, "action"),
		stringField(request, "resource"),
		stringField(decision, "result"),
		strings.Join(sortedKeys(reasonCodes), ","),
		strings.Join(sortedKeys(obligations), ","),
	}, "|"))
}

type evidenceIdentity string

func signEvidence(a chainArtifact, policySig policySignature) evidenceIdentity {
	var idObj map[string]interface{}
	var idKey string
	switch a.kind {
	case record.KindModelCall:
		idObj, _ = a.decoded["model"].(map[string]interface{})
		idKey = "model"
	case record.KindToolCall:
		idObj, _ = a.decoded["tool"].(map[string]interface{})
		idKey = "tool"
	}
	request, _ := a.decoded["request"].(map[string]interface{})
	return evidenceIdentity(strings.Join([]string{
		string(a.kind), idKey,
		stringField(idObj, "namespace"), stringField(idObj, "name"), stringField(idObj, "version"),
		stringField(request, "sha256"),
		string(policySig),
	}, "|"))
}

func responseRef(a chainArtifact) string {
	response, _ := a.decoded["response"].(map[string]interface{})
	return stringField(response, "sha256")
}

// Constrained runs the constrained replay engine: it compares
// baselineTraceID and candidateTraceID under policy, certifying that
// legitimately differing model/tool responses still represent equivalent
// governance.
func Constrained(ctx context.Context, s store.ArtifactStore, idx *traceindex.Index, baselineTraceID, candidateTraceID string, policy VariancePolicy) record.ReplayResult {
	result := record.ReplayResult{
		ReplayType: record.ReplayConstrained,
		TargetTraceID: baselineTraceID + ":" + candidateTraceID,
	}

	baselineInvariant := Invariant(ctx, s, idx, baselineTraceID)
	if baselineInvariant.Result != record.ReplayPass {
		result.Result = record.ReplayFail
		result.FailureClass = baselineInvariant.FailureClass
		result.FailureKind = baselineInvariant.FailureKind
		result.Details = mustMarshal(Diagnostic{"side": "baseline"})
		return result
	}
	candidateInvariant := Invariant(ctx, s, idx, candidateTraceID)
	if candidateInvariant.Result != record.ReplayPass {
		result.Result = record.ReplayFail
		result.FailureClass = candidateInvariant.FailureClass
		result.FailureKind = candidateInvariant.FailureKind
		result.Details = mustMarshal(Diagnostic{"side": "candidate"})
		return result
	}

	result.InputEnvelopeHashes = append(append([]string{}, baselineInvariant.InputEnvelopeHashes...), candidateInvariant.InputEnvelopeHashes...)

	baselineChain, err := decodeChain(idx.Resolve(baselineTraceID))
	if err != nil {
		result.Result = record.ReplayFail
		result.FailureClass = string(taxonomy.SchemaReject)
		return result
	}
	candidateChain, err := decodeChain(idx.Resolve(candidateTraceID))
	if err != nil {
		result.Result = record.ReplayFail
		result.FailureClass = string(taxonomy.SchemaReject)
		return result
	}

	if mismatch := comparePolicyPaths(baselineChain, candidateChain); mismatch {
		result.Result = record.ReplayFail
		result.FailureClass = string(taxonomy.ReplayPolicyPathMismatch)
		return result
	}

	baselineEvidence, _ := evidenceIdentities(baselineChain)
	candidateEvidence, candidateByIdentity := evidenceIdentities(candidateChain)
	if mismatch := compareMultisets(baselineEvidence, candidateEvidence); mismatch {
		result.Result = record.ReplayFail
		result.FailureClass = string(taxonomy.ReplayPolicyPathMismatch)
		return result
	}

	allowedDifferences, violation := enforceVariance(baselineChain, candidateByIdentity, policy)
	if violation != "" {
		result.Result = record.ReplayFail
		result.FailureClass = string(taxonomy.ReplayVarianceViolation)
		result.Details = mustMarshal(Diagnostic{"violating_identity": violation})
		return result
	}

	result.Result = record.ReplayPass
	result.Details = mustMarshal(Diagnostic{"allowed_differences": allowedDifferences})
	return result
}

func comparePolicyPaths(baseline, candidate []chainArtifact) bool {
	sigs := func(chain []chainArtifact) []string {
		out := []string{}
		for _, a := range chain {
			if a.kind == record.KindPolicyDecision {
				out = append(out, string(signPolicyDecision(a.decoded)))
			}
		}
		sort.Strings(out)
		return out
	}
	a, b := sigs(baseline), sigs(candidate)
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}

// policyDecisionByHash indexes a chain's policy decisions for O(1)
// signature lookup when forming evidence identities.
func policyDecisionByHash(chain []chainArtifact) map[string]policySignature {
	out := map[string]policySignature{}
	for _, a := range chain {
		if a.kind == record.KindPolicyDecision {
			out[a.hash] = signPolicyDecision(a.decoded)
		}
	}
	return out
}

func evidenceIdentities(chain []chainArtifact) ([]evidenceIdentity, map[evidenceIdentity]chainArtifact) {
	policySigs := policyDecisionByHash(chain)
	var out []evidenceIdentity
	byIdentity := map[evidenceIdentity]chainArtifact{}
	for _, a := range chain {
		if a.kind != record.KindModelCall && a.kind != record.KindToolCall {
			continue
		}
		policyHash := stringField(a.decoded, "policy_decision_envelope_sha256")
		sig := policySigs[policyHash]
		identity := signEvidence(a, sig)
		out = append(out, identity)
		byIdentity[identity] = a
	}
	return out, byIdentity
}

func compareMultisets(a, b []evidenceIdentity) bool {
	counts := map[evidenceIdentity]int{}
	for _, v := range a {
		counts[v]++
	}
	for _, v := range b {
		counts[v]--
	}
	for _, c := range counts {
		if c != 0 {
			return true
		}
	}
	return len(a) != len(b)
}

func enforceVariance(baseline []chainArtifact, candidateByIdentity map[evidenceIdentity]chainArtifact, policy VariancePolicy) ([]string, string) {
	var allowed []string
	baselinePolicySigs := policyDecisionByHash(baseline)
	for _, a := range baseline {
		if a.kind != record.KindModelCall && a.kind != record.KindToolCall {
			continue
		}
		policyHash := stringField(a.decoded, "policy_decision_envelope_sha256")
		identity := signEvidence(a, baselinePolicySigs[policyHash])
		c, ok := candidateByIdentity[identity]
		if !ok {
			continue // already caught by compareMultisets
		}
		if responseRef(a) == responseRef(c) {
			continue
		}
		policyAllowed := (a.kind == record.KindModelCall && policy.AllowModelResponseVariance) ||
			(a.kind == record.KindToolCall && policy.AllowToolResponseVariance)
		if !policyAllowed {
			return allowed, string(identity)
		}
		allowed = append(allowed, string(identity))
	}
	return allowed, ""
}
