// Package record defines the closed set of evidence record kinds and the
// replay-result shape. These are plain data types; canonicalization,
// hashing, and validation live in the codec and schema packages so that
// record stays a pure data-model package.
package record

import "encoding/json"

// Kind is the closed set of record kinds the gate will accept.
type Kind string

const (
	KindAuthContext    Kind = "auth_context"
	KindPolicyDecision Kind = "policy_decision"
	KindModelCall      Kind = "model_call"
	KindToolCall       Kind = "tool_call"
)

// AllKinds enumerates the closed set in a stable order, used for
// RECORD_TYPE_FORBIDDEN checks and for building closed-world error text.
func AllKinds() []Kind {
	return []Kind{KindAuthContext, KindPolicyDecision, KindModelCall, KindToolCall}
}

// IsKnown reports whether k is one of the four record kinds.
func IsKnown(k Kind) bool {
	switch k {
	case KindAuthContext, KindPolicyDecision, KindModelCall, KindToolCall:
		return true
	default:
		return false
	}
}

// SpecVersion and CanonVersion are fixed constants for this canon revision.
const (
	SpecVersion  = "1.0.0"
	CanonVersion = "1"
)

// Producer identifies the layer/component that emitted an envelope.
type Producer struct {
	Layer     string `json:"layer"`
	Component string `json:"component"`
}

// TraceContext is present on every record kind.
type TraceContext struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	SpanKind     string `json:"span_kind"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// StringSet is the `{ "key": true, ... }` discipline used for every
// string-set field, so canonical form is independent of
// insertion order (map iteration order never affects JSON member order
// because the codec sorts keys).
type StringSet map[string]bool

// BlobRef is a content-addressed reference to a payload stored elsewhere.
type BlobRef struct {
	ContentType string `json:"content_type"`
	SHA256      string `json:"sha256"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Envelope is the common header shared by every record kind.
type Envelope struct {
	SpecVersion  string       `json:"spec_version"`
	CanonVersion string       `json:"canon_version"`
	RecordType   string       `json:"record_type"`
	Trace        TraceContext `json:"trace"`
	Producer     Producer     `json:"producer"`
}

// AuthContext is the chain root: an authenticated principal, its
// credential, and its grants.
type AuthContext struct {
	Envelope
	TSMs       int64      `json:"ts_ms"`
	Actor      Actor      `json:"actor"`
	Credential Credential `json:"credential"`
	Grants     StringSet  `json:"grants"`
}

type Actor struct {
	ActorKind string `json:"actor_kind"`
	ActorID   string `json:"actor_id"`
}

type Credential struct {
	CredentialKind   string `json:"credential_kind"`
	Issuer           string `json:"issuer"`
	PresentedHashSHA256 string `json:"presented_hash_sha256"`
	VerifiedAtMs     int64  `json:"verified_at_ms"`
	ExpiresAtMs      int64  `json:"expires_at_ms"`
}

// PolicyDecision records an allow/deny outcome against a referenced
// AuthContext.
type PolicyDecision struct {
	Envelope
	TSMs                     int64    `json:"ts_ms"`
	AuthContextEnvelopeSHA256 string  `json:"auth_context_envelope_sha256"`
	Policy                   Policy   `json:"policy"`
	Request                  Request  `json:"request"`
	Decision                 Decision `json:"decision"`
}

type Policy struct {
	PolicyID      string `json:"policy_id"`
	PolicyVersion string `json:"policy_version"`
	PolicySHA256  string `json:"policy_sha256"`
}

type Request struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
}

// DecisionResult is the closed set of policy_decision outcomes.
type DecisionResult string

const (
	DecisionAllow DecisionResult = "allow"
	DecisionDeny  DecisionResult = "deny"
)

type Decision struct {
	Result       DecisionResult `json:"result"`
	ReasonCodes  StringSet      `json:"reason_codes"`
	Obligations  StringSet      `json:"obligations"`
}

// Usage is optional on model_call records.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type Outcome struct {
	Status string `json:"status"`
}

// ModelCall is evidence of a model invocation.
type ModelCall struct {
	Envelope
	StartedAtMs               int64    `json:"started_at_ms"`
	EndedAtMs                 int64    `json:"ended_at_ms"`
	AuthContextEnvelopeSHA256 string   `json:"auth_context_envelope_sha256"`
	PolicyDecisionEnvelopeSHA256 string `json:"policy_decision_envelope_sha256"`
	Model                      ModelID  `json:"model"`
	Request                    BlobRef  `json:"request"`
	Response                   BlobRef  `json:"response"`
	Outcome                    Outcome  `json:"outcome"`
	Usage                      *Usage   `json:"usage,omitempty"`
}

type ModelID struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
}

// ToolCall is evidence of a tool invocation.
type ToolCall struct {
	Envelope
	StartedAtMs                  int64   `json:"started_at_ms"`
	EndedAtMs                    int64   `json:"ended_at_ms"`
	AuthContextEnvelopeSHA256     string  `json:"auth_context_envelope_sha256"`
	PolicyDecisionEnvelopeSHA256  string  `json:"policy_decision_envelope_sha256"`
	Tool                          ToolID  `json:"tool"`
	Request                       BlobRef `json:"request"`
	Response                      BlobRef `json:"response"`
	Outcome                       Outcome `json:"outcome"`
}

type ToolID struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
}

// ReplayKind is the closed set of replay engine kinds.
type ReplayKind string

const (
	ReplayInvariant   ReplayKind = "invariant"
	ReplayForensic    ReplayKind = "forensic"
	ReplayConstrained ReplayKind = "constrained"
)

// ReplayOutcome is the pass/fail result of a replay run.
type ReplayOutcome string

const (
	ReplayPass ReplayOutcome = "pass"
	ReplayFail ReplayOutcome = "fail"
)

// ReplayResult is the fixed shape of a replay-result record. It is never
// submitted through the commit gate and has no record_type: it is
// produced by the replay engines and stored in its own namespace.
type ReplayResult struct {
	ReplayType          ReplayKind      `json:"replay_type"`
	TargetTraceID       string          `json:"target_trace_id"`
	InputEnvelopeHashes []string        `json:"input_envelope_hashes"`
	Result              ReplayOutcome   `json:"result"`
	FailureClass        string          `json:"failure_class,omitempty"`
	FailureKind         string          `json:"failure_kind,omitempty"`
	GeneratedAtMs       int64           `json:"generated_at_ms"`
	Details             json.RawMessage `json:"details,omitempty"`
}
