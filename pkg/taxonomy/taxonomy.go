// Package taxonomy is the closed set of commit and replay outcome
// classifications, and the persistence policy attached to each.
package taxonomy

// Class is a commit or replay outcome classification.
type Class string

const (
	Accept                Class = "ACCEPT"
	SchemaReject           Class = "SCHEMA_REJECT"
	HashMismatch            Class = "HASH_MISMATCH"
	MissingPrereq           Class = "MISSING_PREREQ"
	TraceViolation          Class = "TRACE_VIOLATION"
	UnauthorizedExecution   Class = "UNAUTHORIZED_EXECUTION"
	RecordTypeForbidden     Class = "RECORD_TYPE_FORBIDDEN"

	ReplayChainNotFound        Class = "REPLAY_CHAIN_NOT_FOUND"
	ReplayPolicyPathMismatch   Class = "REPLAY_POLICY_PATH_MISMATCH"
	ReplayVarianceViolation    Class = "REPLAY_VARIANCE_VIOLATION"
)

// Persists reports whether an artifact carrying this classification is
// written to the store. SCHEMA_REJECT and RECORD_TYPE_FORBIDDEN are never
// persisted because canonical bytes cannot be defined for them (or, for
// RECORD_TYPE_FORBIDDEN, because the kind itself was never eligible to
// produce canonical bytes under a known schema).
func Persists(c Class) bool {
	switch c {
	case SchemaReject, RecordTypeForbidden:
		return false
	default:
		return true
	}
}

// Error-kind string constants. These are part of the external contract:
// test vectors and consumers assert against the exact strings.
const (
	ErrKindAdditionalProperties = "schema_violation.additional_properties"
	ErrKindEnum                 = "schema_violation.enum"
	ErrKindType                 = "schema_violation.type"
	ErrKindPattern              = "schema_violation.pattern"
	ErrKindMissingTraceID       = "schema_violation.trace_context.missing_trace_id"

	ErrKindMissingPrereqAuth   = "missing_prereq.auth_context"
	ErrKindMissingPrereqPolicy = "missing_prereq.policy_decision"

	ErrKindTraceIDMismatch = "trace_violation.trace_id_mismatch"

	ErrKindUnauthorizedPolicyDenied = "unauthorized.policy_denied"

	ErrKindHashMismatchEnvelope         = "hash_mismatch.envelope_hash"
	ErrKindHashMismatchCanonicalJSON    = "hash_mismatch.canonical_json_mismatch"

	ErrKindRecordTypeForbidden = "record_type_forbidden"
)

// SchemaViolationRequired builds the stable required-field error kind
// string `schema_violation.required.<field>`.
func SchemaViolationRequired(field string) string {
	return "schema_violation.required." + field
}
