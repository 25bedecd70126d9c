// Package schema implements closed-world structural validation for the
// four record kinds. There is no JSON-schema library in this dependency
// surface, so validation is hand-rolled in the same style as the bearer-JWT
// claim checks in pkg/auth/http.go: explicit field-by-field
// checks with regexp patterns, returning the first error encountered in a
// fixed, deterministic order.
//
// Cross-reference resolution (whether a referenced hash exists in the
// store) is not this package's concern; it belongs to the commit gate.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"ledger/pkg/record"
	"ledger/pkg/taxonomy"
)

// Error is a structural validation failure. ErrorKind is one of the stable
// error-kind strings in the closed taxonomy.
type Error struct {
	ErrorKind string
	Path      string
	Message   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at %s: %s", e.ErrorKind, e.Path, e.Message)
}

func newErr(kind, path, msg string) *Error {
	return &Error{ErrorKind: kind, Path: path, Message: msg}
}

var (
	hashPattern    = regexp.MustCompile(`^[0-9a-f]{64}$`)
	traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)
	spanIDPattern  = regexp.MustCompile(`^[0-9a-f]{16}$`)
	tokenPattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-:.]{0,127}$`)
	resourcePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-:./]{0,255}$`)
	allZeroTraceID = "00000000000000000000000000000000"
	allZeroSpanID  = "0000000000000000"
)

// Validate structurally validates raw against the schema for declaredKind.
// On success it returns the kind decoded from the record's own
// `record_type` field (the caller, the commit gate, is responsible for
// the gate's record-kind agreement step — comparing that against declaredKind).
func Validate(raw json.RawMessage) (record.Kind, *Error) {
	var obj map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return "", newErr(taxonomy.ErrKindType, "/", "record must be a json object")
	}
	if obj == nil {
		return "", newErr(taxonomy.ErrKindType, "/", "record must be a json object")
	}

	rtRaw, ok := obj["record_type"]
	if !ok {
		return "", newErr(taxonomy.SchemaViolationRequired("record_type"), "/record_type", "missing")
	}
	rtStr, ok := rtRaw.(string)
	if !ok {
		return "", newErr(taxonomy.ErrKindType, "/record_type", "must be a string")
	}
	kind := record.Kind(rtStr)
	if !record.IsKnown(kind) {
		return "", newErr(taxonomy.ErrKindEnum, "/record_type", "unrecognized record_type")
	}

	if err := validateEnvelope(obj, kind); err != nil {
		return "", err
	}

	switch kind {
	case record.KindAuthContext:
		if err := validateAuthContext(obj); err != nil {
			return "", err
		}
	case record.KindPolicyDecision:
		if err := validatePolicyDecision(obj); err != nil {
			return "", err
		}
	case record.KindModelCall:
		if err := validateEvidence(obj, "model", modelCallExtraKeys); err != nil {
			return "", err
		}
	case record.KindToolCall:
		if err := validateEvidence(obj, "tool", toolCallExtraKeys); err != nil {
			return "", err
		}
	}
	return kind, nil
}

// envelopeKeys is the set of member names shared by every record kind.
var envelopeKeys = map[string]bool{
	"spec_version": true, "canon_version": true, "record_type": true,
	"trace": true, "producer": true,
}

func validateEnvelope(obj map[string]interface{}, kind record.Kind) *Error {
	for _, field := range []string{"spec_version", "canon_version", "record_type", "trace", "producer"} {
		if _, ok := obj[field]; !ok {
			return newErr(taxonomy.SchemaViolationRequired(field), "/"+field, "missing")
		}
	}
	sv, ok := obj["spec_version"].(string)
	if !ok || sv != record.SpecVersion {
		return newErr(taxonomy.ErrKindEnum, "/spec_version", "must equal "+record.SpecVersion)
	}
	cv, ok := obj["canon_version"].(string)
	if !ok || cv != record.CanonVersion {
		return newErr(taxonomy.ErrKindEnum, "/canon_version", "must equal "+record.CanonVersion)
	}

	trace, ok := obj["trace"].(map[string]interface{})
	if !ok {
		return newErr(taxonomy.ErrKindType, "/trace", "must be an object")
	}
	if err := validateTrace(trace); err != nil {
		return err
	}

	producer, ok := obj["producer"].(map[string]interface{})
	if !ok {
		return newErr(taxonomy.ErrKindType, "/producer", "must be an object")
	}
	if err := validateProducer(producer); err != nil {
		return err
	}
	return nil
}

var traceAllowedKeys = map[string]bool{
	"trace_id": true, "span_id": true, "span_kind": true, "parent_span_id": true,
}

func validateTrace(trace map[string]interface{}) *Error {
	if err := checkAdditionalProperties(trace, traceAllowedKeys, "/trace"); err != nil {
		return err
	}
	traceIDRaw, ok := trace["trace_id"]
	if !ok {
		return newErr(taxonomy.ErrKindMissingTraceID, "/trace/trace_id", "missing")
	}
	traceID, ok := traceIDRaw.(string)
	if !ok || !traceIDPattern.MatchString(traceID) {
		return newErr(taxonomy.ErrKindPattern, "/trace/trace_id", "must be 32 lowercase hex chars")
	}
	if traceID == allZeroTraceID {
		return newErr(taxonomy.ErrKindPattern, "/trace/trace_id", "must be non-zero")
	}
	spanIDRaw, ok := trace["span_id"]
	if !ok {
		return newErr(taxonomy.SchemaViolationRequired("span_id"), "/trace/span_id", "missing")
	}
	spanID, ok := spanIDRaw.(string)
	if !ok || !spanIDPattern.MatchString(spanID) {
		return newErr(taxonomy.ErrKindPattern, "/trace/span_id", "must be 16 lowercase hex chars")
	}
	if spanID == allZeroSpanID {
		return newErr(taxonomy.ErrKindPattern, "/trace/span_id", "must be non-zero")
	}
	if _, ok := trace["span_kind"].(string); !ok {
		return newErr(taxonomy.SchemaViolationRequired("span_kind"), "/trace/span_kind", "missing")
	}
	if parent, ok := trace["parent_span_id"]; ok {
		parentStr, ok := parent.(string)
		if !ok || !spanIDPattern.MatchString(parentStr) {
			return newErr(taxonomy.ErrKindPattern, "/trace/parent_span_id", "must be 16 lowercase hex chars")
		}
	}
	return nil
}

var producerAllowedKeys = map[string]bool{"layer": true, "component": true}

func validateProducer(producer map[string]interface{}) *Error {
	if err := checkAdditionalProperties(producer, producerAllowedKeys, "/producer"); err != nil {
		return err
	}
	for _, field := range []string{"layer", "component"} {
		v, ok := producer[field]
		if !ok {
			return newErr(taxonomy.SchemaViolationRequired(field), "/producer/"+field, "missing")
		}
		s, ok := v.(string)
		if !ok || !tokenPattern.MatchString(s) {
			return newErr(taxonomy.ErrKindPattern, "/producer/"+field, "must match token pattern")
		}
	}
	return nil
}

var authContextExtraKeys = union(envelopeKeys, map[string]bool{
	"ts_ms": true, "actor": true, "credential": true, "grants": true,
})

func validateAuthContext(obj map[string]interface{}) *Error {
	if err := checkAdditionalProperties(obj, authContextExtraKeys, "/"); err != nil {
		return err
	}
	for _, field := range []string{"ts_ms", "actor", "credential", "grants"} {
		if _, ok := obj[field]; !ok {
			return newErr(taxonomy.SchemaViolationRequired(field), "/"+field, "missing")
		}
	}
	if err := validateNonNegInt(obj["ts_ms"], "/ts_ms"); err != nil {
		return err
	}
	actor, ok := obj["actor"].(map[string]interface{})
	if !ok {
		return newErr(taxonomy.ErrKindType, "/actor", "must be an object")
	}
	if err := checkAdditionalProperties(actor, map[string]bool{"actor_kind": true, "actor_id": true}, "/actor"); err != nil {
		return err
	}
	if err := validateToken(actor["actor_kind"], "/actor/actor_kind"); err != nil {
		return err
	}
	if err := validateToken(actor["actor_id"], "/actor/actor_id"); err != nil {
		return err
	}
	cred, ok := obj["credential"].(map[string]interface{})
	if !ok {
		return newErr(taxonomy.ErrKindType, "/credential", "must be an object")
	}
	credAllowed := map[string]bool{
		"credential_kind": true, "issuer": true, "presented_hash_sha256": true,
		"verified_at_ms": true, "expires_at_ms": true,
	}
	if err := checkAdditionalProperties(cred, credAllowed, "/credential"); err != nil {
		return err
	}
	for _, field := range []string{"credential_kind", "issuer", "presented_hash_sha256", "verified_at_ms", "expires_at_ms"} {
		if _, ok := cred[field]; !ok {
			return newErr(taxonomy.SchemaViolationRequired(field), "/credential/"+field, "missing")
		}
	}
	if err := validateToken(cred["credential_kind"], "/credential/credential_kind"); err != nil {
		return err
	}
	if err := validateToken(cred["issuer"], "/credential/issuer"); err != nil {
		return err
	}
	if err := validateHash(cred["presented_hash_sha256"], "/credential/presented_hash_sha256"); err != nil {
		return err
	}
	if err := validateNonNegInt(cred["verified_at_ms"], "/credential/verified_at_ms"); err != nil {
		return err
	}
	if err := validateNonNegInt(cred["expires_at_ms"], "/credential/expires_at_ms"); err != nil {
		return err
	}
	return validateStringSet(obj["grants"], "/grants")
}

var policyDecisionExtraKeys = union(envelopeKeys, map[string]bool{
	"ts_ms": true, "auth_context_envelope_sha256": true, "policy": true,
	"request": true, "decision": true,
})

func validatePolicyDecision(obj map[string]interface{}) *Error {
	if err := checkAdditionalProperties(obj, policyDecisionExtraKeys, "/"); err != nil {
		return err
	}
	for _, field := range []string{"ts_ms", "auth_context_envelope_sha256", "policy", "request", "decision"} {
		if _, ok := obj[field]; !ok {
			return newErr(taxonomy.SchemaViolationRequired(field), "/"+field, "missing")
		}
	}
	if err := validateNonNegInt(obj["ts_ms"], "/ts_ms"); err != nil {
		return err
	}
	if err := validateHash(obj["auth_context_envelope_sha256"], "/auth_context_envelope_sha256"); err != nil {
		return err
	}
	policy, ok := obj["policy"].(map[string]interface{})
	if !ok {
		return newErr(taxonomy.ErrKindType, "/policy", "must be an object")
	}
	policyAllowed := map[string]bool{"policy_id": true, "policy_version": true, "policy_sha256": true}
	if err := checkAdditionalProperties(policy, policyAllowed, "/policy"); err != nil {
		return err
	}
	for _, field := range []string{"policy_id", "policy_version", "policy_sha256"} {
		if _, ok := policy[field]; !ok {
			return newErr(taxonomy.SchemaViolationRequired(field), "/policy/"+field, "missing")
		}
	}
	if err := validateToken(policy["policy_id"], "/policy/policy_id"); err != nil {
		return err
	}
	if err := validateToken(policy["policy_version"], "/policy/policy_version"); err != nil {
		return err
	}
	if err := validateHash(policy["policy_sha256"], "/policy/policy_sha256"); err != nil {
		return err
	}
	req, ok := obj["request"].(map[string]interface{})
	if !ok {
		return newErr(taxonomy.ErrKindType, "/request", "must be an object")
	}
	reqAllowed := map[string]bool{"action": true, "resource": true}
	if err := checkAdditionalProperties(req, reqAllowed, "/request"); err != nil {
		return err
	}
	if err := validateToken(req["action"], "/request/action"); err != nil {
		return err
	}
	if err := validateResource(req["resource"], "/request/resource"); err != nil {
		return err
	}
	decision, ok := obj["decision"].(map[string]interface{})
	if !ok {
		return newErr(taxonomy.ErrKindType, "/decision", "must be an object")
	}
	decAllowed := map[string]bool{"result": true, "reason_codes": true, "obligations": true}
	if err := checkAdditionalProperties(decision, decAllowed, "/decision"); err != nil {
		return err
	}
	for _, field := range []string{"result", "reason_codes", "obligations"} {
		if _, ok := decision[field]; !ok {
			return newErr(taxonomy.SchemaViolationRequired(field), "/decision/"+field, "missing")
		}
	}
	result, ok := decision["result"].(string)
	if !ok || (result != string(record.DecisionAllow) && result != string(record.DecisionDeny)) {
		return newErr(taxonomy.ErrKindEnum, "/decision/result", "must be allow or deny")
	}
	if err := validateStringSet(decision["reason_codes"], "/decision/reason_codes"); err != nil {
		return err
	}
	return validateStringSet(decision["obligations"], "/decision/obligations")
}

var modelCallExtraKeys = map[string]bool{"model": true, "usage": true}
var toolCallExtraKeys = map[string]bool{"tool": true}

func validateEvidence(obj map[string]interface{}, idField string, extraAllowed map[string]bool) *Error {
	allowed := union(envelopeKeys, map[string]bool{
		"started_at_ms": true, "ended_at_ms": true,
		"auth_context_envelope_sha256": true, "policy_decision_envelope_sha256": true,
		"request": true, "response": true, "outcome": true,
	})
	allowed = union(allowed, extraAllowed)
	if err := checkAdditionalProperties(obj, allowed, "/"); err != nil {
		return err
	}
	required := []string{
		"started_at_ms", "ended_at_ms", "auth_context_envelope_sha256",
		"policy_decision_envelope_sha256", idField, "request", "response", "outcome",
	}
	for _, field := range required {
		if _, ok := obj[field]; !ok {
			return newErr(taxonomy.SchemaViolationRequired(field), "/"+field, "missing")
		}
	}
	if err := validateNonNegInt(obj["started_at_ms"], "/started_at_ms"); err != nil {
		return err
	}
	if err := validateNonNegInt(obj["ended_at_ms"], "/ended_at_ms"); err != nil {
		return err
	}
	if err := validateHash(obj["auth_context_envelope_sha256"], "/auth_context_envelope_sha256"); err != nil {
		return err
	}
	if err := validateHash(obj["policy_decision_envelope_sha256"], "/policy_decision_envelope_sha256"); err != nil {
		return err
	}
	idObj, ok := obj[idField].(map[string]interface{})
	if !ok {
		return newErr(taxonomy.ErrKindType, "/"+idField, "must be an object")
	}
	idAllowed := map[string]bool{"namespace": true, "name": true, "version": true, "provider": true}
	if err := checkAdditionalProperties(idObj, idAllowed, "/"+idField); err != nil {
		return err
	}
	if _, ok := idObj["name"]; !ok {
		return newErr(taxonomy.SchemaViolationRequired("name"), "/"+idField+"/name", "missing")
	}
	if err := validateToken(idObj["name"], "/"+idField+"/name"); err != nil {
		return err
	}
	for _, ref := range []string{"request", "response"} {
		refObj, ok := obj[ref].(map[string]interface{})
		if !ok {
			return newErr(taxonomy.ErrKindType, "/"+ref, "must be an object")
		}
		if err := validateBlobRef(refObj, "/"+ref); err != nil {
			return err
		}
	}
	outcome, ok := obj["outcome"].(map[string]interface{})
	if !ok {
		return newErr(taxonomy.ErrKindType, "/outcome", "must be an object")
	}
	if err := checkAdditionalProperties(outcome, map[string]bool{"status": true}, "/outcome"); err != nil {
		return err
	}
	if err := validateToken(outcome["status"], "/outcome/status"); err != nil {
		return err
	}
	if usage, ok := obj["usage"]; ok {
		usageObj, ok := usage.(map[string]interface{})
		if !ok {
			return newErr(taxonomy.ErrKindType, "/usage", "must be an object")
		}
		usageAllowed := map[string]bool{"input_tokens": true, "output_tokens": true}
		if err := checkAdditionalProperties(usageObj, usageAllowed, "/usage"); err != nil {
			return err
		}
		for _, f := range []string{"input_tokens", "output_tokens"} {
			if v, ok := usageObj[f]; ok {
				if err := validateNonNegInt(v, "/usage/"+f); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

var blobRefAllowed = map[string]bool{"content_type": true, "sha256": true, "size_bytes": true}

func validateBlobRef(obj map[string]interface{}, path string) *Error {
	if err := checkAdditionalProperties(obj, blobRefAllowed, path); err != nil {
		return err
	}
	for _, field := range []string{"content_type", "sha256", "size_bytes"} {
		if _, ok := obj[field]; !ok {
			return newErr(taxonomy.SchemaViolationRequired(field), path+"/"+field, "missing")
		}
	}
	if err := validateResource(obj["content_type"], path+"/content_type"); err != nil {
		return err
	}
	if err := validateHash(obj["sha256"], path+"/sha256"); err != nil {
		return err
	}
	return validateNonNegInt(obj["size_bytes"], path+"/size_bytes")
}

func checkAdditionalProperties(obj map[string]interface{}, allowed map[string]bool, path string) *Error {
	for k := range obj {
		if !allowed[k] {
			return newErr(taxonomy.ErrKindAdditionalProperties, path+"/"+k, "unknown field")
		}
	}
	return nil
}

func validateToken(v interface{}, path string) *Error {
	s, ok := v.(string)
	if !ok || !tokenPattern.MatchString(s) {
		return newErr(taxonomy.ErrKindPattern, path, "must match token pattern")
	}
	return nil
}

func validateResource(v interface{}, path string) *Error {
	s, ok := v.(string)
	if !ok || !resourcePattern.MatchString(s) {
		return newErr(taxonomy.ErrKindPattern, path, "must match resource pattern")
	}
	return nil
}

func validateHash(v interface{}, path string) *Error {
	s, ok := v.(string)
	if !ok || !hashPattern.MatchString(s) {
		return newErr(taxonomy.ErrKindPattern, path, "must be 64 lowercase hex chars")
	}
	return nil
}

func validateNonNegInt(v interface{}, path string) *Error {
	num, ok := v.(json.Number)
	if !ok {
		return newErr(taxonomy.ErrKindType, path, "must be an integer")
	}
	i, err := num.Int64()
	if err != nil {
		return newErr(taxonomy.ErrKindType, path, "must be an integer")
	}
	if i < 0 {
		return newErr(taxonomy.ErrKindType, path, "must be non-negative")
	}
	return nil
}

func validateStringSet(v interface{}, path string) *Error {
	obj, ok := v.(map[string]interface{})
	if !ok {
		return newErr(taxonomy.ErrKindType, path, "must be an object mapping keys to true")
	}
	for k, val := range obj {
		b, ok := val.(bool)
		if !ok || !b {
			return newErr(taxonomy.ErrKindType, path+"/"+k, "string-set values must be the literal boolean true")
		}
	}
	return nil
}

func union(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}
