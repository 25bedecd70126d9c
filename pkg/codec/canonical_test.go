package codec

import (
	"encoding/json"
	"testing"
)

func TestCanonicalizeKeyOrdering(t *testing.T) {
	a := json.RawMessage(`{"b":1,"a":2}`)
	b := json.RawMessage(`{"a":2,"b":1}`)
	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(ca) != `{"a":2,"b":1}` {
		t.Fatalf("unexpected canonical form: %s", ca)
	}
	if string(ca) != string(cb) {
		t.Fatalf("construction order should not affect canonical bytes: %s vs %s", ca, cb)
	}
}

func TestCanonicalizeDeterministic(t *testing.T) {
	raw := json.RawMessage(`{"trace_id":"4bf92f3577b34da6a3ce929d0e0e4736","grants":{"x":true,"a":true}}`)
	c1, err := Canonicalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := Canonicalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	if string(c1) != string(c2) {
		t.Fatalf("canonicalize must be a pure function")
	}
	if string(c1) != `{"grants":{"a":true,"x":true},"trace_id":"4bf92f3577b34da6a3ce929d0e0e4736"}` {
		t.Fatalf("unexpected canonical form: %s", c1)
	}
}

func TestCanonicalizeRejectsFloats(t *testing.T) {
	if _, err := Canonicalize(json.RawMessage(`{"x":1.5}`)); err != ErrNonInteger {
		t.Fatalf("expected ErrNonInteger, got %v", err)
	}
}

func TestCanonicalizeRejectsOutOfRange(t *testing.T) {
	if _, err := Canonicalize(json.RawMessage(`{"x":9007199254740993}`)); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestCanonicalizeNegativeZero(t *testing.T) {
	canon, err := Canonicalize(json.RawMessage(`{"x":-0}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(canon) != `{"x":0}` {
		t.Fatalf("expected negative zero to serialize as 0, got %s", canon)
	}
}

func TestCanonicalizeRejectsDuplicateKeys(t *testing.T) {
	if _, err := Canonicalize(json.RawMessage(`{"a":1,"a":2}`)); err != ErrDuplicateKey {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestCanonicalizeStringEscaping(t *testing.T) {
	canon, err := Canonicalize(json.RawMessage(`{"s":"line\nbreakend"}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(canon) != `{"s":"line\nbreakend"}` {
		t.Fatalf("unexpected escaping: %s", canon)
	}
}

func TestCanonicalizeArraysPreserveOrder(t *testing.T) {
	canon, err := Canonicalize(json.RawMessage(`{"a":[3,1,2]}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(canon) != `{"a":[3,1,2]}` {
		t.Fatalf("array order should be preserved: %s", canon)
	}
}

func TestHashIsSHA256OfCanonicalBytes(t *testing.T) {
	raw := json.RawMessage(`{"a":1}`)
	canon, hash, err := CanonicalizeAndHash(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(hash) != 64 {
		t.Fatalf("expected 64-char hex digest, got %d chars", len(hash))
	}
	if Hash(canon) != hash {
		t.Fatalf("Hash(canon) must match CanonicalizeAndHash's hash")
	}
}

func TestCanonicalizeValueFromDecodedMap(t *testing.T) {
	v := map[string]interface{}{"b": json.Number("2"), "a": json.Number("1")}
	canon, err := CanonicalizeValue(v)
	if err != nil {
		t.Fatal(err)
	}
	if string(canon) != `{"a":1,"b":2}` {
		t.Fatalf("unexpected canonical form: %s", canon)
	}
}
