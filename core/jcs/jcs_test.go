package jcs

import "testing"

func TestDigestJCSStableUnderKeyOrder(t *testing.T) {
	left, err := DigestJCS([]byte(`{"b":2,"a":1}`))
	if err != nil {
		t.Fatalf("digest left: %v", err)
	}
	right, err := DigestJCS([]byte(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("digest right: %v", err)
	}
	if left != right {
		t.Fatalf("digests differ under key order: %s vs %s", left, right)
	}
}

func TestDigestValueMatchesDigestJCS(t *testing.T) {
	fromValue, err := DigestValue(map[string]any{"a": 1, "b": "x"})
	if err != nil {
		t.Fatalf("digest value: %v", err)
	}
	fromBytes, err := DigestJCS([]byte(`{"b":"x","a":1}`))
	if err != nil {
		t.Fatalf("digest bytes: %v", err)
	}
	if fromValue != fromBytes {
		t.Fatalf("value and byte digests disagree: %s vs %s", fromValue, fromBytes)
	}
}

func TestCanonicalizeJSONSortsKeys(t *testing.T) {
	canonical, err := CanonicalizeJSON([]byte(`{"z":1,"a":{"y":2,"b":3}}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	expected := `{"a":{"b":3,"y":2},"z":1}`
	if string(canonical) != expected {
		t.Fatalf("unexpected canonical form: %s", canonical)
	}
}

func TestDigestBytesLength(t *testing.T) {
	digest := DigestBytes([]byte("payload"))
	if len(digest) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(digest))
	}
}
