package canonicalize

import "testing"

func TestCanonicalArgsHash_KeyOrderInvariant(t *testing.T) {
	a := map[string]interface{}{"to": "acct_123", "amount": 100}
	b := map[string]interface{}{"amount": 100, "to": "acct_123"}

	ha, err := CanonicalArgsHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := CanonicalArgsHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Errorf("hash depends on key order: %s != %s", ha, hb)
	}
}

func TestCanonicalArgsHash_NestedKeyOrderInvariant(t *testing.T) {
	a := map[string]interface{}{
		"outer": map[string]interface{}{"z": 1, "a": 2},
		"x":     1,
	}
	b := map[string]interface{}{
		"x":     1,
		"outer": map[string]interface{}{"a": 2, "z": 1},
	}
	ha, _ := CanonicalArgsHash(a)
	hb, _ := CanonicalArgsHash(b)
	if ha != hb {
		t.Errorf("nested hash depends on key order: %s != %s", ha, hb)
	}
}

func TestCanonicalArgsHash_ArrayElementOrderMatters(t *testing.T) {
	a := map[string]interface{}{"recipients": []interface{}{"a", "b"}}
	b := map[string]interface{}{"recipients": []interface{}{"b", "a"}}
	ha, _ := CanonicalArgsHash(a)
	hb, _ := CanonicalArgsHash(b)
	if ha == hb {
		t.Errorf("array element order should not be treated as insignificant, unlike map keys")
	}
}

// TestCanonicalArgsHash_NoHTMLEscaping guards against a regression to
// encoding/json's default behavior, which would make a tool argument
// containing "<" or "&" hash differently depending on whether it was
// first round-tripped through a JSON-escaping layer upstream.
func TestCanonicalArgsHash_NoHTMLEscaping(t *testing.T) {
	escaped := map[string]interface{}{"note": "<a> &"}
	literal := map[string]interface{}{"note": "<a> &"}

	he, err := CanonicalArgsHash(escaped)
	if err != nil {
		t.Fatal(err)
	}
	hl, err := CanonicalArgsHash(literal)
	if err != nil {
		t.Fatal(err)
	}
	if he != hl {
		t.Errorf("expected HTML-equivalent forms to hash identically, got %s != %s", he, hl)
	}
	if want := PromptHash(`{"note":"<a> &"}`); he != want {
		t.Errorf("expected the canonical form to keep '<', '>' and '&' unescaped, got hash %s, want %s", he, want)
	}
}

// TestCanonicalArgsHash_NumericRepresentationInvariant guards the
// json.Number round-trip: 100 and 1e2 are the same numeric argument and
// must hash the same once re-encoded canonically.
func TestCanonicalArgsHash_NumericRepresentationInvariant(t *testing.T) {
	a := map[string]interface{}{"amount": 100}
	b := map[string]interface{}{"amount": 100.0}
	ha, _ := CanonicalArgsHash(a)
	hb, _ := CanonicalArgsHash(b)
	if ha != hb {
		t.Errorf("expected equal numeric args to hash identically, got %s != %s", ha, hb)
	}
}

func TestPromptHash_Deterministic(t *testing.T) {
	h1 := PromptHash("Transfer 100 to acct_123")
	h2 := PromptHash("Transfer 100 to acct_123")
	if h1 != h2 {
		t.Errorf("PromptHash not deterministic")
	}
	if h1 == PromptHash("Transfer 100 to acct_124") {
		t.Errorf("PromptHash collided on different input")
	}
}

func TestNormalizedPromptHash_IgnoresVolatileTokens(t *testing.T) {
	p1 := "Deploy build 550e8400-e29b-41d4-a716-446655440000 at 2024-01-02T15:04:05Z with 42 retries"
	p2 := "deploy   build 6ba7b810-9dad-11d1-80b4-00c04fd430c8 at 2026-08-01T09:00:00.123Z with   7  retries"

	if NormalizedPromptHash(p1) != NormalizedPromptHash(p2) {
		t.Errorf("expected normalized hashes to match once UUID/timestamp/number/whitespace are neutralized")
	}
}

func TestNormalizedPromptHash_DetectsRealDrift(t *testing.T) {
	p1 := "Summarize the quarterly report"
	p2 := "Summarize the annual report"
	if NormalizedPromptHash(p1) == NormalizedPromptHash(p2) {
		t.Errorf("expected distinct prompts to hash differently")
	}
}
