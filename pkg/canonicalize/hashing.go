// Package canonicalize computes the hashes the control plane uses to bind
// a proposal to its arguments and to detect prompt drift: a canonical,
// key-order-independent hash of tool args, a literal prompt hash, and a
// normalization-tolerant prompt hash for baseline comparison.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CanonicalArgsHash computes the SHA-256 hex digest of args under a
// canonical JSON encoding: map keys sorted lexicographically at every
// nesting level, HTML characters left unescaped, and numbers encoded
// without alteration. Two maps built with different key insertion order,
// including inside nested maps, hash identically.
func CanonicalArgsHash(args map[string]interface{}) (string, error) {
	canonical, err := canonicalJSON(args)
	if err != nil {
		return "", fmt.Errorf("canonicalize: canonical args hash: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// PromptHash returns the SHA-256 hex digest of the exact prompt text,
// with no normalization applied.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

var (
	uuidPattern = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	// ISO-8601, with or without fractional seconds and timezone offset.
	timestampPattern  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	numberPattern     = regexp.MustCompile(`-?\d+(\.\d+)?`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// NormalizedPromptHash computes the SHA-256 hex digest of a prompt after:
//  1. Unicode NFC normalization,
//  2. substituting UUIDs, ISO-8601 timestamps, and numeric literals with
//     stable placeholders,
//  3. collapsing whitespace runs to a single space,
//  4. lowercasing.
//
// The contract is deterministic across processes and platforms: two
// prompts differing only in a UUID, a timestamp, a numeric value, or
// incidental whitespace/case hash identically.
func NormalizedPromptHash(prompt string) string {
	s := norm.NFC.String(prompt)
	s = uuidPattern.ReplaceAllString(s, "<uuid>")
	s = timestampPattern.ReplaceAllString(s, "<timestamp>")
	s = numberPattern.ReplaceAllString(s, "<number>")
	s = whitespacePattern.ReplaceAllString(s, " ")
	s = strings.ToLower(strings.TrimSpace(s))
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// canonicalJSON re-encodes v (already a JSON-shaped map[string]interface{},
// the shape every args payload takes once decoded off the wire) with keys
// sorted at every level and HTML escaping disabled, per RFC 8785. Args
// arrive from callers as plain maps, so the round-trip through
// json.Marshal/Decoder.UseNumber only needs to normalize the numeric
// representation before the recursive re-encode.
func canonicalJSON(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("pre-marshal: %w", err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("intermediate decode: %w", err)
	}

	return sortedJSON(generic)
}

// sortedJSON recursively re-encodes a decoded JSON value with map keys
// sorted lexicographically by UTF-8 bytes and HTML escaping disabled —
// fixed RFC 8785 semantics, not a choice that varies per caller.
func sortedJSON(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		return encodeString(t)
	case []interface{}:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := sortedJSON(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := encodeString(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')

			vb, err := sortedJSON(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		// Only reachable for a value decoder.UseNumber() didn't already
		// normalize, which json.Decoder never produces.
		return nil, fmt.Errorf("unsupported type %T in canonical args", v)
	}
}

func encodeString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
