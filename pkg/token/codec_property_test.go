//go:build property
// +build property

package token

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestVerify_AnySingleBitMutationNeverVerifies is the universally
// quantified form of TestVerify_BadSignature: for any issued token and
// any single-bit flip anywhere in its wire bytes, Verify must never
// report OK.
func TestVerify_AnySingleBitMutationNeverVerifies(t *testing.T) {
	c := mustCodec(t)
	blob, _, err := c.Issue("prop-1", "transfer_funds", "args-hash", nil, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a single-bit mutation never verifies", prop.ForAll(
		func(byteIdx, bitIdx int) bool {
			raw := []byte(blob)
			byteIdx = byteIdx % len(raw)
			bitIdx = bitIdx % 8

			mutated := append([]byte(nil), raw...)
			mutated[byteIdx] ^= 1 << uint(bitIdx)

			result := c.Verify(string(mutated), "transfer_funds", "args-hash")
			return !result.OK()
		},
		gen.IntRange(0, 1<<20),
		gen.IntRange(0, 7),
	))

	properties.TestingRun(t)
}

