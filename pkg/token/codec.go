// Package token implements the HMAC-signed execution token issue/verify
// protocol from spec §4.4.
//
// The wire form is a single URL-safe string:
// base64url(payload_json) + "." + base64url(hmac_sha256(secret, payload_json)),
// per spec §6 "Token wire form". This is deliberately not a JWT/JWS:
// unlike pkg/identity.TokenManager's RS/EdDSA-signed jwt.RegisteredClaims,
// the control plane needs a minimal, self-contained capability bearer with
// no header segment and no algorithm negotiation — constant-time HMAC
// comparison is the entire trust boundary.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Reason enumerates why Verify rejected a token. Matches the commit-facing
// outcome kinds in spec §7 that originate from the codec.
type Reason string

const (
	ReasonOK               Reason = "ok"
	ReasonMalformed        Reason = "malformed"
	ReasonBadSignature     Reason = "bad_signature"
	ReasonExpired          Reason = "expired"
	ReasonToolMismatch     Reason = "tool_mismatch"
	ReasonArgsHashMismatch Reason = "args_hash_mismatch"
)

// Payload is the signed content of an ExecutionToken, per spec §3.
type Payload struct {
	TokenID        string    `json:"token_id"`
	ProposalID     string    `json:"proposal_id"`
	ToolName       string    `json:"tool_name"`
	ToolArgsHash   string    `json:"tool_args_hash"`
	IssuedAt       time.Time `json:"issued_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Nonce          string    `json:"nonce"`
	CompositeScore *float64  `json:"composite_score"`
}

// Result is the outcome of Verify.
type Result struct {
	Reason  Reason
	Payload *Payload // non-nil only when Reason == ReasonOK
}

func (r Result) OK() bool { return r.Reason == ReasonOK }

// Codec issues and verifies execution tokens with a single process-wide
// HMAC secret. The secret is read-only after construction and is never
// persisted alongside a token or a proposal, per spec §4.4.
type Codec struct {
	secret []byte
	clock  func() time.Time
	log    *slog.Logger
}

// New creates a Codec. secret must be at least 32 bytes, per spec §6
// configuration contract (signing_secret).
func New(secret []byte, logger *slog.Logger) (*Codec, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token: signing_secret must be >= 32 bytes, got %d", len(secret))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{secret: secret, clock: time.Now, log: logger}, nil
}

// WithClock overrides the codec's clock, for deterministic expiry tests.
func (c *Codec) WithClock(clock func() time.Time) *Codec {
	c.clock = clock
	return c
}

// Issue produces a signed token bound to (proposalID, toolName, argsHash,
// composite), valid for ttl. Per spec §4.4: token_id and nonce are random
// 128-bit values.
func (c *Codec) Issue(proposalID, toolName, argsHash string, composite *float64, ttl time.Duration) (string, Payload, error) {
	now := c.clock()
	payload := Payload{
		TokenID:        random128(),
		ProposalID:     proposalID,
		ToolName:       toolName,
		ToolArgsHash:   argsHash,
		IssuedAt:       now,
		ExpiresAt:      now.Add(ttl),
		Nonce:          random128(),
		CompositeScore: composite,
	}

	blob, err := c.encode(payload)
	if err != nil {
		return "", Payload{}, err
	}

	c.log.Info("token issued", "proposal_id", proposalID, "tool", toolName, "token_id", payload.TokenID)
	return blob, payload, nil
}

// Verify parses token_blob, recomputes its HMAC in constant time, and
// checks expiry and tool/args binding, per spec §4.4. Verify does not
// consume the nonce — that is the Verifier's atomic responsibility
// (spec §4.7 step 6).
func (c *Codec) Verify(tokenBlob, expectedTool, expectedArgsHash string) Result {
	parts := strings.SplitN(tokenBlob, ".", 2)
	if len(parts) != 2 {
		return Result{Reason: ReasonMalformed}
	}

	// Strict decoding rejects non-zero trailing bits, so no altered
	// character can decode to the same bytes as the issued token.
	payloadBytes, err := base64.RawURLEncoding.Strict().DecodeString(parts[0])
	if err != nil {
		return Result{Reason: ReasonMalformed}
	}
	sig, err := base64.RawURLEncoding.Strict().DecodeString(parts[1])
	if err != nil {
		return Result{Reason: ReasonMalformed}
	}

	expectedSig := c.sign(payloadBytes)
	if subtle.ConstantTimeCompare(sig, expectedSig) != 1 {
		return Result{Reason: ReasonBadSignature}
	}

	var payload Payload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return Result{Reason: ReasonMalformed}
	}

	if !c.clock().Before(payload.ExpiresAt) {
		return Result{Reason: ReasonExpired}
	}
	if payload.ToolName != expectedTool {
		return Result{Reason: ReasonToolMismatch}
	}
	if payload.ToolArgsHash != expectedArgsHash {
		return Result{Reason: ReasonArgsHashMismatch}
	}

	return Result{Reason: ReasonOK, Payload: &payload}
}

func (c *Codec) encode(payload Payload) (string, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("token: marshal payload: %w", err)
	}
	sig := c.sign(payloadBytes)
	return base64.RawURLEncoding.EncodeToString(payloadBytes) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func (c *Codec) sign(payloadBytes []byte) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payloadBytes)
	return mac.Sum(nil)
}

func random128() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("token: crypto/rand failure: %v", err))
	}
	return uuid.Must(uuid.FromBytes(b[:])).String()
}
