// Package store persists proposals, commit records, and consumed nonces,
// per spec §4.5. ConsumeNonce is the sole replay-defense mechanism: both
// backends must reject a second consumption of the same nonce atomically,
// never by scanning for prior rows.
package store

import (
	"context"
	"errors"
	"time"
)

// Decision mirrors policy.Decision without importing pkg/policy, keeping
// the persistence layer decoupled from decision logic.
type Decision string

const (
	DecisionAllow  Decision = "ALLOW"
	DecisionReview Decision = "REVIEW"
	DecisionBlock  Decision = "BLOCK"
)

// CommitDecision is the outcome recorded for a commit attempt.
type CommitDecision string

const (
	CommitCommitted CommitDecision = "committed"
	CommitRejected  CommitDecision = "rejected"
)

// Proposal is the record persisted at the end of a propose call, per
// spec §3. Decision is final once written.
type Proposal struct {
	ProposalID string
	ToolName   string
	ArgsJSON   string
	PromptHash string
	// TokenRequired extends spec §6's documented relational columns: the
	// Verifier needs to know, without re-deriving policy, whether an ALLOW
	// proposal demanded a token at issue time.
	CompositeScore *float64
	TokenRequired  bool
	Decision       Decision
	CreatedAt      time.Time
}

// CommitRecord is written on every verify attempt, success or failure.
type CommitRecord struct {
	CommitID           string
	ProposalID         string
	TokenID            *string
	Decision           CommitDecision
	VerificationReason string
	CreatedAt          time.Time
}

// ErrNotFound is returned by GetProposal when no row matches.
var ErrNotFound = errors.New("store: proposal not found")

// ErrNonceAlreadyConsumed is returned by ConsumeNonce when the nonce has
// already been inserted — the caller must treat this as nonce_replay.
var ErrNonceAlreadyConsumed = errors.New("store: nonce already consumed")

// ErrUnavailable wraps a driver-level failure that is neither "not
// found" nor a replay conflict — callers must map this to
// storage_unavailable and must not retry automatically, per spec §7.
var ErrUnavailable = errors.New("store: unavailable")

// ProposalStore is the pluggable persistence contract from spec §4.5.
// Implementations must make ConsumeNonce atomic with respect to
// concurrent callers: at most one caller may ever observe a nil error
// for a given nonce.
type ProposalStore interface {
	PutProposal(ctx context.Context, p Proposal) error
	GetProposal(ctx context.Context, proposalID string) (Proposal, error)
	PutCommit(ctx context.Context, c CommitRecord) error
	// ConsumeNonce atomically inserts (nonce, tokenID, expiresAt). It
	// returns ErrNonceAlreadyConsumed, and only that error, when the
	// nonce was already present — every other error is a storage
	// failure distinct from replay.
	ConsumeNonce(ctx context.Context, nonce, tokenID string, expiresAt time.Time) error
	// ConsumeNonceAndCommit consumes a nonce and writes the resulting
	// CommitRecord as one atomic unit: a commit is successful iff the
	// nonce insert succeeds AND the commit row is written, so a failure
	// partway through must leave neither behind. Implementations must
	// use a single transaction (Postgres) or a single locked critical
	// section (in-memory) spanning both writes. Returns
	// ErrNonceAlreadyConsumed, and only that error, on replay; the
	// commit record is then the caller's responsibility to write via
	// PutCommit instead.
	ConsumeNonceAndCommit(ctx context.Context, nonce, tokenID string, expiresAt time.Time, rec CommitRecord) error
	// PurgeExpiredNonces deletes nonce rows with expires_at <= now and
	// returns the number removed. Idempotent housekeeping, safe to call
	// concurrently with ConsumeNonce.
	PurgeExpiredNonces(ctx context.Context, now time.Time) (int64, error)
}
