// Package verifier implements the commit half of the control plane: it
// validates a commit request against its proposal, the token codec, and
// nonce-replay protection, per spec §4.7.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/ctlplane/pkg/canonicalize"
	"github.com/Mindburn-Labs/ctlplane/pkg/store"
	"github.com/Mindburn-Labs/ctlplane/pkg/token"
)

// exporter is the subset of telemetry.Exporter the verifier needs.
// Declared locally rather than imported directly to avoid pkg/telemetry
// importing pkg/verifier (for Outcome) while pkg/verifier imports
// pkg/telemetry back — Go forbids the cycle, so the Verifier accepts
// anything satisfying this shape and telemetry.Exporter satisfies it
// structurally.
type exporter interface {
	RecordCommit(ctx context.Context, toolName string, outcome Outcome, elapsed time.Duration)
}

// Reason enumerates every verification_reason from spec §7.
type Reason string

const (
	ReasonOK                 Reason = "ok"
	ReasonUnknownProposal    Reason = "unknown_proposal"
	ReasonBlockedByPolicy    Reason = "blocked_by_policy"
	ReasonMissingToken       Reason = "missing_token"
	ReasonBadSignature       Reason = "bad_signature"
	ReasonExpired            Reason = "expired"
	ReasonArgsHashMismatch   Reason = "args_hash_mismatch"
	ReasonToolMismatch       Reason = "tool_mismatch"
	ReasonNonceReplay        Reason = "nonce_replay"
	ReasonStorageUnavailable Reason = "storage_unavailable"
)

// Outcome is the result of Commit.
type Outcome struct {
	Committed bool
	Reason    Reason
}

// Verifier validates and effects a commit request against a proposal.
type Verifier struct {
	store    store.ProposalStore
	codec    *token.Codec
	exporter exporter
	log      *slog.Logger
}

// New constructs a Verifier. exp may be nil, in which case telemetry is
// discarded; pass a *telemetry.OtelExporter or telemetry.NoopExporter{}.
func New(st store.ProposalStore, codec *token.Codec, exp exporter, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	if exp == nil {
		exp = noopExporter{}
	}
	return &Verifier{store: st, codec: codec, exporter: exp, log: logger}
}

type noopExporter struct{}

func (noopExporter) RecordCommit(context.Context, string, Outcome, time.Duration) {}

// Commit executes spec §4.7 steps 1-8. Every success or rejection writes
// exactly one CommitRecord. A storage_unavailable outcome (a failed
// proposal fetch, or a failed nonce-and-commit write) writes no
// CommitRecord.
func (v *Verifier) Commit(ctx context.Context, proposalID string, tokenBlob *string, args map[string]interface{}) (Outcome, error) {
	start := time.Now()

	// 1. Fetch the proposal.
	proposal, err := v.store.GetProposal(ctx, proposalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return v.reject(ctx, proposalID, "", nil, ReasonUnknownProposal, start)
		}
		if errors.Is(err, store.ErrUnavailable) {
			out := Outcome{Committed: false, Reason: ReasonStorageUnavailable}
			v.exporter.RecordCommit(ctx, "", out, time.Since(start))
			return out, nil
		}
		return Outcome{}, fmt.Errorf("verifier: fetch proposal: %w", err)
	}
	toolName := proposal.ToolName

	// 2. The proposal's own decision must be ALLOW.
	if proposal.Decision != store.DecisionAllow {
		return v.reject(ctx, proposalID, toolName, nil, ReasonBlockedByPolicy, start)
	}

	// 3. A token is required whenever the proposal was issued with one.
	if tokenBlob == nil {
		if proposal.TokenRequired {
			return v.reject(ctx, proposalID, toolName, nil, ReasonMissingToken, start)
		}
		return v.succeed(ctx, proposalID, toolName, nil, start)
	}

	argsHash, err := canonicalize.CanonicalArgsHash(args)
	if err != nil {
		return Outcome{}, fmt.Errorf("verifier: hash args: %w", err)
	}

	// 4-5. Verify signature, expiry, tool/args binding.
	result := v.codec.Verify(*tokenBlob, proposal.ToolName, argsHash)
	if !result.OK() {
		return v.reject(ctx, proposalID, toolName, nil, codecReasonToVerifierReason(result.Reason), start)
	}

	// 6-7. Consume the nonce and write the CommitRecord as one atomic
	// unit: a commit is successful iff both happen, so neither may
	// survive without the other, per the store's replay invariant.
	tokenID := result.Payload.TokenID
	rec := store.CommitRecord{
		CommitID:           uuid.New().String(),
		ProposalID:         proposalID,
		TokenID:            &tokenID,
		Decision:           store.CommitCommitted,
		VerificationReason: string(ReasonOK),
		CreatedAt:          time.Now(),
	}
	err = v.store.ConsumeNonceAndCommit(ctx, result.Payload.Nonce, tokenID, result.Payload.ExpiresAt, rec)
	if err != nil {
		if errors.Is(err, store.ErrNonceAlreadyConsumed) {
			return v.reject(ctx, proposalID, toolName, &tokenID, ReasonNonceReplay, start)
		}
		if errors.Is(err, store.ErrUnavailable) {
			out := Outcome{Committed: false, Reason: ReasonStorageUnavailable}
			v.exporter.RecordCommit(ctx, toolName, out, time.Since(start))
			return out, nil
		}
		return Outcome{}, fmt.Errorf("verifier: consume nonce and commit: %w", err)
	}

	v.log.Info("commit succeeded", "proposal_id", proposalID, "token_id", tokenID)
	out := Outcome{Committed: true, Reason: ReasonOK}
	v.exporter.RecordCommit(ctx, toolName, out, time.Since(start))
	return out, nil
}

// succeed handles the no-token-required path, where there is no nonce to
// consume and a plain commit-record write is the whole of the state
// change.
func (v *Verifier) succeed(ctx context.Context, proposalID, toolName string, tokenID *string, start time.Time) (Outcome, error) {
	if err := v.writeCommitRecord(ctx, proposalID, tokenID, store.CommitCommitted, ReasonOK); err != nil {
		return Outcome{}, err
	}
	out := Outcome{Committed: true, Reason: ReasonOK}
	v.exporter.RecordCommit(ctx, toolName, out, time.Since(start))
	return out, nil
}

func (v *Verifier) reject(ctx context.Context, proposalID, toolName string, tokenID *string, reason Reason, start time.Time) (Outcome, error) {
	if err := v.writeCommitRecord(ctx, proposalID, tokenID, store.CommitRejected, reason); err != nil {
		return Outcome{}, err
	}
	out := Outcome{Committed: false, Reason: reason}
	v.exporter.RecordCommit(ctx, toolName, out, time.Since(start))
	return out, nil
}

func (v *Verifier) writeCommitRecord(ctx context.Context, proposalID string, tokenID *string, decision store.CommitDecision, reason Reason) error {
	rec := store.CommitRecord{
		CommitID:           uuid.New().String(),
		ProposalID:         proposalID,
		TokenID:            tokenID,
		Decision:           decision,
		VerificationReason: string(reason),
		CreatedAt:          time.Now(),
	}
	if err := v.store.PutCommit(ctx, rec); err != nil {
		v.log.Error("failed to write commit record", "proposal_id", proposalID, "error", err)
		return fmt.Errorf("verifier: write commit record: %w", err)
	}
	return nil
}

func codecReasonToVerifierReason(r token.Reason) Reason {
	switch r {
	case token.ReasonBadSignature:
		return ReasonBadSignature
	case token.ReasonExpired:
		return ReasonExpired
	case token.ReasonToolMismatch:
		return ReasonToolMismatch
	case token.ReasonArgsHashMismatch:
		return ReasonArgsHashMismatch
	default:
		return ReasonBadSignature
	}
}
