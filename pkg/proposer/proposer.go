// Package proposer orchestrates the propose half of the control plane:
// scoring, policy evaluation, token issue, and proposal persistence, per
// spec §4.6.
package proposer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/ctlplane/pkg/canonicalize"
	"github.com/Mindburn-Labs/ctlplane/pkg/policy"
	"github.com/Mindburn-Labs/ctlplane/pkg/registry"
	"github.com/Mindburn-Labs/ctlplane/pkg/risk"
	"github.com/Mindburn-Labs/ctlplane/pkg/store"
	"github.com/Mindburn-Labs/ctlplane/pkg/telemetry"
	"github.com/Mindburn-Labs/ctlplane/pkg/token"
)

// Request carries the caller-supplied inputs to Propose, mirroring
// spec §4.6's propose argument list.
type Request struct {
	ToolName            string
	Args                map[string]interface{}
	Prompt              string
	ModelAnswer         string
	SecondaryAnswer     *string
	ToolResultSummary   *string
	RetrievedContext    *string
	VerifierScore       *float64
	PromptTemplateID    string
	BaselinePromptHash  string // looked up by the caller from tool_prompt_baselines, empty if none recorded yet
}

// Draft is the deterministic, side-effect-free fallback payload returned
// when a proposal is blocked or sent to review.
type Draft struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args"`
}

// Response is one of the two shapes in spec §6's "Proposal API".
type Response struct {
	Status     string  `json:"status"` // "allow" | "blocked" | "review"
	ProposalID string  `json:"proposal_id"`
	CommitToken *string `json:"commit_token,omitempty"`
	Action     string  `json:"action,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Draft      *Draft  `json:"draft,omitempty"`
}

// Proposer wires the registry, scorer, policy engine, token codec, and
// store together, per spec §3's sequence diagram.
type Proposer struct {
	registry *registry.Registry
	scorer   *risk.Scorer
	engine   *policy.Engine
	codec    *token.Codec
	store    store.ProposalStore
	exporter telemetry.Exporter
	ttl      time.Duration
	log      *slog.Logger
}

// New constructs a Proposer. ttl is the default execution token lifetime.
// exporter may be nil, in which case telemetry is discarded.
func New(reg *registry.Registry, scorer *risk.Scorer, engine *policy.Engine, codec *token.Codec, st store.ProposalStore, exporter telemetry.Exporter, ttl time.Duration, logger *slog.Logger) *Proposer {
	if logger == nil {
		logger = slog.Default()
	}
	if exporter == nil {
		exporter = telemetry.NoopExporter{}
	}
	return &Proposer{registry: reg, scorer: scorer, engine: engine, codec: codec, store: st, exporter: exporter, ttl: ttl, log: logger}
}

// Propose executes spec §4.6 steps 1-8.
func (p *Proposer) Propose(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	// 1. Resolve the tool profile, defaulting unknown tools to MEDIUM
	//    criticality (registry.DefaultProfile).
	profile := p.registry.Get(req.ToolName)

	// 2. Validate args against the tool's schema, if one is registered.
	if err := p.registry.ValidateArgs(req.ToolName, req.Args); err != nil {
		resp, err := p.blockForSchemaViolation(ctx, req, profile, err)
		p.exporter.RecordProposal(ctx, req.ToolName, policy.DecisionBlock, risk.Composite{}, time.Since(start))
		return resp, err
	}

	// 3. Hash canonical args and the prompt.
	argsHash, err := canonicalize.CanonicalArgsHash(req.Args)
	if err != nil {
		return Response{}, fmt.Errorf("proposer: hash args: %w", err)
	}
	promptHash := canonicalize.PromptHash(req.Prompt)
	normalizedHash := canonicalize.NormalizedPromptHash(req.Prompt)

	// 4. Score and decide.
	_, composite := p.scorer.Score(risk.Signals{
		Answer:               req.ModelAnswer,
		SecondaryAnswer:      req.SecondaryAnswer,
		RetrievedContext:     req.RetrievedContext,
		ToolResultSummary:    req.ToolResultSummary,
		VerifierScore:        req.VerifierScore,
		NormalizedPromptHash: normalizedHash,
		BaselinePromptHash:   req.BaselinePromptHash,
	})
	outcome := p.engine.Decide(profile, composite)

	proposalID := uuid.New().String()
	now := time.Now()

	// 5. BLOCK/REVIEW: deterministic fallback, no token.
	if outcome.Decision == policy.DecisionBlock || outcome.Decision == policy.DecisionReview {
		if err := p.persist(ctx, proposalID, req, promptHash, composite, false, storeDecision(outcome.Decision), now); err != nil {
			return Response{}, err
		}
		status := "blocked"
		if outcome.Decision == policy.DecisionReview {
			status = "review"
		}
		p.exporter.RecordProposal(ctx, req.ToolName, outcome.Decision, composite, time.Since(start))
		return Response{
			Status:     status,
			ProposalID: proposalID,
			Action:     "create_draft",
			Reason:     outcome.Reason,
			Draft:      &Draft{Tool: req.ToolName, Args: req.Args},
		}, nil
	}

	// 6/7. ALLOW: issue a token iff required.
	var commitToken *string
	if outcome.TokenRequired {
		blob, _, err := p.codec.Issue(proposalID, req.ToolName, argsHash, composite.Score, p.ttl)
		if err != nil {
			return Response{}, fmt.Errorf("proposer: issue token: %w", err)
		}
		commitToken = &blob
	}

	// 8. Persist before returning.
	if err := p.persist(ctx, proposalID, req, promptHash, composite, outcome.TokenRequired, storeDecision(outcome.Decision), now); err != nil {
		return Response{}, err
	}

	p.exporter.RecordProposal(ctx, req.ToolName, outcome.Decision, composite, time.Since(start))
	return Response{Status: "allow", ProposalID: proposalID, CommitToken: commitToken}, nil
}

// blockForSchemaViolation short-circuits §4.6 at the args-validation
// gate: a schema failure is persisted as a BLOCK without ever reaching
// the scorer.
func (p *Proposer) blockForSchemaViolation(ctx context.Context, req Request, profile registry.ToolProfile, validationErr error) (Response, error) {
	proposalID := uuid.New().String()
	promptHash := canonicalize.PromptHash(req.Prompt)

	if err := p.persist(ctx, proposalID, req, promptHash, risk.Composite{}, false, store.DecisionBlock, time.Now()); err != nil {
		return Response{}, err
	}

	p.log.Warn("proposal blocked by schema validation", "tool", req.ToolName, "error", validationErr)
	return Response{
		Status:     "blocked",
		ProposalID: proposalID,
		Action:     "create_draft",
		Reason:     "args_schema_violation",
		Draft:      &Draft{Tool: req.ToolName, Args: req.Args},
	}, nil
}

func (p *Proposer) persist(ctx context.Context, proposalID string, req Request, promptHash string, composite risk.Composite, tokenRequired bool, decision store.Decision, createdAt time.Time) error {
	argsJSON, err := json.Marshal(req.Args)
	if err != nil {
		return fmt.Errorf("proposer: marshal args for persistence: %w", err)
	}

	rec := store.Proposal{
		ProposalID:     proposalID,
		ToolName:       req.ToolName,
		TokenRequired:  tokenRequired,
		ArgsJSON:       string(argsJSON),
		PromptHash:     promptHash,
		CompositeScore: composite.Score,
		Decision:       decision,
		CreatedAt:      createdAt,
	}
	if err := p.store.PutProposal(ctx, rec); err != nil {
		return fmt.Errorf("proposer: persist proposal: %w", err)
	}
	return nil
}

func storeDecision(d policy.Decision) store.Decision {
	switch d {
	case policy.DecisionAllow:
		return store.DecisionAllow
	case policy.DecisionReview:
		return store.DecisionReview
	default:
		return store.DecisionBlock
	}
}
