// Package policy implements the per-tool policy matrix (spec §4.3) that
// maps (tool criticality, composite score) to an {ALLOW, REVIEW, BLOCK}
// decision and a token_required flag.
//
// The decision table itself is fixed and is always the source of truth;
// pkg/registry.ToolProfile.PolicyExpr is an optional CEL expression,
// evaluated the way pkg/governance's CELPolicyEvaluator evaluates rules
// against a dynamic input map, that may harden token_required for a
// specific tool. A broken or erroring expression never overrides the
// matrix — see Decide.
package policy

import (
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/ctlplane/pkg/registry"
	"github.com/Mindburn-Labs/ctlplane/pkg/risk"
)

// Decision is the policy engine's outcome for a proposal.
type Decision string

const (
	DecisionAllow  Decision = "ALLOW"
	DecisionReview Decision = "REVIEW"
	DecisionBlock  Decision = "BLOCK"
)

// Outcome carries the decision and whether a commit token must be issued.
type Outcome struct {
	Decision      Decision
	TokenRequired bool
	Reason        string
}

// Engine evaluates the fixed policy matrix, with an optional per-tool CEL
// override for token_required.
type Engine struct {
	env *cel.Env
	log *slog.Logger
}

// New creates a policy Engine. A CEL environment is built once and reused
// across Decide calls, mirroring pkg/governance.NewCELPolicyEvaluator's
// cached cel.Env.
func New(logger *slog.Logger) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("score", cel.DoubleType),
		cel.Variable("score_defined", cel.BoolType),
		cel.Variable("criticality", cel.StringType),
	)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{env: env, log: logger}, nil
}

// Decide applies spec §4.3's fixed matrix to profile.Criticality and
// composite.Score, then lets ToolProfile.TokenRequiredOverride or
// ToolProfile.PolicyExpr adjust token_required for ALLOW outcomes only —
// REVIEW and BLOCK never issue tokens (spec §4.3 tie-break).
func (e *Engine) Decide(profile registry.ToolProfile, composite risk.Composite) Outcome {
	outcome := e.decideMatrix(profile.Criticality, composite)

	if outcome.Decision != DecisionAllow {
		e.log.Info("policy decided", "tool", profile.ToolName, "decision", outcome.Decision, "reason", outcome.Reason)
		return outcome
	}

	if profile.TokenRequiredOverride != nil {
		outcome.TokenRequired = *profile.TokenRequiredOverride
	} else if profile.PolicyExpr != "" {
		if tr, ok := e.evalTokenRequired(profile.PolicyExpr, composite, profile.Criticality); ok {
			outcome.TokenRequired = tr
		}
	}

	e.log.Info("policy decided", "tool", profile.ToolName, "decision", outcome.Decision,
		"token_required", outcome.TokenRequired, "reason", outcome.Reason)
	return outcome
}

// decideMatrix implements spec §4.3's table exactly.
func (e *Engine) decideMatrix(criticality registry.Criticality, composite risk.Composite) Outcome {
	switch criticality {
	case registry.CriticalityHigh:
		if composite.Score == nil {
			return Outcome{Decision: DecisionAllow, TokenRequired: true, Reason: "high_criticality_undefined_score"}
		}
		switch {
		case *composite.Score >= 0.35:
			return Outcome{Decision: DecisionBlock, Reason: "low_integrity"}
		case *composite.Score >= 0.20:
			return Outcome{Decision: DecisionReview, Reason: "elevated_integrity_risk"}
		default:
			return Outcome{Decision: DecisionAllow, TokenRequired: true, Reason: "low_integrity_risk"}
		}
	case registry.CriticalityMedium:
		if composite.Score != nil && *composite.Score >= 0.50 {
			return Outcome{Decision: DecisionReview, Reason: "elevated_integrity_risk"}
		}
		return Outcome{Decision: DecisionAllow, Reason: "within_medium_tolerance"}
	default: // LOW, or any unrecognized criticality
		return Outcome{Decision: DecisionAllow, Reason: "low_criticality"}
	}
}

// evalTokenRequired evaluates profile's CEL expression. ok is false if the
// expression fails to compile, evaluate, or does not produce a bool —
// in all of those cases the fixed matrix's token_required is kept as-is.
func (e *Engine) evalTokenRequired(expr string, composite risk.Composite, criticality registry.Criticality) (result bool, ok bool) {
	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		e.log.Warn("policy_expr compile failed, falling back to matrix", "error", iss.Err())
		return false, false
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		e.log.Warn("policy_expr program build failed, falling back to matrix", "error", err)
		return false, false
	}

	scoreDefined := composite.Score != nil
	score := 0.0
	if scoreDefined {
		score = *composite.Score
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"score":         score,
		"score_defined": scoreDefined,
		"criticality":   string(criticality),
	})
	if err != nil {
		e.log.Warn("policy_expr eval failed, falling back to matrix", "error", err)
		return false, false
	}

	b, isBool := out.Value().(bool)
	if !isBool {
		return false, false
	}
	return b, true
}
