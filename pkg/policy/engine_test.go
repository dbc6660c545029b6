package policy

import (
	"testing"

	"github.com/Mindburn-Labs/ctlplane/pkg/registry"
	"github.com/Mindburn-Labs/ctlplane/pkg/risk"
)

func mustEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func scorePtr(f float64) *float64 { return &f }

func TestDecide_HighCriticality_Matrix(t *testing.T) {
	e := mustEngine(t)
	high := registry.ToolProfile{ToolName: "transfer_funds", Criticality: registry.CriticalityHigh}

	cases := []struct {
		name     string
		score    *float64
		wantDec  Decision
		wantTok  bool
	}{
		{"undefined", nil, DecisionAllow, true},
		{"low", scorePtr(0.0), DecisionAllow, true},
		{"just-under-review", scorePtr(0.19999), DecisionAllow, true},
		{"review-lower-bound", scorePtr(0.20), DecisionReview, false},
		{"review-upper", scorePtr(0.34999), DecisionReview, false},
		{"block-lower-bound", scorePtr(0.35), DecisionBlock, false},
		{"block-high", scorePtr(1.0), DecisionBlock, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			out := e.Decide(high, risk.Composite{Score: c.score})
			if out.Decision != c.wantDec {
				t.Errorf("decision = %s, want %s", out.Decision, c.wantDec)
			}
			if out.TokenRequired != c.wantTok {
				t.Errorf("token_required = %v, want %v", out.TokenRequired, c.wantTok)
			}
		})
	}
}

func TestDecide_MediumCriticality(t *testing.T) {
	e := mustEngine(t)
	medium := registry.ToolProfile{ToolName: "send_email", Criticality: registry.CriticalityMedium}

	if out := e.Decide(medium, risk.Composite{Score: scorePtr(0.42)}); out.Decision != DecisionAllow {
		t.Errorf("expected ALLOW at 0.42, got %s", out.Decision)
	}
	if out := e.Decide(medium, risk.Composite{Score: scorePtr(0.50)}); out.Decision != DecisionReview {
		t.Errorf("expected REVIEW at 0.50, got %s", out.Decision)
	}
	if out := e.Decide(medium, risk.Composite{Score: scorePtr(0.50)}); out.TokenRequired {
		t.Errorf("MEDIUM never requires a token")
	}
	if out := e.Decide(medium, risk.Composite{Score: nil}); out.Decision != DecisionAllow || out.TokenRequired {
		t.Errorf("MEDIUM with undefined score should ALLOW without token, got %+v", out)
	}
}

func TestDecide_LowCriticality_AlwaysAllow(t *testing.T) {
	e := mustEngine(t)
	low := registry.ToolProfile{ToolName: "list_files", Criticality: registry.CriticalityLow}
	for _, s := range []*float64{nil, scorePtr(0.0), scorePtr(0.99), scorePtr(1.0)} {
		out := e.Decide(low, risk.Composite{Score: s})
		if out.Decision != DecisionAllow || out.TokenRequired {
			t.Errorf("LOW should always ALLOW without token, got %+v for score %v", out, s)
		}
	}
}

func TestDecide_ReviewAndBlockNeverIssueTokens(t *testing.T) {
	e := mustEngine(t)
	high := registry.ToolProfile{ToolName: "transfer_funds", Criticality: registry.CriticalityHigh}
	for _, s := range []float64{0.20, 0.35, 0.99} {
		out := e.Decide(high, risk.Composite{Score: scorePtr(s)})
		if out.Decision != DecisionAllow && out.TokenRequired {
			t.Errorf("non-ALLOW decision must never require a token, got %+v", out)
		}
	}
}

func TestDecide_PolicyExprHardensMedium(t *testing.T) {
	e := mustEngine(t)
	medium := registry.ToolProfile{
		ToolName:    "wire_transfer_small",
		Criticality: registry.CriticalityMedium,
		PolicyExpr:  `criticality == "MEDIUM" && score_defined && score > 0.10`,
	}
	out := e.Decide(medium, risk.Composite{Score: scorePtr(0.15)})
	if out.Decision != DecisionAllow {
		t.Fatalf("expected matrix ALLOW at 0.15, got %s", out.Decision)
	}
	if !out.TokenRequired {
		t.Errorf("expected PolicyExpr to harden token_required to true")
	}
}

func TestDecide_BrokenPolicyExprFallsBackToMatrix(t *testing.T) {
	e := mustEngine(t)
	medium := registry.ToolProfile{
		ToolName:    "broken",
		Criticality: registry.CriticalityMedium,
		PolicyExpr:  `not valid cel $$$`,
	}
	out := e.Decide(medium, risk.Composite{Score: scorePtr(0.1)})
	if out.Decision != DecisionAllow || out.TokenRequired {
		t.Errorf("broken expression must not change matrix outcome, got %+v", out)
	}
}

func TestDecide_UnknownToolDefaultsToMedium(t *testing.T) {
	e := mustEngine(t)
	unknown := registry.DefaultProfile("mystery_tool")
	out := e.Decide(unknown, risk.Composite{Score: scorePtr(0.60)})
	if out.Decision != DecisionReview {
		t.Errorf("expected default MEDIUM tool to REVIEW at 0.60, got %s", out.Decision)
	}
}
