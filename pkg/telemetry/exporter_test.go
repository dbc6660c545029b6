package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Mindburn-Labs/ctlplane/pkg/policy"
	"github.com/Mindburn-Labs/ctlplane/pkg/risk"
	"github.com/Mindburn-Labs/ctlplane/pkg/verifier"
)

func TestNoopExporter_NeverPanics(t *testing.T) {
	var e NoopExporter
	score := 0.1
	e.RecordProposal(context.Background(), "tool", policy.DecisionAllow, risk.Composite{Score: &score, Level: risk.LevelLow}, time.Millisecond)
	e.RecordCommit(context.Background(), "tool", verifier.Outcome{Committed: true, Reason: verifier.ReasonOK}, time.Millisecond)
}

func TestOtelExporter_RecordsProposalCounter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	previous := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	defer otel.SetMeterProvider(previous)

	exporter, err := NewOtelExporter("ctlplane-test")
	if err != nil {
		t.Fatalf("NewOtelExporter: %v", err)
	}

	score := 0.15
	exporter.RecordProposal(context.Background(), "transfer_funds", policy.DecisionAllow, risk.Composite{Score: &score, Level: risk.LevelLow}, 2*time.Millisecond)

	var data metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &data); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(data.ScopeMetrics) == 0 {
		t.Fatal("expected at least one recorded metric scope")
	}

	found := false
	for _, sm := range data.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "ctlplane.proposals.total" {
				found = true
			}
		}
	}
	if !found {
		t.Error("expected ctlplane.proposals.total to be recorded")
	}
}
