package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/ctlplane/pkg/config"
	"github.com/Mindburn-Labs/ctlplane/pkg/policy"
	"github.com/Mindburn-Labs/ctlplane/pkg/proposer"
	"github.com/Mindburn-Labs/ctlplane/pkg/registry"
	"github.com/Mindburn-Labs/ctlplane/pkg/risk"
	"github.com/Mindburn-Labs/ctlplane/pkg/store"
	"github.com/Mindburn-Labs/ctlplane/pkg/telemetry"
	"github.com/Mindburn-Labs/ctlplane/pkg/token"
	"github.com/Mindburn-Labs/ctlplane/pkg/verifier"
)

func main() {
	os.Exit(Run())
}

// Run is the entrypoint extracted for testability, mirroring the
// reference CLI's Run(args, stdout, stderr) shape.
func Run() int {
	fmt.Fprintln(os.Stdout, "ctlplane starting...")

	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	reg := registry.New()
	if bundle := os.Getenv("TOOL_PROFILES_FILE"); bundle != "" {
		if err := config.LoadToolProfiles(bundle, reg); err != nil {
			log.Fatalf("ctlplane: load tool profiles: %v", err)
		}
	}

	proposalStore, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("ctlplane: open store: %v", err)
	}
	defer closeStore()

	scorer := risk.New(cfg.RiskWeights, cfg.RiskThresholds, logger)
	engine, err := policy.New(logger)
	if err != nil {
		log.Fatalf("ctlplane: build policy engine: %v", err)
	}
	codec, err := token.New([]byte(cfg.SigningSecret), logger)
	if err != nil {
		log.Fatalf("ctlplane: build token codec: %v", err)
	}

	exporter := openExporter(logger)

	prop := proposer.New(reg, scorer, engine, codec, proposalStore, exporter, cfg.TokenTTL, logger)
	verify := verifier.New(proposalStore, codec, exporter, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/propose", handlePropose(prop, logger))
	mux.HandleFunc("/commit", handleCommit(verify, logger))

	addr := ":8080"
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("http server stopped", "error", err)
		}
	}()

	logger.Info("ready", "addr", addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")
	return 0
}

// openExporter returns a telemetry.OtelExporter bound to the process's
// global OTel providers when OTEL_SERVICE_NAME is set, falling back to
// telemetry.NoopExporter otherwise. This binary never registers a
// MeterProvider/TracerProvider itself — that is an operator concern —
// so the exporter degrades to a no-op unless the embedding environment
// has already wired one via the standard OTel SDK auto-configuration.
func openExporter(logger *slog.Logger) telemetry.Exporter {
	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" {
		return telemetry.NoopExporter{}
	}
	exp, err := telemetry.NewOtelExporter(serviceName)
	if err != nil {
		logger.Error("failed to build otel exporter, falling back to noop", "error", err)
		return telemetry.NoopExporter{}
	}
	return exp
}

func openStore(cfg *config.Config) (store.ProposalStore, func(), error) {
	if cfg.StoreBackend != "postgres" {
		return store.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	pgStore := store.NewPostgresStore(db)
	if err := pgStore.Init(context.Background()); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init postgres schema: %w", err)
	}
	return pgStore, func() { _ = db.Close() }, nil
}

type proposeRequest struct {
	ToolName          string                 `json:"tool_name"`
	Args              map[string]interface{} `json:"args"`
	Prompt            string                 `json:"prompt"`
	ModelAnswer       string                 `json:"model_answer"`
	SecondaryAnswer   *string                `json:"secondary_answer,omitempty"`
	ToolResultSummary *string                `json:"tool_result_summary,omitempty"`
	RetrievedContext  *string                `json:"retrieved_context,omitempty"`
	VerifierScore     *float64               `json:"verifier_score,omitempty"`
}

func handlePropose(p *proposer.Proposer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req proposeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		resp, err := p.Propose(r.Context(), proposer.Request{
			ToolName:          req.ToolName,
			Args:              req.Args,
			Prompt:            req.Prompt,
			ModelAnswer:       req.ModelAnswer,
			SecondaryAnswer:   req.SecondaryAnswer,
			ToolResultSummary: req.ToolResultSummary,
			RetrievedContext:  req.RetrievedContext,
			VerifierScore:     req.VerifierScore,
		})
		if err != nil {
			logger.Error("propose failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

type commitRequest struct {
	ProposalID string                 `json:"proposal_id"`
	CommitToken *string               `json:"commit_token,omitempty"`
	Args       map[string]interface{} `json:"args"`
}

func handleCommit(v *verifier.Verifier, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req commitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		outcome, err := v.Commit(r.Context(), req.ProposalID, req.CommitToken, req.Args)
		if err != nil {
			logger.Error("commit failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"committed": outcome.Committed,
			"reason":    outcome.Reason,
		})
	}
}
