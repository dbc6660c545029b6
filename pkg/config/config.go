package config

import (
	"os"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/ctlplane/pkg/risk"
)

// Config holds process configuration for the control plane.
type Config struct {
	SigningSecret  string
	TokenTTL       time.Duration
	RiskWeights    risk.Weights
	RiskThresholds risk.Thresholds
	StoreBackend   string // "memory" or "postgres"
	DatabaseURL    string // only consulted when StoreBackend == "postgres"
	LogLevel       string
}

// Load loads configuration from environment variables, falling back to
// development-safe defaults. SigningSecret has no safe default for
// production use — operators MUST override it.
func Load() *Config {
	secret := os.Getenv("SIGNING_SECRET")
	if secret == "" {
		secret = "dev-only-signing-secret-change-me-3132"
	}

	ttl := envDuration("TOKEN_TTL", 5*time.Minute)

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	backend := os.Getenv("STORE_BACKEND")
	if backend == "" {
		backend = "memory"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://ctlplane@localhost:5432/ctlplane?sslmode=disable"
	}

	return &Config{
		SigningSecret:  secret,
		TokenTTL:       ttl,
		RiskWeights:    envWeights(),
		RiskThresholds: envThresholds(),
		StoreBackend:   backend,
		DatabaseURL:    dbURL,
		LogLevel:       logLevel,
	}
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// envWeights builds risk.Weights from individual env var overrides,
// defaulting every unset component to spec-fixed values. Operators are
// expected to override these only for tuning, not to change the shape
// of the composite contract.
func envWeights() risk.Weights {
	d := risk.DefaultWeights()
	return risk.Weights{
		Grounding:       envFloat("RISK_WEIGHT_GROUNDING", d.Grounding),
		SelfConsistency: envFloat("RISK_WEIGHT_SELF_CONSISTENCY", d.SelfConsistency),
		Verifier:        envFloat("RISK_WEIGHT_VERIFIER", d.Verifier),
		Numeric:         envFloat("RISK_WEIGHT_NUMERIC", d.Numeric),
		ToolMismatch:    envFloat("RISK_WEIGHT_TOOL_MISMATCH", d.ToolMismatch),
		Drift:           envFloat("RISK_WEIGHT_DRIFT", d.Drift),
	}
}

func envThresholds() risk.Thresholds {
	d := risk.DefaultThresholds()
	return risk.Thresholds{
		Low:    envFloat("RISK_THRESHOLD_LOW", d.Low),
		Medium: envFloat("RISK_THRESHOLD_MEDIUM", d.Medium),
	}
}
