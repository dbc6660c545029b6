// Package registry holds the process-wide Tool Profile Registry.
//
// Per spec §4.8: a process-wide mapping tool_name -> ToolProfile, lifecycle
// bound to the process. Writes are serialized, reads are lock-free or
// behind a read-preferring lock, mirroring how the reference codebase's
// in-memory registries (pkg/runtime/obligation.MemoryStore,
// pkg/authz.Engine) guard their maps with sync.RWMutex.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Criticality classifies how dangerous an unchecked tool invocation is.
type Criticality string

const (
	CriticalityLow    Criticality = "LOW"
	CriticalityMedium Criticality = "MEDIUM"
	CriticalityHigh   Criticality = "HIGH"
)

// ToolProfile is the registered configuration for a single tool.
// Created at registration, immutable per process lifetime.
type ToolProfile struct {
	ToolName    string      `json:"tool_name" yaml:"tool_name"`
	Criticality Criticality `json:"criticality" yaml:"criticality"`
	Irreversible bool       `json:"irreversible" yaml:"irreversible"`
	Regulatory   bool       `json:"regulatory" yaml:"regulatory"`
	RiskTier     string     `json:"risk_tier" yaml:"risk_tier"`

	// TokenRequiredOverride hardens (or relaxes) the fixed policy matrix's
	// token_required decision for this tool specifically. nil defers to
	// the matrix. See spec §9 Open Question on per-tool overrides.
	TokenRequiredOverride *bool `json:"token_required_override,omitempty" yaml:"token_required_override,omitempty"`

	// PolicyExpr is an optional CEL expression evaluated by pkg/policy to
	// compute token_required from (score, criticality). A broken or
	// erroring expression never overrides the fixed matrix — see
	// pkg/policy for the evaluation contract.
	PolicyExpr string `json:"policy_expr,omitempty" yaml:"policy_expr,omitempty"`

	// ArgsSchemaJSON is an optional JSON Schema (Draft 2020-12) that tool
	// arguments must satisfy before scoring. Empty means no validation.
	ArgsSchemaJSON string `json:"args_schema,omitempty" yaml:"args_schema,omitempty"`
}

// DefaultProfile is returned for tools with no registered profile.
// Per spec §4.6 step 1: unknown tools default to MEDIUM criticality.
func DefaultProfile(toolName string) ToolProfile {
	return ToolProfile{
		ToolName:    toolName,
		Criticality: CriticalityMedium,
		RiskTier:    "unclassified",
	}
}

// Registry is the process-wide tool profile store.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]ToolProfile
	schemas  map[string]*jsonschema.Schema // compiled ArgsSchemaJSON, keyed by tool name
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		profiles: make(map[string]ToolProfile),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Register adds or idempotently replaces a tool's profile.
func (r *Registry) Register(profile ToolProfile) error {
	if profile.ToolName == "" {
		return fmt.Errorf("registry: tool_name must not be empty")
	}

	var compiled *jsonschema.Schema
	if profile.ArgsSchemaJSON != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := "mem://" + profile.ToolName + "/args-schema.json"
		if err := c.AddResource(url, strings.NewReader(profile.ArgsSchemaJSON)); err != nil {
			return fmt.Errorf("registry: compile args schema for %q: %w", profile.ToolName, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("registry: compile args schema for %q: %w", profile.ToolName, err)
		}
		compiled = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[profile.ToolName] = profile
	if compiled != nil {
		r.schemas[profile.ToolName] = compiled
	} else {
		delete(r.schemas, profile.ToolName)
	}
	return nil
}

// Get returns the registered profile for toolName, or DefaultProfile if
// the tool has never been registered.
func (r *Registry) Get(toolName string) ToolProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.profiles[toolName]; ok {
		return p
	}
	return DefaultProfile(toolName)
}

// ValidateArgs validates args against the tool's registered JSON Schema,
// if any. A tool with no schema always validates successfully — this is
// additive to spec §4.6 and never changes behavior for unconfigured tools.
func (r *Registry) ValidateArgs(toolName string, args map[string]interface{}) error {
	r.mu.RLock()
	sch, ok := r.schemas[toolName]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := sch.Validate(args); err != nil {
		return fmt.Errorf("args_schema_violation: %w", err)
	}
	return nil
}
