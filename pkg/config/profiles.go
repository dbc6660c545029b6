package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/ctlplane/pkg/registry"
)

// ToolProfileFile is the on-disk YAML shape for a registry.ToolProfile
// bundle. tool_name is taken from the map key in LoadToolProfiles, not
// duplicated in the file body.
type ToolProfileFile struct {
	Criticality           string `yaml:"criticality"`
	Irreversible          bool   `yaml:"irreversible,omitempty"`
	Regulatory            bool   `yaml:"regulatory,omitempty"`
	RiskTier              string `yaml:"risk_tier,omitempty"`
	TokenRequiredOverride *bool  `yaml:"token_required_override,omitempty"`
	PolicyExpr            string `yaml:"policy_expr,omitempty"`
	ArgsSchemaFile        string `yaml:"args_schema_file,omitempty"`
}

// toolProfileBundle is the top-level document: a map of tool_name to its
// profile body.
type toolProfileBundle struct {
	Tools map[string]ToolProfileFile `yaml:"tools"`
}

// LoadToolProfiles reads a YAML bundle describing every tool's
// registry.ToolProfile and registers each with reg. args_schema_file, if
// set, is resolved relative to the bundle file's directory.
func LoadToolProfiles(path string, reg *registry.Registry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load tool profiles %q: %w", path, err)
	}

	var bundle toolProfileBundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("parse tool profiles %q: %w", path, err)
	}

	dir := filepath.Dir(path)
	for toolName, body := range bundle.Tools {
		profile := registry.ToolProfile{
			ToolName:              toolName,
			Criticality:           registry.Criticality(body.Criticality),
			Irreversible:          body.Irreversible,
			Regulatory:            body.Regulatory,
			RiskTier:              body.RiskTier,
			TokenRequiredOverride: body.TokenRequiredOverride,
			PolicyExpr:            body.PolicyExpr,
		}

		if body.ArgsSchemaFile != "" {
			schemaPath := filepath.Join(dir, body.ArgsSchemaFile)
			schemaBytes, err := os.ReadFile(schemaPath)
			if err != nil {
				return fmt.Errorf("load args schema for %q: %w", toolName, err)
			}
			profile.ArgsSchemaJSON = string(schemaBytes)
		}

		if err := reg.Register(profile); err != nil {
			return fmt.Errorf("register tool profile %q: %w", toolName, err)
		}
	}

	return nil
}
