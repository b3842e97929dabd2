package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"leoline/internal/domain"
)

// DefaultSDType is used when an SD is created without a type.
const DefaultSDType = "feature"

// Config models leoline.yml / leoline.toml.
type Config struct {
	Phases       []PhaseWeight `yaml:"phases" toml:"phases" json:"phases"`
	Verification struct {
		Threshold int `yaml:"threshold" toml:"threshold" json:"threshold"`
	} `yaml:"verification" toml:"verification" json:"verification"`
	SDTypes map[string]SDTypeProfile `yaml:"sd_types" toml:"sd_types" json:"sd_types"`
	Handoff struct {
		MinDistinctTokens    int      `yaml:"min_distinct_tokens" toml:"min_distinct_tokens" json:"min_distinct_tokens"`
		PlaceholderTemplates []string `yaml:"placeholder_templates" toml:"placeholder_templates" json:"placeholder_templates"`
	} `yaml:"handoff" toml:"handoff" json:"handoff"`
	Hierarchy struct {
		AutoCompleteParents bool `yaml:"auto_complete_parents" toml:"auto_complete_parents" json:"auto_complete_parents"`
	} `yaml:"hierarchy" toml:"hierarchy" json:"hierarchy"`
	Leases struct {
		DefaultSeconds int `yaml:"default_seconds" toml:"default_seconds" json:"default_seconds"`
	} `yaml:"leases" toml:"leases" json:"leases"`
	Overrides struct {
		AllowedRoles []string `yaml:"allowed_roles" toml:"allowed_roles" json:"allowed_roles"`
	} `yaml:"overrides" toml:"overrides" json:"overrides"`
}

type PhaseWeight struct {
	Phase  domain.Phase `yaml:"phase" toml:"phase" json:"phase"`
	Weight int          `yaml:"weight" toml:"weight" json:"weight"`
}

// SDTypeProfile tunes gate evaluation for one sd_type.
type SDTypeProfile struct {
	NonMandatoryPhases  []domain.Phase `yaml:"non_mandatory_phases" toml:"non_mandatory_phases" json:"non_mandatory_phases,omitempty"`
	ExecHandoffOptional bool           `yaml:"exec_handoff_optional" toml:"exec_handoff_optional" json:"exec_handoff_optional"`
	MandatoryAgents     []string       `yaml:"mandatory_agents" toml:"mandatory_agents" json:"mandatory_agents,omitempty"`
}

// Mandatory reports whether phase p counts toward completion for this profile.
func (p SDTypeProfile) Mandatory(ph domain.Phase) bool {
	for _, nm := range p.NonMandatoryPhases {
		if nm == ph {
			return false
		}
	}
	return true
}

// Profile returns the profile for sdType; ok is false when the type is unknown.
func (c *Config) Profile(sdType string) (SDTypeProfile, bool) {
	p, ok := c.SDTypes[sdType]
	return p, ok
}

// ProfileOrDefault falls back to the default type for legacy rows with unknown types.
func (c *Config) ProfileOrDefault(sdType string) SDTypeProfile {
	if p, ok := c.SDTypes[sdType]; ok {
		return p
	}
	return c.SDTypes[DefaultSDType]
}

// Weight returns the configured base weight of a phase.
func (c *Config) Weight(ph domain.Phase) int {
	for _, pw := range c.Phases {
		if pw.Phase == ph {
			return pw.Weight
		}
	}
	return 0
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Phases) != len(domain.Phases) {
		return fmt.Errorf("config.phases must list exactly %d phases, got %d", len(domain.Phases), len(c.Phases))
	}
	sum := 0
	for i, pw := range c.Phases {
		if pw.Phase != domain.Phases[i] {
			return fmt.Errorf("config.phases[%d] must be %s, got %q", i, domain.Phases[i], pw.Phase)
		}
		if pw.Weight < 0 {
			return fmt.Errorf("phase %s has negative weight %d", pw.Phase, pw.Weight)
		}
		sum += pw.Weight
	}
	if sum != 100 {
		return fmt.Errorf("phase weights must sum to 100, got %d", sum)
	}
	if c.Verification.Threshold < 0 || c.Verification.Threshold > 100 {
		return fmt.Errorf("config.verification.threshold must be within 0..100, got %d", c.Verification.Threshold)
	}
	if len(c.SDTypes) == 0 {
		return fmt.Errorf("config.sd_types is required")
	}
	if _, ok := c.SDTypes[DefaultSDType]; !ok {
		return fmt.Errorf("config.sd_types must include %s", DefaultSDType)
	}
	for name, profile := range c.SDTypes {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.sd_types contains empty type name")
		}
		for _, ph := range profile.NonMandatoryPhases {
			if !ph.Valid() {
				return fmt.Errorf("sd_type %s names unknown phase %q", name, ph)
			}
		}
		mandatoryWeight := 0
		for _, pw := range c.Phases {
			if profile.Mandatory(pw.Phase) {
				mandatoryWeight += pw.Weight
			}
		}
		if mandatoryWeight == 0 {
			return fmt.Errorf("sd_type %s leaves no weighted mandatory phase", name)
		}
		for _, agent := range profile.MandatoryAgents {
			if strings.TrimSpace(agent) == "" {
				return fmt.Errorf("sd_type %s has empty mandatory agent code", name)
			}
		}
	}
	if c.Handoff.MinDistinctTokens < 0 {
		return fmt.Errorf("config.handoff.min_distinct_tokens must be >= 0")
	}
	if c.Leases.DefaultSeconds <= 0 {
		return fmt.Errorf("config.leases.default_seconds must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace, preferring an existing file.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	for _, name := range []string{"leoline.yml", "leoline.yaml", "leoline.toml"} {
		p := filepath.Join(workspace, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(workspace, "leoline.yml")
}

// Load reads the workspace config, or the defaults when no file exists.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return FromFile(path)
}

// Default returns the built-in engine configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromTOML parses and validates config from raw TOML bytes.
func FromTOML(data []byte) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("invalid config toml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads config from path, choosing the decoder by extension.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FromTOML(data)
	}
	return FromYAML(data)
}

const defaultTemplate = `phases:
  - phase: LEAD_APPROVAL
    weight: 20
  - phase: PLAN_DESIGN
    weight: 20
  - phase: EXEC_IMPLEMENTATION
    weight: 30
  - phase: PLAN_VERIFICATION
    weight: 15
  - phase: LEAD_FINAL_APPROVAL
    weight: 15

verification:
  threshold: 70

sd_types:
  feature:
    mandatory_agents: [TESTING]
  bugfix:
    mandatory_agents: [TESTING]
  infrastructure:
    non_mandatory_phases: [PLAN_VERIFICATION]
  documentation:
    non_mandatory_phases: [PLAN_VERIFICATION]
    exec_handoff_optional: true

handoff:
  min_distinct_tokens: 3
  placeholder_templates:
    - "TBD"
    - "TODO"
    - "N/A"
    - "none"
    - "to be determined"
    - "to be completed"
    - "lorem ipsum dolor sit amet"
    - "summary goes here"
    - "add details here"
    - "placeholder"

hierarchy:
  auto_complete_parents: false

leases:
  default_seconds: 900

overrides:
  allowed_roles: [admin]
`
