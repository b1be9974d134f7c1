package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Seed is the optional bootstrap state applied once at control-plane
// startup: catalog services with their tools, plus access rules. The seed
// only adds; it never removes state already in the store.
type Seed struct {
	Catalog     map[string]SeedService `yaml:"catalog" validate:"omitempty,dive"`
	AccessRules []SeedRule             `yaml:"access_rules" validate:"omitempty,dive"`
}

// SeedService is one catalog service in the seed file.
type SeedService struct {
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`

	// GovernanceID attaches a governance instance to the service.
	// Required when any tool carries approval settings or constraints.
	GovernanceID string `yaml:"governance_id"`

	Tools map[string]SeedTool `yaml:"tools" validate:"omitempty,dive"`
}

// IsEnabled resolves the omitted-means-enabled default.
func (s SeedService) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// SeedTool is one tool in a seeded service.
type SeedTool struct {
	// Tag defaults to "open" when omitted.
	Tag string `yaml:"tag" validate:"omitempty,oneof=open gated"`

	// RequiresApproval applies to gated tools and defaults to true.
	RequiresApproval *bool `yaml:"requires_approval"`

	Constraints []SeedConstraint `yaml:"constraints" validate:"omitempty,dive"`
}

// TagOrDefault resolves the omitted-means-open default.
func (t SeedTool) TagOrDefault() string {
	if t.Tag == "" {
		return "open"
	}
	return t.Tag
}

// ApprovalRequired resolves the omitted-means-required default.
func (t SeedTool) ApprovalRequired() bool {
	return t.RequiresApproval == nil || *t.RequiresApproval
}

// SeedConstraint restricts one argument of the enclosing tool.
type SeedConstraint struct {
	Param       string   `yaml:"param" validate:"required"`
	Operator    string   `yaml:"operator" validate:"required,oneof=in not_in contains not_contains regex max_length"`
	Values      []string `yaml:"values" validate:"required,min=1"`
	Description string   `yaml:"description"`
}

// SeedRule is one access rule in the seed file.
type SeedRule struct {
	Matcher SeedMatcher `yaml:"matcher"`
	Allow   SeedAllow   `yaml:"allow"`
}

// SeedMatcher selects which callers the rule applies to. Exactly the field
// for its type should be set; the store rejects malformed matchers when
// the seed is applied.
type SeedMatcher struct {
	Type       string            `yaml:"type" validate:"required,oneof=claims identity expression"`
	Claims     map[string]string `yaml:"claims"`
	Identity   string            `yaml:"identity"`
	Expression string            `yaml:"expression"`
}

// SeedAllow is the grant attached to a seeded rule. Entries match by exact
// name or the wildcard "*".
type SeedAllow struct {
	Services []string `yaml:"services" validate:"required,min=1"`
	Tools    []string `yaml:"tools" validate:"required,min=1"`
}

// LoadSeed reads and validates a seed file. Unknown YAML keys are
// rejected so typos fail loudly instead of silently seeding nothing.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var seed Seed
	if err := dec.Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return &Seed{}, nil
		}
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(&seed); err != nil {
		return nil, fmt.Errorf("seed file %s: %w", path, formatValidationErrors(err))
	}
	if err := seed.checkGovernanceRefs(); err != nil {
		return nil, fmt.Errorf("seed file %s: %w", path, err)
	}
	return &seed, nil
}

// checkGovernanceRefs rejects tool approval settings and constraints on
// services without a governance instance to hold them.
func (s *Seed) checkGovernanceRefs() error {
	for svc, entry := range s.Catalog {
		if entry.GovernanceID != "" {
			continue
		}
		for tool, t := range entry.Tools {
			if t.RequiresApproval != nil || len(t.Constraints) > 0 {
				return fmt.Errorf("service %q tool %q: approval settings need a governance_id on the service", svc, tool)
			}
		}
	}
	return nil
}
