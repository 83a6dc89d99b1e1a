package api

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Operation kinds a plan can apply.
const (
	OperationRestart     = "restart"
	OperationApplyConfig = "apply-config"
)

// PlanSpec is the on-disk description of an update plan.
type PlanSpec struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Operation   string `json:"operation" yaml:"operation"`
	// GracefulTimeoutMillis applies to restarts; -1 waits indefinitely.
	GracefulTimeoutMillis *int64      `json:"graceful_timeout_ms,omitempty" yaml:"graceful_timeout_ms,omitempty"`
	Config                *ConfigSpec `json:"config,omitempty" yaml:"config,omitempty"`
	// RollbackAcrossGroups defaults to true.
	RollbackAcrossGroups *bool       `json:"rollback_across_groups,omitempty" yaml:"rollback_across_groups,omitempty"`
	Groups               []GroupSpec `json:"groups" yaml:"groups"`
}

// ConfigSpec is the document written by an apply-config plan. File variants
// are resolved relative to the plan file by LoadPlanSpec.
type ConfigSpec struct {
	Path         string  `json:"path" yaml:"path"`
	Content      string  `json:"content,omitempty" yaml:"content,omitempty"`
	ContentFile  string  `json:"content_file,omitempty" yaml:"content_file,omitempty"`
	Previous     *string `json:"previous,omitempty" yaml:"previous,omitempty"`
	PreviousFile string  `json:"previous_file,omitempty" yaml:"previous_file,omitempty"`
}

// GroupSpec selects the servers of one plan step.
type GroupSpec struct {
	Name string `json:"name" yaml:"name"`
	// Servers lists explicit host/server identities.
	Servers []string `json:"servers,omitempty" yaml:"servers,omitempty"`
	// Selector names an inventory group whose servers are added.
	Selector    string `json:"selector,omitempty" yaml:"selector,omitempty"`
	MaxFailures *int   `json:"max_failures,omitempty" yaml:"max_failures,omitempty"`
	// MaxFailurePercentage is used when MaxFailures is unset.
	MaxFailurePercentage *int `json:"max_failure_percentage,omitempty" yaml:"max_failure_percentage,omitempty"`
	// RollingSize splits the group into consecutive steps of at most this many servers.
	RollingSize int `json:"rolling_size,omitempty" yaml:"rolling_size,omitempty"`
}

// Validate checks the parts of a spec that do not need the inventory.
func (s *PlanSpec) Validate() error {
	switch s.Operation {
	case OperationRestart:
	case OperationApplyConfig:
		if s.Config == nil || s.Config.Path == "" {
			return fmt.Errorf("plan %q: apply-config requires config.path", s.Name)
		}
	default:
		return fmt.Errorf("plan %q: unknown operation %q", s.Name, s.Operation)
	}
	if len(s.Groups) == 0 {
		return fmt.Errorf("plan %q: no groups", s.Name)
	}
	for i, g := range s.Groups {
		if len(g.Servers) == 0 && g.Selector == "" {
			return fmt.Errorf("plan %q: group %d selects no servers", s.Name, i)
		}
		if g.MaxFailurePercentage != nil && (*g.MaxFailurePercentage < 0 || *g.MaxFailurePercentage > 100) {
			return fmt.Errorf("plan %q: group %d: max_failure_percentage must be within 0..100", s.Name, i)
		}
	}
	if s.GracefulTimeoutMillis != nil && *s.GracefulTimeoutMillis < -1 {
		return fmt.Errorf("plan %q: graceful_timeout_ms must be -1 or non-negative", s.Name)
	}
	return nil
}

// LoadPlanSpec reads a YAML plan file and inlines referenced config files.
func LoadPlanSpec(path string) (PlanSpec, error) {
	var spec PlanSpec
	content, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("read plan: %w", err)
	}
	if err := yaml.Unmarshal(content, &spec); err != nil {
		return spec, fmt.Errorf("parse plan: %w", err)
	}
	if spec.Config != nil {
		dir := filepath.Dir(path)
		if spec.Config.ContentFile != "" {
			b, err := os.ReadFile(resolve(dir, spec.Config.ContentFile))
			if err != nil {
				return spec, fmt.Errorf("read content_file: %w", err)
			}
			spec.Config.Content = string(b)
		}
		if spec.Config.PreviousFile != "" {
			b, err := os.ReadFile(resolve(dir, spec.Config.PreviousFile))
			if err != nil {
				return spec, fmt.Errorf("read previous_file: %w", err)
			}
			prev := string(b)
			spec.Config.Previous = &prev
		}
	}
	if err := spec.Validate(); err != nil {
		return spec, err
	}
	return spec, nil
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
