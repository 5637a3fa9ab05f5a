package file

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/aescanero/dagrun/pkg/domain"
)

// planFile is the on-disk plan layout shared by every format
type planFile struct {
	ID          string     `json:"id" yaml:"id" toml:"id"`
	Name        string     `json:"name" yaml:"name" toml:"name"`
	Description string     `json:"description" yaml:"description" toml:"description"`
	Steps       []stepFile `json:"steps" yaml:"steps" toml:"steps"`
}

type stepFile struct {
	ID          string                 `json:"id" yaml:"id" toml:"id"`
	Name        string                 `json:"name" yaml:"name" toml:"name"`
	ToolName    string                 `json:"tool_name" yaml:"tool_name" toml:"tool_name"`
	Parameters  map[string]interface{} `json:"parameters" yaml:"parameters" toml:"parameters"`
	DependsOn   []string               `json:"depends_on" yaml:"depends_on" toml:"depends_on"`
	RetryPolicy *domain.RetryPolicy    `json:"retry_policy" yaml:"retry_policy" toml:"retry_policy"`
	Cancellable string                 `json:"cancellable" yaml:"cancellable" toml:"cancellable"`
	TimeoutMs   int64                  `json:"timeout_ms" yaml:"timeout_ms" toml:"timeout_ms"`
}

// supported reports whether path has a plan file extension
func supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".toml", ".json":
		return true
	}
	return false
}

// parsePlan decodes a plan file. The plan id defaults to the file name without extension.
func parsePlan(path string, data []byte, modTime time.Time) (*domain.Plan, error) {
	var pf planFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return nil, fmt.Errorf("failed to parse yaml: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &pf); err != nil {
			return nil, fmt.Errorf("failed to parse toml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &pf); err != nil {
			return nil, fmt.Errorf("failed to parse json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported plan file: %s", path)
	}

	if pf.ID == "" {
		base := filepath.Base(path)
		pf.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if pf.Name == "" {
		pf.Name = pf.ID
	}

	plan := &domain.Plan{
		ID:          pf.ID,
		Name:        pf.Name,
		Description: pf.Description,
		Steps:       make([]domain.StepDef, 0, len(pf.Steps)),
		CreatedAt:   modTime.UTC(),
	}
	for _, s := range pf.Steps {
		step := domain.StepDef{
			ID:          s.ID,
			Name:        s.Name,
			ToolName:    s.ToolName,
			DependsOn:   s.DependsOn,
			RetryPolicy: s.RetryPolicy,
			Cancellable: domain.Cancellability(s.Cancellable),
			TimeoutMs:   s.TimeoutMs,
		}
		if len(s.Parameters) > 0 {
			params, err := json.Marshal(s.Parameters)
			if err != nil {
				return nil, fmt.Errorf("step %s: failed to encode parameters: %w", s.ID, err)
			}
			step.Parameters = params
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}
