package governor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	jsonschemav6 "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Timeout/retry policies a spec may declare.
const (
	PolicyNoRetry = "no_retry"
	PolicyRetry   = "retry"
)

// ToolSpec is the registered contract of a side-effecting tool.
type ToolSpec struct {
	Name               string         `json:"name" yaml:"name"`
	Description        string         `json:"description" yaml:"description"`
	InputSchema        map[string]any `json:"input_schema" yaml:"input_schema"`
	OutputSchema       map[string]any `json:"output_schema" yaml:"output_schema"`
	SideEffectLevel    string         `json:"side_effect_level" yaml:"side_effect_level"`
	IdempotencyPolicy  string         `json:"idempotency_policy" yaml:"idempotency_policy"`
	TimeoutRetryPolicy string         `json:"timeout_retry_policy" yaml:"timeout_retry_policy"`
	Owner              string         `json:"owner" yaml:"owner"`
	RiskLevel          string         `json:"risk_level" yaml:"risk_level"`
	TimeoutMS          int            `json:"timeout_ms,omitempty" yaml:"timeout_ms"`
}

type compiledSpec struct {
	spec   ToolSpec
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// Registry holds tool specs with their compiled schemas.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]compiledSpec
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]compiledSpec)}
}

// DefaultRegistry registers the built-in high-risk tools.
func DefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	for _, spec := range defaultTools() {
		if err := r.Register(spec); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadRegistryFile adds or overrides tools from a YAML file on top of the defaults.
func LoadRegistryFile(path string) (*Registry, error) {
	r, err := DefaultRegistry()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return r, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool registry: %w", err)
	}
	var doc struct {
		Tools []ToolSpec `yaml:"tools"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse tool registry: %w", err)
	}
	for _, spec := range doc.Tools {
		if err := r.Register(spec); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles spec's schemas and stores it under its name.
func (r *Registry) Register(spec ToolSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool spec without name")
	}
	in, err := compileSchema(spec.Name+"/input", spec.InputSchema)
	if err != nil {
		return fmt.Errorf("compile %s input schema: %w", spec.Name, err)
	}
	out, err := compileSchema(spec.Name+"/output", spec.OutputSchema)
	if err != nil {
		return fmt.Errorf("compile %s output schema: %w", spec.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = compiledSpec{spec: spec, input: in, output: out}
	return nil
}

func (r *Registry) get(name string) (compiledSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.tools[name]
	return c, ok
}

// List returns every registered spec sorted by name.
func (r *Registry) List() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSpec, 0, len(r.tools))
	for _, c := range r.tools {
		out = append(out, c.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		schema = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	url := "mem://tools/" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// validate round-trips v through JSON so the validator sees plain JSON values.
func validate(schema *jsonschema.Schema, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	doc, err := jsonschemav6.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}

func defaultTools() []ToolSpec {
	return []ToolSpec{
		{
			Name:        "dlq_discard",
			Description: "Discard a DLQ item with approvals.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"item_id":       map[string]any{"type": "string"},
					"reason":        map[string]any{"type": "string"},
					"reviewer_id":   map[string]any{"type": "string"},
					"reviewer_id_2": map[string]any{"type": []any{"string", "null"}},
				},
				"required": []any{"item_id", "reason", "reviewer_id"},
			},
			OutputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"item_id": map[string]any{"type": "string"},
					"status":  map[string]any{"type": "string"},
				},
				"required": []any{"item_id", "status"},
			},
			SideEffectLevel:    "external_commit",
			IdempotencyPolicy:  "by_item_id",
			TimeoutRetryPolicy: PolicyNoRetry,
			Owner:              "ops",
			RiskLevel:          "L3",
		},
		{
			Name:        "legal_hold_release",
			Description: "Release a legal hold after dual approval.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"hold_id":       map[string]any{"type": "string"},
					"reason":        map[string]any{"type": "string"},
					"reviewer_id":   map[string]any{"type": "string"},
					"reviewer_id_2": map[string]any{"type": "string"},
				},
				"required": []any{"hold_id", "reason", "reviewer_id", "reviewer_id_2"},
			},
			OutputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"hold_id": map[string]any{"type": "string"},
					"status":  map[string]any{"type": "string"},
				},
				"required": []any{"hold_id", "status"},
			},
			SideEffectLevel:    "external_commit",
			IdempotencyPolicy:  "by_hold_id",
			TimeoutRetryPolicy: PolicyNoRetry,
			Owner:              "governance",
			RiskLevel:          "L3",
		},
	}
}
