package engineconfig

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownStage marks a configuration naming a stage outside the
	// closed enum. Parsing fails closed on these.
	ErrUnknownStage = errors.New("unknown stage key")
	// ErrInvalidTimeout marks a tool timeout that is neither a positive
	// duration nor the literal "auto".
	ErrInvalidTimeout = errors.New("invalid tool timeout")
	// ErrEmptyConfig marks a configuration with no stages at all.
	ErrEmptyConfig = errors.New("engine configuration is empty")
)

// Timeout is a tool execution timeout: either a fixed positive duration or
// "auto", resolved from input size at dispatch time.
type Timeout struct {
	Auto     bool
	Duration time.Duration
}

// UnmarshalYAML accepts the literal "auto", an integer second count, or a
// Go duration string such as "10m".
func (t *Timeout) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidTimeout, node.Value)
	}
	if raw == "auto" {
		*t = Timeout{Auto: true}
		return nil
	}
	var secs int
	if err := node.Decode(&secs); err == nil {
		if secs <= 0 {
			return fmt.Errorf("%w: %d seconds", ErrInvalidTimeout, secs)
		}
		*t = Timeout{Duration: time.Duration(secs) * time.Second}
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidTimeout, raw)
	}
	*t = Timeout{Duration: d}
	return nil
}

// ToolConfig configures one tool inside a stage. Params carries the
// free-form scalar options passed through to the tool invocation.
type ToolConfig struct {
	Enabled bool
	Timeout Timeout
	Params  map[string]string
}

// UnmarshalYAML separates the reserved keys (enabled, timeout) from the
// free-form tool parameters.
func (tc *ToolConfig) UnmarshalYAML(node *yaml.Node) error {
	var fields map[string]yaml.Node
	if err := node.Decode(&fields); err != nil {
		return fmt.Errorf("tool config must be a mapping: %w", err)
	}
	tc.Params = make(map[string]string)
	for key, val := range fields {
		switch key {
		case "enabled":
			if err := val.Decode(&tc.Enabled); err != nil {
				return fmt.Errorf("enabled must be a boolean: %w", err)
			}
		case "timeout":
			if err := tc.Timeout.Decode(&val); err != nil {
				return err
			}
		default:
			if val.Kind != yaml.ScalarNode {
				return fmt.Errorf("tool parameter %q must be a scalar", key)
			}
			tc.Params[key] = val.Value
		}
	}
	return nil
}

// Decode lets ToolConfig reuse Timeout's yaml.Node-based unmarshal when the
// node was already detached from the document.
func (t *Timeout) Decode(node *yaml.Node) error {
	return t.UnmarshalYAML(node)
}

// ResolveTimeout resolves the effective timeout at dispatch time. Fixed
// timeouts pass through; "auto" scales with the input size for the stage,
// floored at one minute, falling back to the stage default when the input
// size is unknown.
func (tc ToolConfig) ResolveTimeout(stage Stage, inputCount int) time.Duration {
	if !tc.Timeout.Auto && tc.Timeout.Duration > 0 {
		return tc.Timeout.Duration
	}
	info, ok := stageTable[stage]
	if !ok {
		return minToolTimeout
	}
	if inputCount <= 0 {
		return info.AutoDefault
	}
	d := time.Duration(inputCount) * info.PerItemCost
	if d < minToolTimeout {
		return minToolTimeout
	}
	return d
}

// StageConfig maps tool name to its configuration within one stage.
type StageConfig map[string]ToolConfig

// EngineConfiguration is the parsed, validated pipeline configuration of
// one scan. Immutable once the scan starts.
type EngineConfiguration struct {
	stages map[Stage]StageConfig
}

// Parse validates and decodes a YAML engine configuration. Unknown stage
// keys are rejected rather than ignored.
func Parse(yamlText string) (*EngineConfiguration, error) {
	var doc map[string]map[string]ToolConfig
	if err := yaml.Unmarshal([]byte(yamlText), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse engine configuration: %w", err)
	}
	if len(doc) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &EngineConfiguration{stages: make(map[Stage]StageConfig, len(doc))}
	for key, tools := range doc {
		stage := Stage(key)
		if !Valid(stage) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStage, key)
		}
		sc := make(StageConfig, len(tools))
		for name, tc := range tools {
			if tc.Params == nil {
				tc.Params = make(map[string]string)
			}
			sc[name] = tc
		}
		cfg.stages[stage] = sc
	}
	return cfg, nil
}

// Merge unions tool enablement across multiple selected engine presets in
// input order: a tool enabled by any source stays enabled, and conflicting
// scalar parameters resolve last-source-wins. A later source overrides a
// tool's timeout only when it sets one; sources that omit the timeout leave
// the earlier setting in place. Merge of a single configuration, or of a
// configuration with itself, is the identity.
func Merge(configs ...*EngineConfiguration) (*EngineConfiguration, error) {
	if len(configs) == 0 {
		return nil, ErrEmptyConfig
	}

	merged := &EngineConfiguration{stages: make(map[Stage]StageConfig)}
	for _, cfg := range configs {
		if cfg == nil {
			return nil, errors.New("cannot merge nil engine configuration")
		}
		for stage, tools := range cfg.stages {
			dst, ok := merged.stages[stage]
			if !ok {
				dst = make(StageConfig, len(tools))
				merged.stages[stage] = dst
			}
			for name, tc := range tools {
				prev, exists := dst[name]
				if !exists {
					dst[name] = cloneTool(tc)
					continue
				}
				prev.Enabled = prev.Enabled || tc.Enabled
				if tc.Timeout.Auto || tc.Timeout.Duration > 0 {
					prev.Timeout = tc.Timeout
				}
				for k, v := range tc.Params {
					prev.Params[k] = v
				}
				dst[name] = prev
			}
		}
	}
	return merged, nil
}

func cloneTool(tc ToolConfig) ToolConfig {
	params := make(map[string]string, len(tc.Params))
	for k, v := range tc.Params {
		params[k] = v
	}
	tc.Params = params
	return tc
}

// Stages returns the configured stages in pipeline order, regardless of the
// order they appeared in the YAML document.
func (c *EngineConfiguration) Stages() []Stage {
	out := make([]Stage, 0, len(c.stages))
	for s := range c.stages {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return stageTable[out[i]].Order < stageTable[out[j]].Order
	})
	return out
}

// Tools returns the stage's full tool map, including disabled entries.
func (c *EngineConfiguration) Tools(stage Stage) StageConfig {
	return c.stages[stage]
}

// EnabledTools returns the names of the stage's enabled tools in
// lexicographic order for deterministic dispatch. Disabled tools are
// skipped entirely, not deprioritized.
func (c *EngineConfiguration) EnabledTools(stage Stage) []string {
	var names []string
	for name, tc := range c.stages[stage] {
		if tc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Tool returns the configuration of a single tool.
func (c *EngineConfiguration) Tool(stage Stage, name string) (ToolConfig, bool) {
	tc, ok := c.stages[stage][name]
	return tc, ok
}
