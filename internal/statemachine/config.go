package statemachine

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config maps a domain name (task, qa, session) to its machine.
type Config map[string]MachineConfig

// MachineConfig declares the states of one domain.
type MachineConfig struct {
	States map[string]StateSpec `yaml:"states"`
}

// StateSpec declares one state and the transitions leaving it.
type StateSpec struct {
	Initial            bool             `yaml:"initial,omitempty"`
	Final              bool             `yaml:"final,omitempty"`
	Description        string           `yaml:"description,omitempty"`
	AllowedTransitions []TransitionSpec `yaml:"allowed_transitions,omitempty"`
}

// TransitionSpec is one allowed edge. Guard and every condition must pass.
type TransitionSpec struct {
	To         string       `yaml:"to"`
	Guard      string       `yaml:"guard,omitempty"`
	Conditions []string     `yaml:"conditions,omitempty"`
	Actions    []ActionSpec `yaml:"actions,omitempty"`
}

// ActionSpec names an action. In YAML it is either a bare name or a mapping
// with name and critical.
type ActionSpec struct {
	Name     string `yaml:"name"`
	Critical bool   `yaml:"critical,omitempty"`
}

func (a *ActionSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		a.Name = node.Value
		a.Critical = false
		return nil
	case yaml.MappingNode:
		type plain ActionSpec
		var p plain
		if err := node.Decode(&p); err != nil {
			return err
		}
		*a = ActionSpec(p)
		return nil
	}
	return fmt.Errorf("line %d: action must be a name or a mapping", node.Line)
}

// ParseConfig decodes a YAML document whose top-level keys are domains.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid state machine configuration: %w", err)
	}
	return cfg, nil
}
