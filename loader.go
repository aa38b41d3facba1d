package gateflow

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// definitionDocument is the on-disk shape of a definition. Steps may be given under
// "steps", as a legacy sequential "activities" list, or as the top-level mapping itself.
type definitionDocument struct {
	ID           string           `yaml:"id"`
	Name         string           `yaml:"name"`
	Version      int              `yaml:"version"`
	Description  string           `yaml:"description"`
	Input        map[string]any   `yaml:"input"`
	FailOnReject bool             `yaml:"failOnReject"`
	Steps        stepEntries      `yaml:"steps"`
	Activities   []legacyActivity `yaml:"activities"`
}

type legacyActivity struct {
	ActivityName string `yaml:"activityName"`
	Args         any    `yaml:"args"`
}

// stepEntries keeps the document order of the steps mapping.
type stepEntries []*StepDefinition

func (s *stepEntries) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: steps must be a mapping of step id to step", node.Line)
	}

	seen := make(map[string]struct{}, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valueNode := node.Content[i], node.Content[i+1]

		id := strings.TrimSpace(keyNode.Value)
		if _, ok := seen[id]; ok {
			return &DefinitionError{StepID: id, Rule: RuleDuplicateStep, Detail: fmt.Sprintf("line %d", keyNode.Line)}
		}
		seen[id] = struct{}{}

		var step StepDefinition
		if err := valueNode.Decode(&step); err != nil {
			return fmt.Errorf("step %q: %w", id, err)
		}
		step.ID = id
		*s = append(*s, &step)
	}

	return nil
}

var documentKeys = map[string]struct{}{
	"id": {}, "name": {}, "version": {}, "description": {}, "input": {},
	"failOnReject": {}, "steps": {}, "activities": {},
}

// ParseDefinitionYAML decodes a YAML (or JSON) definition document. The result is not
// validated; BuildGraph does that against an activity registry.
func ParseDefinitionYAML(data []byte) (*WorkflowDefinition, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, &DefinitionError{Rule: RuleEmptyDefinition}
	}

	body := root.Content[0]
	if body.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("decode definition: line %d: document must be a mapping", body.Line)
	}

	var doc definitionDocument
	if isStepMapping(body) {
		if err := doc.Steps.UnmarshalYAML(body); err != nil {
			return nil, fmt.Errorf("decode definition: %w", err)
		}
	} else if err := body.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}

	def := &WorkflowDefinition{
		ID:           doc.ID,
		Name:         doc.Name,
		Version:      doc.Version,
		Description:  doc.Description,
		Input:        doc.Input,
		FailOnReject: doc.FailOnReject,
		Steps:        doc.Steps,
	}
	if len(def.Steps) == 0 && len(doc.Activities) > 0 {
		def.Steps = chainActivities(doc.Activities)
	}
	if def.Version == 0 {
		def.Version = 1
	}

	return def, nil
}

func LoadDefinitionReader(r io.Reader) (*WorkflowDefinition, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}

	return ParseDefinitionYAML(buf.Bytes())
}

// LoadDefinitionFile reads a definition from disk. A document without an id takes the
// file name without extension.
func LoadDefinitionFile(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", path, err)
	}

	def, err := ParseDefinitionYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if def.ID == "" {
		base := filepath.Base(path)
		def.ID = strings.TrimSuffix(base, filepath.Ext(base))
	}

	return def, nil
}

// LoadDefinitionDir loads every .yaml, .yml and .json file in dir, sorted by name.
func LoadDefinitionDir(dir string) ([]*WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}

	var defs []*WorkflowDefinition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}

		def, err := LoadDefinitionFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	return defs, nil
}

// isStepMapping reports a bare document whose top-level keys are step ids.
func isStepMapping(node *yaml.Node) bool {
	if len(node.Content) == 0 {
		return false
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if _, ok := documentKeys[node.Content[i].Value]; ok {
			return false
		}
		if node.Content[i+1].Kind != yaml.MappingNode {
			return false
		}
	}

	return true
}

func chainActivities(activities []legacyActivity) []*StepDefinition {
	steps := make([]*StepDefinition, 0, len(activities))
	counts := make(map[string]int, len(activities))

	for _, activity := range activities {
		counts[activity.ActivityName]++
		id := activity.ActivityName
		if n := counts[activity.ActivityName]; n > 1 {
			id = fmt.Sprintf("%s-%d", activity.ActivityName, n)
		}

		step := &StepDefinition{ID: id, Activity: activity.ActivityName}
		if activity.Args != nil {
			step.Input = map[string]any{"args": activity.Args}
		}
		if len(steps) > 0 {
			step.DependsOn = []string{steps[len(steps)-1].ID}
		}
		steps = append(steps, step)
	}

	return steps
}
