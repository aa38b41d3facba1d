package gateflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

const executionInputSource = "input"

var bindingPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// BindingRef is a parsed ${...} expression: either ${step.output.path} or ${input.path}.
type BindingRef struct {
	Expression string
	Source     string
	Path       string
}

func (r BindingRef) IsExecutionInput() bool {
	return r.Source == executionInputSource
}

func ParseBindingRef(expr string) (BindingRef, error) {
	ref := BindingRef{Expression: "${" + expr + "}"}

	parts := strings.Split(strings.TrimSpace(expr), ".")
	for _, part := range parts {
		if part == "" {
			return ref, fmt.Errorf("malformed reference %s", ref.Expression)
		}
	}

	ref.Source = parts[0]
	if ref.Source == executionInputSource {
		if len(parts) < 2 {
			return ref, fmt.Errorf("reference %s must name an input field", ref.Expression)
		}
		ref.Path = strings.Join(parts[1:], ".")

		return ref, nil
	}

	if len(parts) < 2 || parts[1] != "output" {
		return ref, fmt.Errorf("reference %s must have the form ${step.output.field}", ref.Expression)
	}
	ref.Path = strings.Join(parts[2:], ".")

	return ref, nil
}

// BindingRefs collects every reference found in a step's input, in a stable order.
func BindingRefs(input map[string]any) ([]BindingRef, error) {
	var refs []BindingRef

	var walk func(v any) error
	walk = func(v any) error {
		switch value := v.(type) {
		case string:
			for _, match := range bindingPattern.FindAllStringSubmatch(value, -1) {
				ref, err := ParseBindingRef(match[1])
				if err != nil {
					return err
				}
				refs = append(refs, ref)
			}
		case map[string]any:
			for _, key := range sortedKeys(value) {
				if err := walk(value[key]); err != nil {
					return err
				}
			}
		case []any:
			for _, item := range value {
				if err := walk(item); err != nil {
					return err
				}
			}
		}

		return nil
	}

	for _, key := range sortedKeys(input) {
		if err := walk(input[key]); err != nil {
			return nil, err
		}
	}

	return refs, nil
}

// ResolveInput materializes a step's input from literals, upstream outputs and the
// execution input. It is pure: the same arguments always produce the same bytes.
func ResolveInput(
	step *StepDefinition,
	outputs map[string]json.RawMessage,
	executionInput json.RawMessage,
) (json.RawMessage, error) {
	r := resolver{step: step, outputs: outputs, executionInput: executionInput}

	resolved := make(map[string]any, len(step.Input))
	for _, key := range sortedKeys(step.Input) {
		v, err := r.resolve(step.Input[key])
		if err != nil {
			return nil, err
		}
		resolved[key] = v
	}

	data, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("marshal input of step %q: %w", step.ID, err)
	}

	return data, nil
}

type resolver struct {
	step           *StepDefinition
	outputs        map[string]json.RawMessage
	executionInput json.RawMessage
}

func (r resolver) resolve(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for _, key := range sortedKeys(v) {
			resolved, err := r.resolve(v[key])
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}

		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.resolve(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}

		return out, nil
	default:
		return value, nil
	}
}

func (r resolver) resolveString(s string) (any, error) {
	matches := bindingPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A string that is exactly one reference is replaced by the raw JSON it points at.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		result, err := r.lookup(s[matches[0][2]:matches[0][3]])
		if err != nil {
			return nil, err
		}

		return json.RawMessage(result.Raw), nil
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		result, err := r.lookup(s[m[2]:m[3]])
		if err != nil {
			return nil, err
		}
		sb.WriteString(result.String())
		last = m[1]
	}
	sb.WriteString(s[last:])

	return sb.String(), nil
}

func (r resolver) lookup(expr string) (gjson.Result, error) {
	ref, err := ParseBindingRef(expr)
	if err != nil {
		return gjson.Result{}, &BindingError{StepID: r.step.ID, Expression: "${" + expr + "}", Detail: err.Error()}
	}

	var source json.RawMessage
	if ref.IsExecutionInput() {
		source = r.executionInput
	} else {
		output, ok := r.outputs[ref.Source]
		if !ok {
			return gjson.Result{}, &BindingError{
				StepID:     r.step.ID,
				Expression: ref.Expression,
				Detail:     fmt.Sprintf("no output recorded for step %q", ref.Source),
			}
		}
		source = output
	}

	if ref.Path == "" {
		result := gjson.ParseBytes(source)
		if !result.Exists() {
			return gjson.Result{}, &BindingError{StepID: r.step.ID, Expression: ref.Expression, Detail: "empty output"}
		}

		return result, nil
	}

	result := gjson.GetBytes(source, ref.Path)
	if !result.Exists() {
		return gjson.Result{}, &BindingError{
			StepID:     r.step.ID,
			Expression: ref.Expression,
			Detail:     fmt.Sprintf("field %q not present", ref.Path),
		}
	}

	return result, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return keys
}
