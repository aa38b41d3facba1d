package gateflow

import (
	"errors"
	"fmt"
	"strings"
)

// Builder assembles a WorkflowDefinition in code. Step appends a step depending on
// the previous one; After and Parallel state dependencies explicitly.
type Builder struct {
	id           string
	name         string
	version      int
	description  string
	input        map[string]any
	failOnReject bool
	activities   ActivityLookup

	steps       []*StepDefinition
	index       map[string]*StepDefinition
	currentStep string
	errs        []error
}

func NewBuilder(id string, opts ...BuilderOption) *Builder {
	builder := &Builder{
		id:      id,
		name:    id,
		version: 1,
		index:   make(map[string]*StepDefinition),
	}
	for _, opt := range opts {
		opt(builder)
	}

	return builder
}

func (builder *Builder) Name(name string) *Builder {
	builder.name = name

	return builder
}

func (builder *Builder) Description(description string) *Builder {
	builder.description = description

	return builder
}

// Step adds a step that runs after the previously added one.
func (builder *Builder) Step(id, activity string, opts ...StepOption) *Builder {
	var deps []string
	if builder.currentStep != "" {
		deps = []string{builder.currentStep}
	}

	return builder.add(id, activity, deps, opts)
}

// After adds a step depending on the named steps; no names makes it a root.
func (builder *Builder) After(dependsOn []string, id, activity string, opts ...StepOption) *Builder {
	return builder.add(id, activity, dependsOn, opts)
}

// Parallel adds independent branches that all depend on the current step. The next
// Join waits for every branch.
func (builder *Builder) Parallel(branches ...*StepDefinition) *Builder {
	var deps []string
	if builder.currentStep != "" {
		deps = []string{builder.currentStep}
	}

	ids := make([]string, 0, len(branches))
	for _, branch := range branches {
		branch.DependsOn = append(append([]string(nil), deps...), branch.DependsOn...)
		builder.put(branch)
		ids = append(ids, branch.ID)
	}
	builder.currentStep = strings.Join(ids, ",")

	return builder
}

// Join adds a step depending on every branch of the preceding Parallel.
func (builder *Builder) Join(id, activity string, opts ...StepOption) *Builder {
	var deps []string
	if builder.currentStep != "" {
		deps = strings.Split(builder.currentStep, ",")
	}

	return builder.add(id, activity, deps, opts)
}

func (builder *Builder) Then(id, activity string, opts ...StepOption) *Builder {
	return builder.Step(id, activity, opts...)
}

// Branch describes one step for Parallel.
func Branch(id, activity string, opts ...StepOption) *StepDefinition {
	step := &StepDefinition{ID: id, Activity: activity}
	for _, opt := range opts {
		opt(step)
	}

	return step
}

func (builder *Builder) add(id, activity string, deps []string, opts []StepOption) *Builder {
	step := &StepDefinition{
		ID:        id,
		Activity:  activity,
		DependsOn: append([]string(nil), deps...),
	}
	for _, opt := range opts {
		opt(step)
	}

	builder.put(step)
	builder.currentStep = id

	return builder
}

func (builder *Builder) put(step *StepDefinition) {
	if _, exists := builder.index[step.ID]; exists {
		builder.errs = append(builder.errs, &DefinitionError{
			DefinitionID: builder.id,
			StepID:       step.ID,
			Rule:         RuleDuplicateStep,
		})

		return
	}

	builder.index[step.ID] = step
	builder.steps = append(builder.steps, step)
}

func (builder *Builder) Build() (*WorkflowDefinition, error) {
	if builder.id == "" {
		return nil, errors.New("workflow id is required")
	}
	if len(builder.errs) > 0 {
		return nil, errors.Join(builder.errs...)
	}

	def := &WorkflowDefinition{
		ID:           builder.id,
		Name:         builder.name,
		Version:      builder.version,
		Description:  builder.description,
		Input:        builder.input,
		FailOnReject: builder.failOnReject,
		Steps:        builder.steps,
	}

	if _, err := BuildGraph(def, builder.activities); err != nil {
		return nil, fmt.Errorf("builder %q: %w", builder.id, err)
	}

	return def, nil
}
