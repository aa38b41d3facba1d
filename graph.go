package gateflow

import (
	"fmt"
	"slices"
	"sort"
)

// ActivityLookup answers whether an activity name is registered.
type ActivityLookup interface {
	Has(name string) bool
}

// Graph is the immutable, validated view of a definition. Steps are addressed by
// integer index; edges never hold pointers to other steps.
type Graph struct {
	def        *WorkflowDefinition
	index      map[string]int
	deps       [][]int
	dependents [][]int
	order      []int
	ancestors  []map[int]struct{}
}

// BuildGraph validates def and derives its graph. Checks run in this order:
// structure, unknown dependencies, cycles, binding references, activities.
func BuildGraph(def *WorkflowDefinition, activities ActivityLookup) (*Graph, error) {
	if def == nil || len(def.Steps) == 0 {
		id := ""
		if def != nil {
			id = def.ID
		}

		return nil, &DefinitionError{DefinitionID: id, Rule: RuleEmptyDefinition}
	}

	g := &Graph{
		def:        def,
		index:      make(map[string]int, len(def.Steps)),
		deps:       make([][]int, len(def.Steps)),
		dependents: make([][]int, len(def.Steps)),
	}

	if err := g.checkStructure(); err != nil {
		return nil, err
	}
	if err := g.linkDependencies(); err != nil {
		return nil, err
	}
	if err := g.sortTopologically(); err != nil {
		return nil, err
	}
	g.computeAncestors()
	if err := g.checkBindings(); err != nil {
		return nil, err
	}
	if activities != nil {
		for _, step := range def.Steps {
			if !activities.Has(step.Activity) {
				return nil, g.invalid(step.ID, RuleUnknownActivity, fmt.Sprintf("activity %q is not registered", step.Activity))
			}
		}
	}

	return g, nil
}

func (g *Graph) checkStructure() error {
	for i, step := range g.def.Steps {
		if step == nil || step.ID == "" {
			return g.invalid("", RuleMissingStepID, fmt.Sprintf("step #%d has no id", i+1))
		}
		if _, ok := g.index[step.ID]; ok {
			return g.invalid(step.ID, RuleDuplicateStep, "")
		}
		g.index[step.ID] = i

		if step.Retry != nil {
			if step.Retry.MaxAttempts < 0 || step.Retry.BackoffSeconds < 0 || step.Retry.MaxBackoffSeconds < 0 {
				return g.invalid(step.ID, RuleInvalidRetry, "retry values must not be negative")
			}
			switch step.Retry.Strategy {
			case "", RetryStrategyFixed, RetryStrategyLinear, RetryStrategyExponential:
			default:
				return g.invalid(step.ID, RuleInvalidRetry, fmt.Sprintf("unknown strategy %q", step.Retry.Strategy))
			}
			if j := step.Retry.Jitter; j != nil && (*j < 0 || *j > 1) {
				return g.invalid(step.ID, RuleInvalidRetry, "jitter must be within [0, 1]")
			}
		}
	}

	return nil
}

func (g *Graph) linkDependencies() error {
	for i, step := range g.def.Steps {
		for _, depID := range step.DependsOn {
			dep, ok := g.index[depID]
			if !ok {
				return g.invalid(step.ID, RuleUnknownDependency, fmt.Sprintf("depends on undefined step %q", depID))
			}
			if slices.Contains(g.deps[i], dep) {
				continue
			}
			g.deps[i] = append(g.deps[i], dep)
			g.dependents[dep] = append(g.dependents[dep], i)
		}
	}

	return nil
}

// sortTopologically runs Kahn's algorithm. Ties are broken by definition order, so
// the order is deterministic for a given document.
func (g *Graph) sortTopologically() error {
	n := len(g.def.Steps)
	inDegree := make([]int, n)
	for i := range g.deps {
		inDegree[i] = len(g.deps[i])
	}

	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, n)
	for len(queue) > 0 {
		sort.Ints(queue)
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		for _, next := range g.dependents[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != n {
		for i := 0; i < n; i++ {
			if inDegree[i] > 0 {
				return g.invalid(g.def.Steps[i].ID, RuleCycle, "dependency cycle detected")
			}
		}
	}
	g.order = order

	return nil
}

func (g *Graph) computeAncestors() {
	g.ancestors = make([]map[int]struct{}, len(g.def.Steps))
	for _, i := range g.order {
		set := make(map[int]struct{})
		for _, dep := range g.deps[i] {
			set[dep] = struct{}{}
			for a := range g.ancestors[dep] {
				set[a] = struct{}{}
			}
		}
		g.ancestors[i] = set
	}
}

func (g *Graph) checkBindings() error {
	for i, step := range g.def.Steps {
		refs, err := BindingRefs(step.Input)
		if err != nil {
			return g.invalid(step.ID, RuleInvalidBinding, err.Error())
		}

		for _, ref := range refs {
			if ref.IsExecutionInput() {
				continue
			}
			source, ok := g.index[ref.Source]
			if !ok {
				return g.invalid(step.ID, RuleBindingNotUpstream, fmt.Sprintf("%s names undefined step %q", ref.Expression, ref.Source))
			}
			if _, ok := g.ancestors[i][source]; !ok {
				return g.invalid(step.ID, RuleBindingNotUpstream, fmt.Sprintf("%s reads step %q which is not a dependency", ref.Expression, ref.Source))
			}
		}
	}

	return nil
}

func (g *Graph) invalid(stepID, rule, detail string) error {
	return &DefinitionError{DefinitionID: g.def.ID, StepID: stepID, Rule: rule, Detail: detail}
}

func (g *Graph) Definition() *WorkflowDefinition {
	return g.def
}

func (g *Graph) Len() int {
	return len(g.def.Steps)
}

// Order returns step ids in topological order.
func (g *Graph) Order() []string {
	ids := make([]string, len(g.order))
	for i, idx := range g.order {
		ids[i] = g.def.Steps[idx].ID
	}

	return ids
}

func (g *Graph) Step(id string) (*StepDefinition, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}

	return g.def.Steps[i], true
}

func (g *Graph) Dependencies(id string) []string {
	return g.names(g.deps[g.index[id]])
}

func (g *Graph) Dependents(id string) []string {
	return g.names(g.dependents[g.index[id]])
}

// IsAncestor reports whether ancestor must succeed before step can run.
func (g *Graph) IsAncestor(ancestor, step string) bool {
	a, ok := g.index[ancestor]
	if !ok {
		return false
	}
	s, ok := g.index[step]
	if !ok {
		return false
	}
	_, ok = g.ancestors[s][a]

	return ok
}

// Levels groups steps by longest distance from a root; steps within a level are
// independent of each other.
func (g *Graph) Levels() [][]string {
	depth := make([]int, len(g.def.Steps))
	maxDepth := 0
	for _, i := range g.order {
		for _, dep := range g.deps[i] {
			if depth[dep]+1 > depth[i] {
				depth[i] = depth[dep] + 1
			}
		}
		if depth[i] > maxDepth {
			maxDepth = depth[i]
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, i := range g.order {
		levels[depth[i]] = append(levels[depth[i]], g.def.Steps[i].ID)
	}

	return levels
}

func (g *Graph) names(indices []int) []string {
	names := make([]string, len(indices))
	for i, idx := range indices {
		names[i] = g.def.Steps[idx].ID
	}

	return names
}
