package gateflow

import (
	"fmt"
	"strings"
)

type Visualizer struct{}

func NewVisualizer() *Visualizer {
	return &Visualizer{}
}

// RenderGraph prints the definition level by level. Steps on one level have no
// dependencies among each other and may run concurrently.
func (v *Visualizer) RenderGraph(def *WorkflowDefinition) (string, error) {
	graph, err := BuildGraph(def, nil)
	if err != nil {
		return "", err
	}

	var output strings.Builder
	output.WriteString(fmt.Sprintf("Workflow: %s (v%d)\n", v.title(def), def.Version))
	output.WriteString("======================================\n\n")

	for level, ids := range graph.Levels() {
		output.WriteString(fmt.Sprintf("Level %d:\n", level))
		for _, id := range ids {
			step, _ := graph.Step(id)
			output.WriteString(v.renderStep(step))
		}
		output.WriteString("\n")
	}

	return output.String(), nil
}

func (v *Visualizer) renderStep(step *StepDefinition) string {
	symbol := "⚙"
	if step.RequiresApproval {
		symbol = "👤"
	}

	output := fmt.Sprintf("  %s %s [%s]\n", symbol, step.ID, step.Activity)

	if len(step.DependsOn) > 0 {
		output += fmt.Sprintf("      ← after: %s\n", strings.Join(step.DependsOn, ", "))
	}

	if step.RequiresApproval {
		output += "      👥 requires approval\n"
	}

	if !step.IsCritical() {
		output += "      ◌ optional\n"
	}

	if step.Retry != nil && step.Retry.MaxAttempts > 0 {
		output += fmt.Sprintf("      🔄 max attempts: %d\n", step.Retry.MaxAttempts)
	}

	if timeout := step.Timeout(); timeout > 0 {
		output += fmt.Sprintf("      ⏱ timeout: %s\n", timeout)
	}

	return output
}

func (v *Visualizer) RenderExecutionStatus(execution *WorkflowExecution) string {
	output := fmt.Sprintf("Execution: %s\n", execution.ID)
	output += fmt.Sprintf("Status: %s\n", execution.Outcome())
	output += fmt.Sprintf("Workflow: %s (v%d)\n", execution.DefinitionID, execution.DefinitionVersion)
	if execution.Reason != "" {
		output += fmt.Sprintf("Reason: %s\n", execution.Reason)
	}
	output += "======================================\n\n"

	groups := make(map[StepState][]*StepExecution)
	for _, step := range execution.OrderedSteps() {
		groups[step.State] = append(groups[step.State], step)
	}

	stateOrder := []StepState{
		StepStateSucceeded,
		StepStateRunning,
		StepStateWaitingApproval,
		StepStateAwaitingPolicy,
		StepStateReady,
		StepStatePending,
		StepStateFailed,
		StepStateSkipped,
	}

	for _, state := range stateOrder {
		steps, ok := groups[state]
		if !ok {
			continue
		}

		output += fmt.Sprintf("%s %s (%d steps):\n", v.getStateSymbol(state), state, len(steps))
		for _, step := range steps {
			output += fmt.Sprintf("  %s", step.StepID)
			switch {
			case step.State == StepStateWaitingApproval:
				output += fmt.Sprintf(" ⏳ token %s", step.CorrelationToken)
			case step.Reason != "":
				output += fmt.Sprintf(" (%s)", step.Reason)
			}
			if step.Attempts > 1 {
				output += fmt.Sprintf(" attempts=%d", step.Attempts)
			}
			output += "\n"
		}
		output += "\n"
	}

	return output
}

func (v *Visualizer) getStateSymbol(state StepState) string {
	switch state {
	case StepStateSucceeded:
		return "✅"
	case StepStateRunning:
		return "🔄"
	case StepStateWaitingApproval:
		return "⏳"
	case StepStateAwaitingPolicy:
		return "🛡"
	case StepStateReady:
		return "▶"
	case StepStatePending:
		return "⏸"
	case StepStateFailed:
		return "❌"
	case StepStateSkipped:
		return "⏭"
	default:
		return "❓"
	}
}

func (v *Visualizer) title(def *WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}

	return def.ID
}
