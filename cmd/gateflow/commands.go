package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rom8726/gateflow"
	"github.com/rom8726/gateflow/activities"
	"github.com/rom8726/gateflow/api"
	"github.com/rom8726/gateflow/client"
	signalplugin "github.com/rom8726/gateflow/plugins/api/signal"
)

func newStartCmd(a *app) *cobra.Command {
	var (
		definitionID string
		inputs       []string
		wait         bool
	)

	cmd := &cobra.Command{
		Use:   "start <description>",
		Short: "Start an execution for a task description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			input["description"] = args[0]

			if definitionID == "" {
				definitionID = a.cfg.Schedule.Definition
			}

			return startExecution(cmd.Context(), cmd.OutOrStdout(), a.client(), definitionID, input, wait)
		},
	}

	cmd.Flags().StringVarP(&definitionID, "definition", "d", "", "definition id (default schedule.definition)")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "input override key=value, repeatable")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the execution to finish")

	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	var (
		file   string
		inputs []string
		wait   bool
	)

	cmd := &cobra.Command{
		Use:   "run -f <file>",
		Short: "Register a definition document and start it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			document, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read definition: %w", err)
			}

			input, err := parseInputs(inputs)
			if err != nil {
				return err
			}

			c := a.client()
			def, err := c.RegisterDefinition(cmd.Context(), document)
			if err != nil {
				return fmt.Errorf("register definition: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Registered definition %s (v%d, %d steps)\n",
				def.ID, def.Version, len(def.Steps))

			return startExecution(cmd.Context(), cmd.OutOrStdout(), c, def.ID, input, wait)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "definition document (YAML or JSON)")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "input override key=value, repeatable")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the execution to finish")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func startExecution(
	ctx context.Context,
	out io.Writer,
	c *client.Client,
	definitionID string,
	input map[string]any,
	wait bool,
) error {
	executionID, err := c.Start(ctx, definitionID, input)
	if err != nil {
		return fmt.Errorf("start %s: %w", definitionID, err)
	}
	_, _ = fmt.Fprintf(out, "Started execution %s\n", executionID)

	if !wait {
		return nil
	}

	details, err := c.Wait(ctx, executionID, 0)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprint(out, gateflow.NewVisualizer().RenderExecutionStatus(toExecution(details)))

	if details.Status == gateflow.StatusFailed {
		return fmt.Errorf("execution %s failed: %s", executionID, details.Reason)
	}

	return nil
}

func newSignalCmd(a *app) *cobra.Command {
	var token, stepID, comment string

	cmd := &cobra.Command{
		Use:   "signal <executionId> <approve|reject>",
		Short: "Approve or reject a step waiting for a human decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := gateflow.ParseSignalKind(args[1])
			if err != nil {
				return err
			}

			err = a.client().Signal(cmd.Context(), args[0], signalplugin.SignalRequest{
				Kind:    string(kind),
				Token:   token,
				StepID:  stepID,
				Comment: comment,
			})
			switch {
			case errors.Is(err, gateflow.ErrAlreadyResolved):
				return fmt.Errorf("the approval was already decided: %w", err)
			case errors.Is(err, gateflow.ErrExecutionTerminated):
				return fmt.Errorf("execution %s is terminated: %w", args[0], err)
			case err != nil:
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Signal %s delivered to %s\n", kind, args[0])

			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "correlation token of the wait")
	cmd.Flags().StringVar(&stepID, "step", "", "step id of the wait")
	cmd.Flags().StringVar(&comment, "comment", "", "comment stored with the decision")

	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	var asJSON, events bool

	cmd := &cobra.Command{
		Use:   "status <executionId>",
		Short: "Show an execution and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.client()
			out := cmd.OutOrStdout()

			details, err := c.Execution(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")

				return enc.Encode(details)
			}

			_, _ = fmt.Fprint(out, gateflow.NewVisualizer().RenderExecutionStatus(toExecution(details)))
			for _, wait := range details.Waits {
				_, _ = fmt.Fprintf(out, "Waiting: %s token=%s since %s\n",
					wait.StepID, wait.Token, wait.RequestedAt.Format(time.RFC3339))
			}

			if !events {
				return nil
			}

			log, err := c.Events(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(out, "\nEvents:")
			for _, event := range log {
				_, _ = fmt.Fprintf(out, "  %4d %s %-22s %s\n",
					event.Seq, event.CreatedAt.Format(time.RFC3339), event.Type, event.StepID)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw API response")
	cmd.Flags().BoolVar(&events, "events", false, "also print the event log")

	return cmd
}

func newTerminateCmd(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "terminate <executionId>",
		Short: "Terminate a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client().Terminate(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Execution %s terminated\n", args[0])

			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "terminated by operator", "reason recorded in the event log")

	return cmd
}

func newScheduleCmd(a *app) *cobra.Command {
	var (
		definitionID string
		interval     time.Duration
		overlap      string
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Start an execution on a fixed interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if definitionID == "" {
				definitionID = a.cfg.Schedule.Definition
			}
			if interval <= 0 {
				interval = a.cfg.Schedule.Interval
			}
			if overlap == "" {
				overlap = a.cfg.Schedule.Overlap
			}

			scheduler := gateflow.NewScheduler(remoteStarter{client: a.client()},
				gateflow.WithSchedulerLogger(a.cfg.NewLogger()))
			if err := scheduler.Add(gateflow.Schedule{
				Name:         definitionID,
				DefinitionID: definitionID,
				Interval:     interval,
				Overlap:      gateflow.OverlapPolicy(overlap),
				Input:        gateflow.DescriptionInput,
			}); err != nil {
				return err
			}

			ctx, stop := ossignal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Starting %s every %s, press Ctrl+C to stop\n", definitionID, interval)

			err := scheduler.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		},
	}

	cmd.Flags().StringVarP(&definitionID, "definition", "d", "", "definition id (default schedule.definition)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between starts (default schedule.interval)")
	cmd.Flags().StringVar(&overlap, "overlap", "", "allow_all or skip (default schedule.overlap)")

	return cmd
}

func newGraphCmd(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "graph <file>",
		Short: "Validate a definition document and print its graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := gateflow.LoadDefinitionFile(args[0])
			if err != nil {
				return err
			}

			registry := gateflow.NewActivityRegistry()
			activities.New().RegisterTo(registry)

			graph, err := gateflow.BuildGraph(def, registry)
			if err != nil {
				return err
			}

			rendered, err := gateflow.NewVisualizer().RenderGraph(graph.Definition())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprint(out, rendered)
			for i, level := range graph.Levels() {
				_, _ = fmt.Fprintf(out, "level %d: %s\n", i, strings.Join(level, ", "))
			}

			return nil
		},
	}
}

// remoteStarter lets the scheduler start executions through the API server.
type remoteStarter struct {
	client *client.Client
}

func (s remoteStarter) Start(ctx context.Context, definitionID string, input map[string]any) (string, error) {
	return s.client.Start(ctx, definitionID, input)
}

func (s remoteStarter) GetExecution(ctx context.Context, executionID string) (*gateflow.WorkflowExecution, error) {
	details, err := s.client.Execution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return toExecution(details), nil
}

// parseInputs turns key=value pairs into an input map. Values that parse as JSON
// keep their JSON type; anything else is a string.
func parseInputs(pairs []string) (map[string]any, error) {
	input := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, want key=value", pair)
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		input[key] = value
	}

	return input, nil
}

func toExecution(details *api.ExecutionDetails) *gateflow.WorkflowExecution {
	execution := &gateflow.WorkflowExecution{
		ID:                details.ID,
		DefinitionID:      details.DefinitionID,
		DefinitionVersion: details.DefinitionVersion,
		Status:            details.Status,
		Input:             details.Input,
		FailedStep:        details.FailedStep,
		Reason:            details.Reason,
		Error:             details.Error,
		CreatedAt:         details.CreatedAt,
		UpdatedAt:         details.UpdatedAt,
		CompletedAt:       details.CompletedAt,
		Steps:             make(map[string]*gateflow.StepExecution, len(details.Steps)),
		StepOrder:         make([]string, 0, len(details.Steps)),
	}
	for _, step := range details.Steps {
		execution.Steps[step.StepID] = step
		execution.StepOrder = append(execution.StepOrder, step.StepID)
	}

	return execution
}
