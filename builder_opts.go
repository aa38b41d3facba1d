package gateflow

type StepOption func(step *StepDefinition)

func WithStepInput(input map[string]any) StepOption {
	return func(step *StepDefinition) {
		step.Input = input
	}
}

func WithStepApproval() StepOption {
	return func(step *StepDefinition) {
		step.RequiresApproval = true
	}
}

func WithStepRetry(policy RetryPolicy) StepOption {
	return func(step *StepDefinition) {
		step.Retry = &policy
	}
}

func WithStepMaxAttempts(maxAttempts int) StepOption {
	return func(step *StepDefinition) {
		if step.Retry == nil {
			step.Retry = &RetryPolicy{}
		}
		step.Retry.MaxAttempts = maxAttempts
	}
}

func WithStepOptional() StepOption {
	return func(step *StepDefinition) {
		step.Optional = true
	}
}

func WithStepTimeout(seconds float64, fatal bool) StepOption {
	return func(step *StepDefinition) {
		step.TimeoutSeconds = seconds
		step.TimeoutFatal = fatal
	}
}

func WithStepDescription(description string) StepOption {
	return func(step *StepDefinition) {
		step.Description = description
	}
}

type BuilderOption func(builder *Builder)

func WithBuilderVersion(version int) BuilderOption {
	return func(builder *Builder) {
		builder.version = version
	}
}

func WithBuilderInput(input map[string]any) BuilderOption {
	return func(builder *Builder) {
		builder.input = input
	}
}

func WithBuilderFailOnReject() BuilderOption {
	return func(builder *Builder) {
		builder.failOnReject = true
	}
}

// WithBuilderActivities makes Build reject steps naming unknown activities.
func WithBuilderActivities(activities ActivityLookup) BuilderOption {
	return func(builder *Builder) {
		builder.activities = activities
	}
}
