package agent

// TransportHandler adapts the argument vector and output quirks of a CLI.
type TransportHandler interface {
	// AgentName returns the CLI executable name.
	AgentName() string

	// BuildArgs returns the arguments for one turn, excluding the executable.
	BuildArgs(turn Turn) []string

	// FilterOutput filters/transforms CLI output lines.
	// Returns the filtered line and whether to keep it.
	FilterOutput(line string) (string, bool)
}
