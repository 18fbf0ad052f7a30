package agent

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-units"
)

// ResourceLimits are the per-container limits applied to docker turns.
// Zero means unlimited.
type ResourceLimits struct {
	MemoryBytes int64
	NanoCPUs    int64
}

// ParseResourceLimits parses a CPU count ("2", "0.5") and a human-readable
// memory size ("2g", "512m").
func ParseResourceLimits(cpu, memory string) (ResourceLimits, error) {
	var limits ResourceLimits

	memory = strings.TrimSpace(memory)
	if memory != "" && memory != "0" {
		b, err := units.RAMInBytes(memory)
		if err != nil {
			return ResourceLimits{}, fmt.Errorf("agent.ParseResourceLimits: memory %q: %w", memory, err)
		}
		limits.MemoryBytes = b
	}

	cpu = strings.TrimSpace(cpu)
	if cpu != "" && cpu != "0" {
		n, err := strconv.ParseFloat(cpu, 64)
		if err != nil {
			return ResourceLimits{}, fmt.Errorf("agent.ParseResourceLimits: cpu %q: %w", cpu, err)
		}
		if n < 0 {
			return ResourceLimits{}, fmt.Errorf("agent.ParseResourceLimits: cpu %q: must not be negative", cpu)
		}
		limits.NanoCPUs = int64(n * 1e9)
	}

	return limits, nil
}
