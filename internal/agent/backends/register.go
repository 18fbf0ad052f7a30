package backends

import "github.com/gosuda/tandem/internal/agent"

// Backend names accepted by agent.Registry.Create.
const (
	NameLocal  = "local"
	NameDocker = "docker"
)

// Register adds every built-in backend to reg.
func Register(reg *agent.Registry) {
	reg.Register(NameLocal, NewLocalBackend)
	reg.Register(NameDocker, NewDockerBackend)
}
