package modules

import (
	"context"

	"github.com/riverqueue/river"

	"campaignstate.io/core/internal/api/handlers"
	"campaignstate.io/core/internal/jobs"
)

// CoreModule wires every campaign-state service (C1-C12) into the server
// deps and registers its periodic maintenance workers. Unlike the VM/
// governance/admin split the composition root once carried, this domain
// is a single cohesive service boundary, so one module is enough.
type CoreModule struct {
	infra *Infrastructure
}

// NewCoreModule constructs the core domain module over infra.
func NewCoreModule(infra *Infrastructure) *CoreModule {
	return &CoreModule{infra: infra}
}

func (m *CoreModule) Name() string { return "core" }

func (m *CoreModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil || m == nil || m.infra == nil {
		return
	}
	deps.Entities = m.infra.Entities
	deps.Variables = m.infra.Variables
	deps.WorldTime = m.infra.WorldTime
	deps.Branches = m.infra.Branches
	deps.DepGraph = m.infra.DepGraph
}

func (m *CoreModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil || m == nil || m.infra == nil || m.infra.FieldCache == nil {
		return
	}
	river.AddWorker(workers, jobs.NewCacheSweepWorker(m.infra.FieldCache))
}

func (m *CoreModule) Shutdown(context.Context) error { return nil }
