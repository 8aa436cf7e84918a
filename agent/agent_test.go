package agent

import (
	"testing"

	"github.com/hupe1980/skillmesh/artifact"
	"github.com/hupe1980/skillmesh/contract"
	"github.com/hupe1980/skillmesh/engine"
	"github.com/hupe1980/skillmesh/idempotency"
	"github.com/hupe1980/skillmesh/internal/testutil"
	"github.com/hupe1980/skillmesh/state"
)

type harness struct {
	exec  *engine.Executor
	store *state.InMemoryStore
	root  *artifact.Root
}

func newHarness(t *testing.T, mode contract.Mode, builders ...*testutil.ContractBuilder) *harness {
	t.Helper()
	h := &harness{
		store: state.NewInMemoryStore(),
		root:  artifact.NewRoot(t.TempDir()),
	}
	h.exec = engine.New(testutil.Registry(mode, builders...), func(o *engine.Options) {
		o.StateStore = h.store
		o.IdempotencyStore = idempotency.NewInMemoryStore()
		o.Artifacts = h.root
	})
	return h
}
