package results

import (
	"github.com/ethereum-optimism/infra/op-testd/types"
)

// Entity identifies the kind of node a presentation update belongs to.
type Entity string

const (
	EntitySuite     Entity = "suite"
	EntityTest      Entity = "test"
	EntityAssertion Entity = "assertion"
)

// View groups an entity's decorations by state. Every state is present, so a
// renderer can clear the states that have no decorations.
type View map[types.State][]Decoration

func newView() View {
	v := make(View, len(types.AllStates))
	for _, s := range types.AllStates {
		v[s] = []Decoration{}
	}
	return v
}

// Presenter renders store updates. Calls are made synchronously, in event
// order, while the store is locked; implementations must not call back into
// the store.
type Presenter interface {
	// Render replaces everything shown for the entity.
	Render(document string, entity Entity, key string, view View)
	// Release drops any resources held for the entity.
	Release(document string, entity Entity, key string)
}

type nopPresenter struct{}

func (nopPresenter) Render(string, Entity, string, View) {}
func (nopPresenter) Release(string, Entity, string)      {}

// NopPresenter discards all updates.
var NopPresenter Presenter = nopPresenter{}
