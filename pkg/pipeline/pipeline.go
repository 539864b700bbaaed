// Package pipeline implements the build request pipeline: submission,
// publishing, dispatch, observation of outcomes, status queries, and the
// administrative override.
package pipeline

import (
	"github.com/vyvo/lfs-builder/pkg/artifacts"
	"github.com/vyvo/lfs-builder/pkg/auth"
	"github.com/vyvo/lfs-builder/pkg/builder"
	"github.com/vyvo/lfs-builder/pkg/queue"
)

// Deps are the ports the API-side stages need.
type Deps struct {
	Store    builder.Store
	Queue    queue.Publisher
	Verifier auth.Verifier
	// Linker is optional.
	Linker             artifacts.Linker
	TriggerConcurrency int64
	RecentDefault      int
	RecentMax          int
}

// Pipeline is the wired set of API-side stages. Writes through Store fire
// the publisher on create and the observer on update.
type Pipeline struct {
	Store      *TriggeringStore
	Gateway    *Gateway
	Publisher  *Publisher
	Observer   *Observer
	Query      *Query
	Admin      *Admin
	Completion *Completion
}

func New(deps Deps, opts Options) *Pipeline {
	opts = opts.withDefaults()
	store := NewTriggeringStore(deps.Store, deps.TriggerConcurrency, 0, opts)

	p := &Pipeline{
		Store:      store,
		Gateway:    NewGateway(store, deps.Verifier, opts),
		Publisher:  NewPublisher(store, deps.Queue, opts),
		Observer:   NewObserver(store, opts),
		Query:      NewQuery(store, deps.RecentDefault, deps.RecentMax, opts),
		Admin:      NewAdmin(store, opts),
		Completion: NewCompletion(store, deps.Linker, opts),
	}
	store.OnCreate(p.Publisher.OnCreate)
	store.OnUpdate(p.Observer.OnUpdate)
	return p
}

// NewDispatcherStore wraps store so dispatcher-side updates still reach the
// observer when the dispatcher runs in its own process.
func NewDispatcherStore(store builder.Store, opts Options) *TriggeringStore {
	ts := NewTriggeringStore(store, 0, 0, opts)
	ts.OnUpdate(NewObserver(ts, opts).OnUpdate)
	return ts
}
