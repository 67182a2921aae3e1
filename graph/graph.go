// Package graph is an in-process media dataflow backend. Graph owns
// stages, stages expose ports, ports are linked into edges and every stage
// runs its streaming loop in its own goroutine.
//
// Structural changes and state changes must not be executed from the
// goroutine that pushes data: probes are called inline with the traffic
// and are expected to return immediately.
package graph

import (
	"fmt"
	"sync"

	"github.com/rs/xid"

	"pipelined.dev/splice/log"
)

type (
	// Graph is a container of linked stages with a shared state and a
	// lifecycle message bus.
	Graph struct {
		id   string
		name string
		log  log.Logger
		bus  *Bus

		// stateMu serializes graph state changes with late stages
		// synchronization.
		stateMu sync.Mutex

		mu        sync.Mutex
		state     State
		stages    []*Stage
		byName    map[string]*Stage
		sinksDone map[*Stage]struct{}
		eosPosted bool

		eosOnce sync.Once
		eos     chan struct{}
	}

	// Option provides a way to set functional parameters to graph.
	Option func(*Graph)
)

// New creates an empty graph in Null state.
func New(name string, options ...Option) *Graph {
	g := &Graph{
		id:        xid.New().String(),
		name:      name,
		bus:       NewBus(),
		byName:    make(map[string]*Stage),
		sinksDone: make(map[*Stage]struct{}),
		eos:       make(chan struct{}),
	}
	for _, option := range options {
		option(g)
	}
	if g.log == nil {
		g.log = log.Discard()
	}
	g.log = g.log.WithField("graph", name)
	return g
}

// WithLogger sets logger to the graph.
func WithLogger(l log.Logger) Option {
	return func(g *Graph) {
		g.log = l
	}
}

// ID returns unique graph identifier.
func (g *Graph) ID() string {
	return g.id
}

// Name returns the graph name.
func (g *Graph) Name() string {
	return g.name
}

// Bus returns the lifecycle message bus.
func (g *Graph) Bus() *Bus {
	return g.bus
}

func (g *Graph) String() string {
	return fmt.Sprintf("%s %s", g.name, g.id)
}

// State returns the current graph state.
func (g *Graph) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Graph) currentState() State {
	return g.State()
}

// Add adds stages to the graph. Stage names must be unique.
func (g *Graph) Add(stages ...*Stage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, s := range stages {
		if _, ok := g.byName[s.name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateName, s.name)
		}
		for _, other := range stages[:i] {
			if other.name == s.name {
				return fmt.Errorf("%w: %s", ErrDuplicateName, s.name)
			}
		}
		if s.Parent() != nil {
			return fmt.Errorf("%w: %v already has a parent", ErrInvalidState, s)
		}
	}
	for _, s := range stages {
		s.setParent(g)
		g.stages = append(g.stages, s)
		g.byName[s.name] = s
	}
	return nil
}

// Remove unlinks and removes stages from the graph. Every stage must be
// in Null state.
func (g *Graph) Remove(stages ...*Stage) error {
	var errs stateErrors
	for _, s := range stages {
		if s.Parent() != g {
			errs = append(errs, fmt.Errorf("%w: %v", ErrNotFound, s))
			continue
		}
		if st := s.State(); st != Null {
			errs = append(errs, fmt.Errorf("%w: removing %v in %v", ErrInvalidState, s, st))
			continue
		}
		s.unlinkAll()
		g.mu.Lock()
		for i := range g.stages {
			if g.stages[i] == s {
				g.stages = append(g.stages[:i], g.stages[i+1:]...)
				break
			}
		}
		delete(g.byName, s.name)
		delete(g.sinksDone, s)
		g.mu.Unlock()
		s.setParent(nil)
	}
	return errs.ret()
}

// ByName returns stage by its name or nil.
func (g *Graph) ByName(name string) *Stage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.byName[name]
}

// Stages returns a copy of graph stages in the order they were added.
func (g *Graph) Stages() []*Stage {
	g.mu.Lock()
	defer g.mu.Unlock()
	stages := make([]*Stage, len(g.stages))
	copy(stages, g.stages)
	return stages
}

// Link links every stage to the next one. The first unlinked output port
// is linked to the first unlinked input port.
func (g *Graph) Link(stages ...*Stage) error {
	for i := 0; i < len(stages)-1; i++ {
		out, in := freePort(stages[i], Output), freePort(stages[i+1], Input)
		if out == nil || in == nil {
			return fmt.Errorf("%w: no free ports %v -> %v", ErrLinkFailure, stages[i], stages[i+1])
		}
		if err := out.Link(in); err != nil {
			return err
		}
	}
	return nil
}

func freePort(s *Stage, dir Direction) *Port {
	for _, p := range s.Ports() {
		if p.dir == dir && !p.request && !p.IsLinked() {
			return p
		}
	}
	return nil
}

// Unlink unlinks every port of the stage.
func (g *Graph) Unlink(s *Stage) {
	s.unlinkAll()
}

// SetState changes the state of every stage and then the graph itself.
// When going up, stages are changed from the last added to the first, so
// downstream is ready before upstream produces data.
func (g *Graph) SetState(target State) error {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()

	for {
		current := g.State()
		if current == target {
			return nil
		}
		next := current.next(target)
		stages := g.Stages()
		if next > current {
			for i, j := 0, len(stages)-1; i < j; i, j = i+1, j-1 {
				stages[i], stages[j] = stages[j], stages[i]
			}
		}
		var errs stateErrors
		for _, s := range stages {
			change := s.SetState
			if next < current {
				change = s.lower
			}
			if err := change(next); err != nil {
				errs = append(errs, err)
			}
		}
		// going down never fails the graph, stages are stopped anyway
		if err := errs.ret(); err != nil && next > current {
			for _, s := range stages {
				if rerr := s.SetState(current); rerr != nil {
					g.log.WithError(rerr).Warn("state rollback")
				}
			}
			return err
		} else if err != nil {
			g.log.WithError(err).Warn("state change")
		}
		g.mu.Lock()
		g.state = next
		g.mu.Unlock()
		g.bus.Post(Message{Type: MessageStateChanged, Source: g.name, Old: current, New: next})
	}
}

// SendEvent sends the event to the graph. EOS is delivered to every
// source, including ones added after the request. Returns false if event
// is not supported.
func (g *Graph) SendEvent(e Event) bool {
	if e.Type != EOS {
		return false
	}
	g.eosOnce.Do(func() {
		g.log.Debug("eos requested")
		close(g.eos)
	})
	return true
}

// EOSRequested returns a channel closed when EOS event was sent to the
// graph.
func (g *Graph) EOSRequested() <-chan struct{} {
	return g.eos
}

// sinkEOS posts EOS message once every sink received end of stream.
func (g *Graph) sinkEOS(s *Stage) {
	g.mu.Lock()
	g.sinksDone[s] = struct{}{}
	for _, st := range g.stages {
		if st.class != Sink {
			continue
		}
		if _, ok := g.sinksDone[st]; !ok {
			g.mu.Unlock()
			return
		}
	}
	if g.eosPosted {
		g.mu.Unlock()
		return
	}
	g.eosPosted = true
	g.mu.Unlock()
	g.bus.Post(Message{Type: MessageEOS, Source: g.name})
}
