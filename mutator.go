package splice

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pipelined.dev/splice/graph"
	"pipelined.dev/splice/log"
)

type (
	// Mutator executes structural changes of the graph. Every task runs in
	// its own goroutine, never on the goroutines that push data.
	Mutator struct {
		handles *handles
		graphID string
		timeout time.Duration
		log     log.Logger

		ctx    context.Context
		cancel context.CancelFunc

		mu     sync.Mutex
		closed bool
		wg     sync.WaitGroup
	}

	// Task is a structural change. Context is cancelled when the task
	// times out or mutator is closed.
	Task func(ctx context.Context, m *Mutation) error

	// Mutation provides structural operations to the task. Failed steps
	// of a single operation are aggregated into MutationError.
	Mutation struct {
		mutator *Mutator
		name    string
	}

	// Link is an edge to create.
	Link struct {
		From, To *graph.Port
	}
)

func newMutator(h *handles, graphID string, timeout time.Duration, l log.Logger) *Mutator {
	if l == nil {
		l = log.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Mutator{
		handles: h,
		graphID: graphID,
		timeout: timeout,
		log:     l,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Go spawns the task. Returns ErrShuttingDown if mutator is closed.
func (m *Mutator) Go(name string, task Task) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go m.run(name, task)
	return nil
}

func (m *Mutator) run(name string, task Task) {
	defer m.wg.Done()
	ctx := m.ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	l := m.log.WithField("task", name)

	var before graph.Topology
	g, _ := m.handles.lookup(m.graphID)
	trace := g != nil && l.Logger.IsLevelEnabled(logrus.DebugLevel)
	if trace {
		before = g.Topology()
	}
	start := time.Now()
	err := task(ctx, &Mutation{mutator: m, name: name})
	if trace {
		if diff := graph.Diff(before, g.Topology()); diff != "" {
			l.Debugf("topology changed:\n%s", diff)
		}
	}
	if err != nil {
		l.WithError(err).Warn("task failed")
		return
	}
	l.Debugf("task done in %v", time.Since(start))
}

// Close rejects new tasks and cancels running ones.
func (m *Mutator) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
}

// Wait blocks until running tasks are done.
func (m *Mutator) Wait() {
	m.wg.Wait()
}

// Graph returns the graph the mutation is applied to. Returns
// ErrShuttingDown once graph is retired.
func (m *Mutation) Graph() (*graph.Graph, error) {
	return m.mutator.handles.lookup(m.mutator.graphID)
}

// Build adds stages to the graph, creates links and synchronizes stages
// with the graph state. Stages are synchronized from the last to the
// first, so downstream is ready before upstream produces data.
func (m *Mutation) Build(stages []*graph.Stage, links ...Link) error {
	g, err := m.Graph()
	if err != nil {
		return stepErrors{err}.ret(m.name)
	}
	if err := g.Add(stages...); err != nil {
		return stepErrors{err}.ret(m.name)
	}
	var errs stepErrors
	for _, l := range links {
		if err := l.From.Link(l.To); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs.ret(m.name)
	}
	for i := len(stages) - 1; i >= 0; i-- {
		if err := stages[i].SyncStateWithParent(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs.ret(m.name)
}

// LinkPorts links two ports of the graph.
func (m *Mutation) LinkPorts(out, in *graph.Port) error {
	if err := out.Link(in); err != nil {
		return stepErrors{err}.ret(m.name)
	}
	return nil
}

// Teardown unlinks stages, stops them and removes them from their
// graph. Every step is applied to all stages even if some of them fail.
func (m *Mutation) Teardown(stages ...*graph.Stage) error {
	var errs stepErrors
	for _, s := range stages {
		if g := s.Parent(); g != nil {
			g.Unlink(s)
		}
	}
	for _, s := range stages {
		if err := s.SetState(graph.Null); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range stages {
		if g := s.Parent(); g != nil {
			if err := g.Remove(s); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs.ret(m.name)
}
