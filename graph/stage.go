package graph

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type (
	// Stage is a named processing unit of the graph.
	Stage struct {
		name   string
		kind   string
		class  Class
		params Params
		elem   Element

		// stateMu serializes state changes.
		stateMu sync.Mutex

		mu          sync.Mutex
		state       State
		parent      *Graph
		ports       []*Port
		portAdded   []func(*Port)
		noMorePorts []func()
		noMore      bool
		requested   int
		cancel      context.CancelFunc
		done        chan struct{}
		playing     chan struct{} // closed while playing
		disposed    bool
	}

	// Element is the behaviour of the stage kind. It's returned by
	// allocator functions.
	Element struct {
		RunFunc
		StartFunc HookFunc
		FlushFunc HookFunc
		// RequestPortFunc is called when new request port is allocated. If
		// it's nil, stage doesn't provide request ports.
		RequestPortFunc func(*Port) error
		// ReleasePortFunc is called when request port is released.
		ReleasePortFunc func(*Port)
	}

	// RunFunc is the streaming loop of the stage. It's executed in its own
	// goroutine while stage is Paused or Playing. Returned error is
	// posted to the bus.
	RunFunc func(ctx context.Context, s *Stage) error

	// HookFunc is a closure called on Null/Ready transitions.
	HookFunc func() error

	// Params are stage parameters.
	Params map[string]string
)

func newStage(kind, name string, class Class, params Params) *Stage {
	if params == nil {
		params = Params{}
	}
	return &Stage{
		name:    name,
		kind:    kind,
		class:   class,
		params:  params,
		playing: make(chan struct{}),
	}
}

// Get returns parameter value.
func (p Params) Get(key string) (string, bool) {
	v, ok := p[key]
	return v, ok
}

// Bool returns boolean parameter or default value if it's absent.
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	return strconv.ParseBool(v)
}

// Int returns integer parameter or default value if it's absent.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	return strconv.Atoi(v)
}

// Duration returns duration parameter or default value if it's absent.
func (p Params) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	return time.ParseDuration(v)
}

// Name returns the stage name.
func (s *Stage) Name() string {
	return s.name
}

// Kind returns the factory kind stage was made of.
func (s *Stage) Kind() string {
	return s.kind
}

// Class returns the stage class.
func (s *Stage) Class() Class {
	return s.class
}

// Params returns stage parameters.
func (s *Stage) Params() Params {
	return s.params
}

// Param returns a single parameter.
func (s *Stage) Param(key string) (string, bool) {
	return s.params.Get(key)
}

func (s *Stage) String() string {
	return s.name
}

// State returns the current state.
func (s *Stage) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Parent returns the graph stage belongs to or nil.
func (s *Stage) Parent() *Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parent
}

func (s *Stage) setParent(g *Graph) {
	s.mu.Lock()
	s.parent = g
	s.mu.Unlock()
}

// Ports returns a copy of stage ports.
func (s *Stage) Ports() []*Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	ports := make([]*Port, len(s.ports))
	copy(ports, s.ports)
	return ports
}

// Port returns port by name or nil.
func (s *Stage) Port(name string) *Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.ports {
		if p.name == name {
			return p
		}
	}
	return nil
}

// Output returns the first output port or nil.
func (s *Stage) Output() *Port {
	return s.first(Output)
}

// Input returns the first input port or nil.
func (s *Stage) Input() *Port {
	return s.first(Input)
}

func (s *Stage) first(dir Direction) *Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.ports {
		if p.dir == dir {
			return p
		}
	}
	return nil
}

// AddPort adds a new port to the stage. Port-added observers are called
// for output ports on the calling goroutine.
func (s *Stage) AddPort(name string, dir Direction) *Port {
	p := newPort(s, name, dir, false)
	s.mu.Lock()
	s.ports = append(s.ports, p)
	observers := s.portAdded
	s.mu.Unlock()
	if dir == Output {
		for _, fn := range observers {
			fn(p)
		}
	}
	return p
}

// OnPortAdded registers the observer of dynamic output ports.
func (s *Stage) OnPortAdded(fn func(*Port)) {
	s.mu.Lock()
	s.portAdded = append(s.portAdded, fn)
	s.mu.Unlock()
}

// OnNoMorePorts registers the observer called when stage won't add any
// ports. If stage already signaled it, fn is called immediately.
func (s *Stage) OnNoMorePorts(fn func()) {
	s.mu.Lock()
	if s.noMore {
		s.mu.Unlock()
		fn()
		return
	}
	s.noMorePorts = append(s.noMorePorts, fn)
	s.mu.Unlock()
}

// NoMorePorts signals that stage won't add any ports.
func (s *Stage) NoMorePorts() {
	s.mu.Lock()
	if s.noMore {
		s.mu.Unlock()
		return
	}
	s.noMore = true
	observers := s.noMorePorts
	s.noMorePorts = nil
	s.mu.Unlock()
	for _, fn := range observers {
		fn()
	}
}

// RequestPort allocates a new input port on stages that support it.
func (s *Stage) RequestPort() (*Port, error) {
	if s.elem.RequestPortFunc == nil {
		return nil, fmt.Errorf("%w: %v has no request ports", ErrPortUnavailable, s)
	}
	s.mu.Lock()
	name := fmt.Sprintf("sink_%d", s.requested)
	s.requested++
	s.mu.Unlock()

	p := newPort(s, name, Input, true)
	if err := s.elem.RequestPortFunc(p); err != nil {
		return nil, fmt.Errorf("%v: %w", s, err)
	}
	s.mu.Lock()
	s.ports = append(s.ports, p)
	s.mu.Unlock()
	return p, nil
}

// ReleasePort unlinks and releases the request port.
func (s *Stage) ReleasePort(p *Port) {
	if !p.request || p.stage != s {
		return
	}
	if !p.Unlink() {
		s.releasePort(p)
	}
}

func (s *Stage) releasePort(p *Port) {
	s.mu.Lock()
	found := false
	for i := range s.ports {
		if s.ports[i] == p {
			s.ports = append(s.ports[:i], s.ports[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()
	if found && s.elem.ReleasePortFunc != nil {
		s.elem.ReleasePortFunc(p)
	}
}

// unlinkAll unlinks every port of the stage.
func (s *Stage) unlinkAll() {
	for _, p := range s.Ports() {
		p.Unlink()
	}
}

// Push sends the item through the output port. It blocks while stage is
// paused or port is not linked.
func (s *Stage) Push(ctx context.Context, p *Port, it Item) error {
	if err := s.waitPlaying(ctx); err != nil {
		return err
	}
	return p.push(ctx, it)
}

// Pull receives the next item from the input port.
func (s *Stage) Pull(ctx context.Context, p *Port) (Item, error) {
	return p.pull(ctx)
}

func (s *Stage) waitPlaying(ctx context.Context) error {
	s.mu.Lock()
	playing := s.playing
	s.mu.Unlock()
	select {
	case <-playing:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EOSRequested returns a channel closed when end of stream was requested
// for the parent graph. Returns nil if stage has no parent.
func (s *Stage) EOSRequested() <-chan struct{} {
	if g := s.Parent(); g != nil {
		return g.EOSRequested()
	}
	return nil
}

// Post sends the message to the parent graph bus.
func (s *Stage) Post(m Message) {
	if g := s.Parent(); g != nil {
		if m.Source == "" {
			m.Source = s.name
		}
		g.bus.Post(m)
	}
}

// EndOfStream must be called by sinks when EOS is received.
func (s *Stage) EndOfStream() {
	if g := s.Parent(); g != nil {
		g.sinkEOS(s)
	}
}

// SetState changes the stage state stepping through intermediate states.
func (s *Stage) SetState(target State) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.setState(target)
}

// lower changes the state only if it's above the target. Stages stopped
// concurrently are not started again.
func (s *Stage) lower(target State) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.State() <= target {
		return nil
	}
	return s.setState(target)
}

// SyncStateWithParent changes the stage state to the state of parent
// graph.
func (s *Stage) SyncStateWithParent() error {
	g := s.Parent()
	if g == nil {
		return fmt.Errorf("%w: %v has no parent", ErrInvalidState, s)
	}
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	return s.SetState(g.currentState())
}

// Dispose marks stage as destroyed. Disposed stage can't change state.
func (s *Stage) Dispose() {
	s.mu.Lock()
	s.disposed = true
	s.portAdded = nil
	s.noMorePorts = nil
	s.mu.Unlock()
}

// setState steps towards the target. Going down never stops half way:
// hook errors are returned once the target is reached.
func (s *Stage) setState(target State) error {
	var downErr error
	for {
		s.mu.Lock()
		current, disposed := s.state, s.disposed
		s.mu.Unlock()
		if current == target {
			return downErr
		}
		if disposed {
			return fmt.Errorf("%w: %v is disposed", ErrInvalidState, s)
		}
		next := current.next(target)
		if err := s.change(current, next); err != nil {
			err = fmt.Errorf("%v %v -> %v: %w", s, current, next, err)
			if next > current {
				return err
			}
			downErr = errors.Join(downErr, err)
		}
		s.mu.Lock()
		s.state = next
		s.mu.Unlock()
		s.Post(Message{Type: MessageStateChanged, Old: current, New: next})
	}
}

func (s *Stage) change(from, to State) error {
	switch {
	case from == Null && to == Ready:
		return callHook(s.elem.StartFunc)
	case from == Ready && to == Paused:
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		s.mu.Lock()
		s.cancel, s.done = cancel, done
		s.mu.Unlock()
		go s.run(ctx, done)
	case from == Paused && to == Playing:
		s.mu.Lock()
		close(s.playing)
		s.mu.Unlock()
	case from == Playing && to == Paused:
		s.mu.Lock()
		s.playing = make(chan struct{})
		s.mu.Unlock()
	case from == Paused && to == Ready:
		s.mu.Lock()
		cancel, done := s.cancel, s.done
		s.cancel, s.done = nil, nil
		s.mu.Unlock()
		cancel()
		<-done
	case from == Ready && to == Null:
		return callHook(s.elem.FlushFunc)
	}
	return nil
}

func (s *Stage) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	if s.elem.RunFunc == nil {
		return
	}
	err := s.elem.RunFunc(ctx, s)
	if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}
	s.Post(Message{Type: MessageError, Err: err})
}

func callHook(fn HookFunc) error {
	if fn == nil {
		return nil
	}
	return fn()
}
