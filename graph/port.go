package graph

import (
	"context"
	"fmt"
	"sync"
)

// Direction of the port.
type Direction int

const (
	// Input ports receive items.
	Input Direction = iota
	// Output ports push items.
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

type (
	// Port is a connection point of the stage. A port participates in at
	// most one edge at a time.
	Port struct {
		name    string
		dir     Direction
		stage   *Stage
		request bool
		ch      chan Item // owned by input ports

		mu      sync.RWMutex
		peer    *Port
		changed chan struct{} // closed and replaced on every link change
		probes  []*Probe      // copy on write
	}

	// Probe is a callback installed on the output port. It's executed on
	// the goroutine which pushes the item.
	Probe struct {
		port *Port
		fn   ProbeFunc
	}
)

func newPort(s *Stage, name string, dir Direction, request bool) *Port {
	p := &Port{
		name:    name,
		dir:     dir,
		stage:   s,
		request: request,
		changed: make(chan struct{}),
	}
	if dir == Input {
		p.ch = make(chan Item)
	}
	return p
}

// Name returns the port name.
func (p *Port) Name() string {
	return p.name
}

// Direction returns the port direction.
func (p *Port) Direction() Direction {
	return p.dir
}

// Stage returns the stage port belongs to.
func (p *Port) Stage() *Stage {
	return p.stage
}

// IsRequest returns true if port was allocated with RequestPort.
func (p *Port) IsRequest() bool {
	return p.request
}

// Peer returns the linked port or nil.
func (p *Port) Peer() *Port {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.peer
}

// IsLinked returns true if port has a peer.
func (p *Port) IsLinked() bool {
	return p.Peer() != nil
}

// Chan returns the channel input port receives items from. Nil for
// output ports.
func (p *Port) Chan() <-chan Item {
	return p.ch
}

func (p *Port) String() string {
	return fmt.Sprintf("%s:%s", p.stage.Name(), p.name)
}

// Link connects output port p to the input port in.
func (p *Port) Link(in *Port) error {
	if p.dir != Output || in.dir != Input || p.stage == in.stage {
		return fmt.Errorf("%w: %v -> %v", ErrIncompatible, p, in)
	}
	if p.stage.Parent() != in.stage.Parent() {
		return fmt.Errorf("%w: %v and %v have different parents", ErrIncompatible, p, in)
	}
	// output is always locked before input
	p.mu.Lock()
	defer p.mu.Unlock()
	in.mu.Lock()
	defer in.mu.Unlock()
	if p.peer != nil || in.peer != nil {
		return fmt.Errorf("%w: %v -> %v", ErrAlreadyLinked, p, in)
	}
	p.peer, in.peer = in, p
	p.notify()
	in.notify()
	return nil
}

// Unlink disconnects the port from its peer. Request ports are released
// after unlinking. Returns false if port wasn't linked.
func (p *Port) Unlink() bool {
	peer := p.Peer()
	if peer == nil {
		return false
	}
	out, in := p, peer
	if p.dir == Input {
		out, in = peer, p
	}
	out.mu.Lock()
	if out.peer != in {
		out.mu.Unlock()
		return false
	}
	in.mu.Lock()
	out.peer, in.peer = nil, nil
	out.notify()
	in.notify()
	in.mu.Unlock()
	out.mu.Unlock()

	for _, rp := range []*Port{out, in} {
		if rp.request {
			rp.stage.releasePort(rp)
		}
	}
	return true
}

// AddProbe installs the probe on the port.
func (p *Port) AddProbe(fn ProbeFunc) *Probe {
	probe := &Probe{port: p, fn: fn}
	p.mu.Lock()
	probes := make([]*Probe, len(p.probes), len(p.probes)+1)
	copy(probes, p.probes)
	p.probes = append(probes, probe)
	p.mu.Unlock()
	return probe
}

// Remove detaches the probe from its port. It's safe to call it multiple
// times.
func (pr *Probe) Remove() {
	p := pr.port
	p.mu.Lock()
	defer p.mu.Unlock()
	probes := make([]*Probe, 0, len(p.probes))
	for _, v := range p.probes {
		if v != pr {
			probes = append(probes, v)
		}
	}
	p.probes = probes
}

// notify must be called with the lock held.
func (p *Port) notify() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// push executes probes and delivers the item to the peer. If port is not
// linked, it waits for the link.
func (p *Port) push(ctx context.Context, it Item) error {
	p.mu.RLock()
	probes := p.probes
	p.mu.RUnlock()
	for _, pr := range probes {
		if pr.fn(it) == Drop {
			return nil
		}
	}

	for {
		p.mu.RLock()
		peer, changed := p.peer, p.changed
		p.mu.RUnlock()
		if peer == nil {
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case peer.ch <- it:
			return nil
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Port) pull(ctx context.Context) (Item, error) {
	select {
	case it := <-p.ch:
		return it, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
