// Package concat provides the merge stage. It plays request ports one
// after another in the order they were requested: items of the active
// port are forwarded, other ports are held until they become active.
//
// The active port is finished either when it delivers end of stream or
// when it's released. The output end of stream is sent once the last
// port delivered it or when graph requested end of stream and there are
// no ports left.
package concat

import (
	"context"
	"fmt"
	"sync"

	"pipelined.dev/splice/graph"
)

// Kind is the factory name of concat stage.
const Kind = "concat"

// Register adds concat kind to the factory.
func Register(f *graph.Factory) {
	f.Register(Kind, graph.Merger, New)
}

// concat holds the sequence of request ports.
type concat struct {
	mu       sync.Mutex
	ports    []*graph.Port
	finished bool
	changed  chan struct{} // buffered, signals ports sequence change
}

// New allocates concat element for the stage.
func New(s *graph.Stage) (graph.Element, error) {
	c := &concat{
		changed: make(chan struct{}, 1),
	}
	out := s.AddPort("src", graph.Output)
	return graph.Element{
		RequestPortFunc: c.request,
		ReleasePortFunc: c.release,
		RunFunc: func(ctx context.Context, s *graph.Stage) error {
			return c.run(ctx, s, out)
		},
	}, nil
}

func (c *concat) request(p *graph.Port) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return fmt.Errorf("%w: concat is finished", graph.ErrPortUnavailable)
	}
	c.ports = append(c.ports, p)
	c.signal()
	return nil
}

func (c *concat) release(p *graph.Port) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(p)
}

// remove must be called with the lock held.
func (c *concat) remove(p *graph.Port) bool {
	for i := range c.ports {
		if c.ports[i] == p {
			c.ports = append(c.ports[:i], c.ports[i+1:]...)
			c.signal()
			return true
		}
	}
	return false
}

func (c *concat) signal() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}

// active returns the current port. If there are no ports and end of
// stream was requested, concat is finished.
func (c *concat) active(eosRequested bool) (*graph.Port, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ports) > 0 {
		return c.ports[0], false
	}
	if eosRequested {
		c.finished = true
	}
	return nil, c.finished
}

// done removes the port which delivered end of stream. Returns true if it
// was the last one.
func (c *concat) done(p *graph.Port) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(p)
	if len(c.ports) == 0 {
		c.finished = true
	}
	return c.finished
}

func (c *concat) run(ctx context.Context, s *graph.Stage, out *graph.Port) error {
	eos := s.EOSRequested()
	for {
		port, finished := c.active(requested(eos))
		if finished {
			return s.Push(ctx, out, graph.Event{Type: graph.EOS})
		}
		if port == nil {
			select {
			case <-c.changed:
			case <-eos:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		select {
		case it := <-port.Chan():
			if graph.IsEOS(it) {
				if c.done(port) {
					return s.Push(ctx, out, it)
				}
				continue
			}
			if err := s.Push(ctx, out, it); err != nil {
				return err
			}
		case <-c.changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func requested(eos <-chan struct{}) bool {
	select {
	case <-eos:
		return true
	default:
		return false
	}
}
