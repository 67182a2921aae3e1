package splice

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pipelined.dev/splice/graph"
	"pipelined.dev/splice/log"
	"pipelined.dev/splice/metric"
)

// BranchState is the state of the branch end of stream machine.
type BranchState int32

// Branch states. A branch cycles Flowing -> EndSeen -> Rebuilding and
// its replacement starts Pending. Closed and Abandoned are terminal.
const (
	// Pending branch waits for the demuxer port.
	Pending BranchState = iota
	// Flowing branch is linked to the merge.
	Flowing
	// EndSeen branch suppressed its end of stream.
	EndSeen
	// Rebuilding branch is being replaced.
	Rebuilding
	// Closed branch passed its end of stream on stop.
	Closed
	// Abandoned branch failed to build and won't deliver data.
	Abandoned
)

func (s BranchState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Flowing:
		return "flowing"
	case EndSeen:
		return "end-seen"
	case Rebuilding:
		return "rebuilding"
	case Closed:
		return "closed"
	case Abandoned:
		return "abandoned"
	}
	return fmt.Sprintf("branch-state(%d)", int32(s))
}

// Branch is a snapshot of a branch.
type Branch struct {
	Index     int
	Source    string
	Demuxer   string
	MergePort string
	State     BranchState
}

// branch is a reader and a demuxer feeding one merge port.
type branch struct {
	index     int
	source    *graph.Stage
	demux     *graph.Stage
	mergePort *graph.Port
	state     atomic.Int32
	// counted is set while the branch is in the branches gauge.
	counted atomic.Bool
	// endedAt is written by the interceptor before the rebuild is
	// spawned.
	endedAt     time.Time
	interceptor *Interceptor
	log         log.Logger

	// discovered receives the first demuxer port only.
	discovered chan *graph.Port
	noMore     chan struct{}
}

func (b *branch) State() BranchState {
	return BranchState(b.state.Load())
}

func (b *branch) set(s BranchState) {
	b.state.Store(int32(s))
}

func (b *branch) transition(from, to BranchState) bool {
	return b.state.CompareAndSwap(int32(from), int32(to))
}

func (b *branch) snapshot() Branch {
	return Branch{
		Index:     b.index,
		Source:    b.source.Name(),
		Demuxer:   b.demux.Name(),
		MergePort: b.mergePort.Name(),
		State:     b.State(),
	}
}

// controller owns the branches. Branch k is replaced with branch k+N,
// so lane k%N always holds the current branch of that lane.
type controller struct {
	n        int
	input    string
	flag     *StopFlag
	registry *Registry
	mutator  *Mutator
	merge    *graph.Stage
	metrics  *metric.Relay
	log      log.Logger

	mu    sync.Mutex
	lanes []*branch
}

// newBranch creates the stages of the branch and requests the merge
// port. Stages are not added to the graph.
func (c *controller) newBranch(index int) (*branch, error) {
	source, err := c.registry.Create(KindReader, fmt.Sprintf("reader%d", index), graph.Params{"location": c.input})
	if err != nil {
		return nil, err
	}
	demux, err := c.registry.Create(KindDemuxer, fmt.Sprintf("demux%d", index), nil)
	if err != nil {
		c.registry.Destroy(source)
		return nil, err
	}
	port, err := c.merge.RequestPort()
	if err != nil {
		c.registry.Destroy(source)
		c.registry.Destroy(demux)
		return nil, err
	}
	b := branch{
		index:      index,
		source:     source,
		demux:      demux,
		mergePort:  port,
		log:        c.log.WithField("branch", index),
		discovered: make(chan *graph.Port, 1),
		noMore:     make(chan struct{}),
	}
	demux.OnPortAdded(func(p *graph.Port) {
		select {
		case b.discovered <- p:
		default:
			b.log.Debugf("ignored port %v", p)
		}
	})
	demux.OnNoMorePorts(func() {
		close(b.noMore)
	})
	return &b, nil
}

// setup creates initial branches and adds them to the graph, which is
// not running yet.
func (c *controller) setup(g *graph.Graph) error {
	c.lanes = make([]*branch, c.n)
	for i := 0; i < c.n; i++ {
		b, err := c.newBranch(i)
		if err != nil {
			return err
		}
		if err := g.Add(b.source, b.demux); err != nil {
			return err
		}
		if err := g.Link(b.source, b.demux); err != nil {
			return err
		}
		c.lanes[i] = b
	}
	return nil
}

// start spawns attach tasks of initial branches.
func (c *controller) start() error {
	for _, b := range c.branches() {
		b := b
		err := c.mutator.Go(fmt.Sprintf("attach-%d", b.index), func(ctx context.Context, m *Mutation) error {
			if err := c.attach(ctx, m, b); err != nil {
				c.abandon(m, b, err)
				return err
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *controller) branches() []*branch {
	c.mu.Lock()
	defer c.mu.Unlock()
	branches := make([]*branch, len(c.lanes))
	copy(branches, c.lanes)
	return branches
}

// snapshot returns branches sorted by index.
func (c *controller) snapshot() []Branch {
	branches := c.branches()
	result := make([]Branch, 0, len(branches))
	for _, b := range branches {
		result = append(result, b.snapshot())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Index < result[j].Index
	})
	return result
}

func (c *controller) replace(old, b *branch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lanes[old.index%c.n] = b
}

// count adds the branch to the branches gauge.
func (c *controller) count(b *branch) {
	if b.counted.CompareAndSwap(false, true) {
		c.metrics.Branches.Inc()
	}
}

// uncount removes the branch from the branches gauge. It's safe to call
// on a branch which was never counted.
func (c *controller) uncount(b *branch) {
	if b.counted.CompareAndSwap(true, false) {
		c.metrics.Branches.Dec()
	}
}

// attach waits for the demuxer port, installs the interceptor and links
// the port to the merge.
func (c *controller) attach(ctx context.Context, m *Mutation, b *branch) error {
	var port *graph.Port
	select {
	case port = <-b.discovered:
	case <-b.noMore:
		// port might be added right before no-more-ports
		select {
		case port = <-b.discovered:
		default:
			return fmt.Errorf("%w: %v exposed no ports", graph.ErrPortUnavailable, b.demux)
		}
	case <-ctx.Done():
		return fmt.Errorf("waiting for %v port: %w", b.demux, ctx.Err())
	}
	// flowing before link, end of stream may follow the first buffer
	if !b.transition(Pending, Flowing) {
		return fmt.Errorf("%w: attach %v in %v state", graph.ErrInvalidState, b.demux, b.State())
	}
	// counted before link, the interceptor may close the branch as soon
	// as the port is linked
	c.count(b)
	b.interceptor = Intercept(port, c.probe(b))
	if err := m.LinkPorts(port, b.mergePort); err != nil {
		return err
	}
	b.log.Debugf("linked %v -> %v", port, b.mergePort)
	return nil
}

// probe is the branch end of stream rule. It's executed on the demuxer
// goroutine.
func (c *controller) probe(b *branch) graph.ProbeFunc {
	return func(it graph.Item) graph.Disposition {
		if !graph.IsEOS(it) {
			return graph.Pass
		}
		if c.flag.Raised() {
			b.set(Closed)
			c.uncount(b)
			c.metrics.Passed.Inc()
			b.log.Debug("end of stream passed")
			return graph.Pass
		}
		if !b.transition(Flowing, EndSeen) {
			c.metrics.Gaps.Inc()
			b.log.Warnf("end of stream in %v state", b.State())
			return graph.Drop
		}
		b.endedAt = time.Now()
		if err := c.mutator.Go(fmt.Sprintf("rebuild-%d", b.index), c.rebuild(b)); err != nil {
			b.set(Closed)
			c.uncount(b)
			c.metrics.Passed.Inc()
			return graph.Pass
		}
		c.metrics.Suppressed.Inc()
		return graph.Drop
	}
}

// rebuild replaces the exhausted branch with a fresh one reading the
// same input.
func (c *controller) rebuild(old *branch) Task {
	return func(ctx context.Context, m *Mutation) error {
		old.set(Rebuilding)
		c.uncount(old)
		old.interceptor.Remove()
		if err := m.Teardown(old.source, old.demux); err != nil {
			old.log.WithError(err).Warn("teardown")
		}
		c.registry.Destroy(old.source)
		c.registry.Destroy(old.demux)
		c.merge.ReleasePort(old.mergePort)

		if c.flag.Raised() {
			old.set(Closed)
			old.log.Debug("relay is stopping, branch closed")
			return nil
		}

		b, err := c.newBranch(old.index + c.n)
		if err != nil {
			old.set(Abandoned)
			c.metrics.Rebuilt(metric.ResultAbandoned, old.endedAt)
			old.log.WithError(err).Error("branch abandoned")
			return err
		}
		c.replace(old, b)
		old.set(Closed)
		b.log.Debugf("replaces branch %d", old.index)

		err = m.Build(
			[]*graph.Stage{b.source, b.demux},
			Link{From: b.source.Output(), To: b.demux.Input()},
		)
		if err == nil {
			err = c.attach(ctx, m, b)
		}
		if err != nil {
			c.abandon(m, b, err)
			return err
		}
		c.metrics.Rebuilt(metric.ResultOK, old.endedAt)
		return nil
	}
}

// abandon tears down the branch which failed to build. Siblings are not
// affected. Branch interrupted by stop is closed instead.
func (c *controller) abandon(m *Mutation, b *branch, cause error) {
	c.uncount(b)
	if b.interceptor != nil {
		b.interceptor.Remove()
	}
	if err := m.Teardown(b.source, b.demux); err != nil {
		b.log.WithError(err).Warn("teardown")
	}
	c.registry.Destroy(b.source)
	c.registry.Destroy(b.demux)
	c.merge.ReleasePort(b.mergePort)
	if c.flag.Raised() {
		b.set(Closed)
		b.log.WithError(cause).Info("branch closed on stop")
		return
	}
	b.set(Abandoned)
	c.metrics.Rebuilt(metric.ResultAbandoned, time.Time{})
	b.log.WithError(cause).Error("branch abandoned")
}
