package splice

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pipelined.dev/splice/concat"
	"pipelined.dev/splice/config"
	"pipelined.dev/splice/file"
	"pipelined.dev/splice/graph"
	"pipelined.dev/splice/log"
	"pipelined.dev/splice/metric"
	"pipelined.dev/splice/pcm"
	"pipelined.dev/splice/wav"
)

type (
	// Relay splices segments of the input into a continuous output.
	Relay struct {
		cfg        config.Config
		graph      *graph.Graph
		flag       *StopFlag
		handles    *handles
		registry   *Registry
		mutator    *Mutator
		controller *controller
		monitor    *monitor
		metrics    *metric.Relay
		log        log.Logger

		started   atomic.Bool
		done      chan struct{}
		err       error
		awaitOnce sync.Once
	}

	// Option provides a way to set functional parameters to relay.
	Option func(*options)

	options struct {
		factory    *graph.Factory
		logger     log.Logger
		registerer prometheus.Registerer
		flag       *StopFlag
	}
)

// WithFactory sets the backend factory. DefaultFactory is used by
// default.
func WithFactory(f *graph.Factory) Option {
	return func(o *options) {
		o.factory = f
	}
}

// WithLogger sets the relay logger.
func WithLogger(l log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRegisterer registers relay metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithStopFlag sets the stop flag shared with the caller.
func WithStopFlag(f *StopFlag) Option {
	return func(o *options) {
		o.flag = f
	}
}

// DefaultFactory returns factory with bundled stage kinds.
func DefaultFactory(l log.Logger) *graph.Factory {
	f := graph.NewFactory()
	file.Register(f)
	wav.Register(f)
	concat.Register(f)
	pcm.Register(f, l)
	return f
}

// New builds the relay graph: merge, parser, muxer and sink linked
// together and N branches requesting merge ports. Any error aborts the
// setup.
func New(cfg config.Config, opts ...Option) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Component(log.GetLogger(), "relay")
	}
	if o.factory == nil {
		o.factory = DefaultFactory(o.logger)
	}
	if o.flag == nil {
		o.flag = &StopFlag{}
	}

	r := Relay{
		cfg:     cfg,
		graph:   graph.New("relay", graph.WithLogger(o.logger)),
		flag:    o.flag,
		handles: newHandles(),
		metrics: metric.New(o.registerer),
		log:     o.logger,
		done:    make(chan struct{}),
	}
	r.log = r.log.WithField("graph", r.graph.ID())
	id := r.handles.register(r.graph)
	if err := r.setup(o.factory); err != nil {
		r.handles.retire(id)
		return nil, fmt.Errorf("setup relay: %w", err)
	}
	r.monitor = &monitor{
		graph:   r.graph,
		flag:    r.flag,
		mutator: r.mutator,
		handles: r.handles,
		metrics: r.metrics,
		log:     r.log.WithField("component", "monitor"),
	}
	return &r, nil
}

func (r *Relay) setup(f *graph.Factory) error {
	registry, err := NewRegistry(f, r.cfg.Kinds, r.log)
	if err != nil {
		return err
	}
	r.registry = registry

	merge, err := registry.Create(KindMerger, "merge", nil)
	if err != nil {
		return err
	}
	parser, err := registry.Create(KindParser, "parser", nil)
	if err != nil {
		return err
	}
	muxer, err := registry.Create(KindMuxer, "muxer", nil)
	if err != nil {
		return err
	}
	sink, err := registry.Create(KindSink, "sink", graph.Params{
		"location": r.cfg.Output,
		"sync":     strconv.FormatBool(r.cfg.Sync),
		"append":   strconv.FormatBool(r.cfg.Append),
	})
	if err != nil {
		return err
	}
	if err := r.graph.Add(merge, parser, muxer, sink); err != nil {
		return err
	}
	if err := r.graph.Link(merge, parser, muxer, sink); err != nil {
		return err
	}
	Intercept(merge.Output(), watchdog(r.flag, r.metrics, r.log.WithField("stage", merge.Name())))
	if r.cfg.FrameLog {
		Intercept(muxer.Output(), frameLog(r.log.WithField("stage", muxer.Name())))
	}

	r.mutator = newMutator(r.handles, r.graph.ID(), r.cfg.RebuildTimeout, r.log.WithField("component", "mutator"))
	r.controller = &controller{
		n:        r.cfg.Branches,
		input:    r.cfg.Input,
		flag:     r.flag,
		registry: registry,
		mutator:  r.mutator,
		merge:    merge,
		metrics:  r.metrics,
		log:      r.log,
	}
	return r.controller.setup(r.graph)
}

// Start sets the graph to playing and starts consuming its lifecycle
// messages. Cancelling ctx forces shutdown without waiting for the end
// of stream.
func (r *Relay) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: relay already started", graph.ErrInvalidState)
	}
	if err := r.graph.SetState(graph.Playing); err != nil {
		r.err = err
		r.mutator.Close()
		r.handles.retire(r.graph.ID())
		close(r.done)
		return err
	}
	if err := r.controller.start(); err != nil {
		r.log.WithError(err).Warn("start branches")
	}
	go func() {
		r.err = r.monitor.run(ctx)
		close(r.done)
	}()
	return nil
}

// Stop raises the stop flag and requests end of stream. Branches pass
// their next end of stream and the output is closed once they are done.
func (r *Relay) Stop() {
	if r.flag.Raise() {
		r.log.Info("stop requested")
	}
	r.graph.SendEvent(graph.Event{Type: graph.EOS})
}

// Await blocks until the relay is stopped and mutation tasks are done.
// It's safe to call it multiple times.
func (r *Relay) Await() error {
	if !r.started.Load() {
		return fmt.Errorf("%w: relay not started", graph.ErrInvalidState)
	}
	r.awaitOnce.Do(func() {
		<-r.done
		r.mutator.Close()
		r.mutator.Wait()
		r.handles.retire(r.graph.ID())
	})
	return r.err
}

// Run starts the relay, stops it after d or when ctx is done and waits
// for the shutdown. Zero d runs until ctx is done. If shutdown takes
// longer than configured timeout, it's forced.
func (r *Relay) Run(ctx context.Context, d time.Duration) error {
	mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	if err := r.Start(mctx); err != nil {
		return err
	}
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-timeout:
	case <-ctx.Done():
	case <-r.done:
		return r.Await()
	}
	r.Stop()

	t := time.NewTimer(r.cfg.ShutdownTimeout)
	defer t.Stop()
	select {
	case <-r.done:
	case <-t.C:
		r.log.Warnf("shutdown takes longer than %v", r.cfg.ShutdownTimeout)
		cancel()
	}
	return r.Await()
}

// Branches returns the current branch of every lane.
func (r *Relay) Branches() []Branch {
	return r.controller.snapshot()
}

// Graph returns the relay graph.
func (r *Relay) Graph() *graph.Graph {
	return r.graph
}

// Metrics returns relay collectors.
func (r *Relay) Metrics() *metric.Relay {
	return r.metrics
}
