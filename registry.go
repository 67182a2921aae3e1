package splice

import (
	"fmt"

	"pipelined.dev/splice/config"
	"pipelined.dev/splice/graph"
	"pipelined.dev/splice/log"
)

// Kind is the role of a stage in the relay.
type Kind int

// Stage roles.
const (
	KindReader Kind = iota
	KindDemuxer
	KindMerger
	KindParser
	KindMuxer
	KindSink
)

var kindClasses = map[Kind]graph.Class{
	KindReader:  graph.Reader,
	KindDemuxer: graph.Demuxer,
	KindMerger:  graph.Merger,
	KindParser:  graph.Parser,
	KindMuxer:   graph.Muxer,
	KindSink:    graph.Sink,
}

func (k Kind) String() string {
	if c, ok := kindClasses[k]; ok {
		return c.String()
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Registry creates and destroys relay stages. Every role is mapped to a
// backend kind of the factory.
type Registry struct {
	factory *graph.Factory
	kinds   map[Kind]string
	log     log.Logger
}

// NewRegistry maps roles to backend kinds. Every kind must be registered
// in the factory with the class of its role.
func NewRegistry(f *graph.Factory, kinds config.Kinds, l log.Logger) (*Registry, error) {
	if l == nil {
		l = log.Discard()
	}
	r := Registry{
		factory: f,
		kinds: map[Kind]string{
			KindReader:  kinds.Reader,
			KindDemuxer: kinds.Demuxer,
			KindMerger:  kinds.Merger,
			KindParser:  kinds.Parser,
			KindMuxer:   kinds.Muxer,
			KindSink:    kinds.Sink,
		},
		log: l,
	}
	for kind, name := range r.kinds {
		class, ok := f.Class(name)
		if !ok {
			return nil, fmt.Errorf("%w: %v kind %q is not registered", graph.ErrBackendUnavailable, kind, name)
		}
		if class != kindClasses[kind] {
			return nil, fmt.Errorf("%w: %q is %v, not %v", graph.ErrBackendUnavailable, name, class, kind)
		}
	}
	return &r, nil
}

// Create makes a new stage of the role. Readers and sinks require
// location parameter.
func (r *Registry) Create(kind Kind, name string, params graph.Params) (*graph.Stage, error) {
	if kind == KindReader || kind == KindSink {
		if v, _ := params.Get("location"); v == "" {
			return nil, fmt.Errorf("%w: %v %s", ErrMissingLocation, kind, name)
		}
	}
	backend, ok := r.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown role %v", graph.ErrBackendUnavailable, kind)
	}
	s, err := r.factory.Make(backend, name, params)
	if err != nil {
		return nil, err
	}
	r.log.WithField("stage", s.Name()).Debugf("created %v", kind)
	return s, nil
}

// Destroy removes the stage from its graph and disposes it. Stage must
// be in Null state.
func (r *Registry) Destroy(s *graph.Stage) {
	if st := s.State(); st != graph.Null {
		panic(fmt.Sprintf("destroy %v in %v state", s, st))
	}
	if g := s.Parent(); g != nil {
		if err := g.Remove(s); err != nil {
			r.log.WithError(err).WithField("stage", s.Name()).Warn("remove")
		}
	}
	s.Dispose()
	r.log.WithField("stage", s.Name()).Debug("destroyed")
}
