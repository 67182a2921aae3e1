package graph

import (
	"fmt"
	"sort"
	"sync"
)

// Class is the processing role of the stage kind.
type Class int

// Stage classes.
const (
	Reader Class = iota
	Demuxer
	Merger
	Parser
	Muxer
	Sink
)

func (c Class) String() string {
	switch c {
	case Reader:
		return "reader"
	case Demuxer:
		return "demuxer"
	case Merger:
		return "merger"
	case Parser:
		return "parser"
	case Muxer:
		return "muxer"
	case Sink:
		return "sink"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

type (
	// AllocatorFunc instantiates the element of a new stage. Static ports
	// are added to the stage by allocator.
	AllocatorFunc func(s *Stage) (Element, error)

	// Factory makes stages by kind name.
	Factory struct {
		mu     sync.RWMutex
		kinds  map[string]kind
		counts map[string]int
	}

	// KindInfo describes a registered kind.
	KindInfo struct {
		Name  string
		Class Class
	}

	kind struct {
		class Class
		alloc AllocatorFunc
	}
)

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{
		kinds:  make(map[string]kind),
		counts: make(map[string]int),
	}
}

// Register adds the kind to the factory. Registering the same name twice
// replaces the kind.
func (f *Factory) Register(name string, class Class, alloc AllocatorFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds[name] = kind{class: class, alloc: alloc}
}

// Make creates a new stage of provided kind. If name is empty, a
// generated one is used.
func (f *Factory) Make(kindName, name string, params Params) (*Stage, error) {
	f.mu.Lock()
	k, ok := f.kinds[kindName]
	if name == "" {
		name = fmt.Sprintf("%s%d", kindName, f.counts[kindName])
		f.counts[kindName]++
	}
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrBackendUnavailable, kindName)
	}
	s := newStage(kindName, name, k.class, params)
	elem, err := k.alloc(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q: %w", ErrBackendUnavailable, kindName, name, err)
	}
	s.elem = elem
	return s, nil
}

// Kinds returns registered kinds sorted by name.
func (f *Factory) Kinds() []KindInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	kinds := make([]KindInfo, 0, len(f.kinds))
	for name, k := range f.kinds {
		kinds = append(kinds, KindInfo{Name: name, Class: k.class})
	}
	sort.Slice(kinds, func(i, j int) bool {
		return kinds[i].Name < kinds[j].Name
	})
	return kinds
}

// Class returns the class of registered kind.
func (f *Factory) Class(name string) (Class, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	k, ok := f.kinds[name]
	return k.class, ok
}
