// Package mock provides mocks for graph stages and allows to execute
// integration tests without media files.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/go-audio/audio"

	"pipelined.dev/splice/graph"
)

// Source mocks a reader stage. Every stage made of the same Source emits
// a segment of Limit buffers, each of Frames frames.
type Source struct {
	counter
	Interval    time.Duration
	Limit       int
	Frames      int
	Value       int
	NumChannels int
	SampleRate  int
	// ErrorOnCall is returned after the first buffer of the segment.
	ErrorOnCall error
	// ErrorOnMake fails allocation once FailAfter stages were made.
	ErrorOnMake error
	FailAfter   int
	Hooks

	makeMu sync.Mutex
	made   int
}

// Allocator returns source allocator.
func (m *Source) Allocator() graph.AllocatorFunc {
	return func(s *graph.Stage) (graph.Element, error) {
		m.makeMu.Lock()
		if m.ErrorOnMake != nil && m.made >= m.FailAfter {
			m.makeMu.Unlock()
			return graph.Element{}, m.ErrorOnMake
		}
		m.made++
		m.makeMu.Unlock()

		out := s.AddPort("src", graph.Output)
		return graph.Element{
			StartFunc: m.start,
			FlushFunc: m.flush,
			RunFunc: func(ctx context.Context, s *graph.Stage) error {
				return m.run(ctx, s, out)
			},
		}, nil
	}
}

// Made returns the number of allocated stages.
func (m *Source) Made() int {
	m.makeMu.Lock()
	defer m.makeMu.Unlock()
	return m.made
}

func (m *Source) run(ctx context.Context, s *graph.Stage, out *graph.Port) error {
	eos := s.EOSRequested()
	if err := s.Push(ctx, out, graph.Event{Type: graph.StreamStart}); err != nil {
		return err
	}
	format := &audio.Format{NumChannels: m.NumChannels, SampleRate: m.SampleRate}
	duration := time.Duration(m.Frames) * time.Second / time.Duration(m.SampleRate)
	for i := 0; i < m.Limit; i++ {
		select {
		case <-eos:
			return s.Push(ctx, out, graph.Event{Type: graph.EOS})
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.Interval):
		}
		data := make([]int, m.Frames*m.NumChannels)
		for j := range data {
			data[j] = m.Value
		}
		b := &graph.Buffer{
			Samples: &audio.IntBuffer{
				Format:         format,
				Data:           data,
				SourceBitDepth: 16,
			},
			PTS:      time.Duration(i) * duration,
			Duration: duration,
			Offset:   -1,
		}
		if err := s.Push(ctx, out, b); err != nil {
			return err
		}
		m.advance(m.Frames)
		if m.ErrorOnCall != nil {
			return m.ErrorOnCall
		}
	}
	return s.Push(ctx, out, graph.Event{Type: graph.EOS})
}

// Demuxer mocks a demuxer stage. It exposes dynamic port "src_0" when
// the first buffer arrives and forwards items as is. If the segment ends
// before any buffer, no port is exposed.
type Demuxer struct {
	counter
	// Delay postpones port exposure.
	Delay time.Duration
	Hooks
}

// Allocator returns demuxer allocator.
func (m *Demuxer) Allocator() graph.AllocatorFunc {
	return func(s *graph.Stage) (graph.Element, error) {
		in := s.AddPort("sink", graph.Input)
		return graph.Element{
			StartFunc: m.start,
			FlushFunc: m.flush,
			RunFunc: func(ctx context.Context, s *graph.Stage) error {
				return m.run(ctx, s, in)
			},
		}, nil
	}
}

func (m *Demuxer) run(ctx context.Context, s *graph.Stage, in *graph.Port) error {
	// events are held until the first buffer
	var pending []graph.Item
	for {
		it, err := s.Pull(ctx, in)
		if err != nil {
			return err
		}
		if graph.IsEOS(it) {
			s.NoMorePorts()
			return nil
		}
		pending = append(pending, it)
		if _, ok := it.(*graph.Buffer); ok {
			break
		}
	}
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	out := s.AddPort("src_0", graph.Output)
	s.NoMorePorts()
	for _, it := range pending {
		if err := m.push(ctx, s, out, it); err != nil {
			return err
		}
	}
	for {
		it, err := s.Pull(ctx, in)
		if err != nil {
			return err
		}
		if err := m.push(ctx, s, out, it); err != nil {
			return err
		}
		if graph.IsEOS(it) {
			return nil
		}
	}
}

func (m *Demuxer) push(ctx context.Context, s *graph.Stage, out *graph.Port, it graph.Item) error {
	if b, ok := it.(*graph.Buffer); ok {
		m.advance(b.Size())
	}
	return s.Push(ctx, out, it)
}

// Passthrough mocks a stage with single input and output, like parser or
// muxer.
type Passthrough struct {
	counter
	Hooks
}

// Allocator returns passthrough allocator.
func (m *Passthrough) Allocator() graph.AllocatorFunc {
	return func(s *graph.Stage) (graph.Element, error) {
		in := s.AddPort("sink", graph.Input)
		out := s.AddPort("src", graph.Output)
		return graph.Element{
			StartFunc: m.start,
			FlushFunc: m.flush,
			RunFunc: func(ctx context.Context, s *graph.Stage) error {
				for {
					it, err := s.Pull(ctx, in)
					if err != nil {
						return err
					}
					if b, ok := it.(*graph.Buffer); ok {
						m.advance(b.Size())
					}
					if err := s.Push(ctx, out, it); err != nil {
						return err
					}
					if graph.IsEOS(it) {
						return nil
					}
				}
			},
		}, nil
	}
}

// Sink mocks a sink stage. Received buffers are kept unless Discard is
// set.
type Sink struct {
	counter
	Discard     bool
	ErrorOnCall error
	Hooks

	mu      sync.Mutex
	buffers []*graph.Buffer
	eos     int
}

// Allocator returns sink allocator.
func (m *Sink) Allocator() graph.AllocatorFunc {
	return func(s *graph.Stage) (graph.Element, error) {
		in := s.AddPort("sink", graph.Input)
		return graph.Element{
			StartFunc: m.start,
			FlushFunc: m.flush,
			RunFunc: func(ctx context.Context, s *graph.Stage) error {
				for {
					it, err := s.Pull(ctx, in)
					if err != nil {
						return err
					}
					switch v := it.(type) {
					case *graph.Buffer:
						if m.ErrorOnCall != nil {
							return m.ErrorOnCall
						}
						m.advance(v.Size())
						if !m.Discard {
							m.mu.Lock()
							m.buffers = append(m.buffers, v)
							m.mu.Unlock()
						}
					case graph.Event:
						if v.Type == graph.EOS {
							m.mu.Lock()
							m.eos++
							m.mu.Unlock()
							s.EndOfStream()
							return nil
						}
					}
				}
			},
		}, nil
	}
}

// Buffers returns received buffers.
func (m *Sink) Buffers() []*graph.Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	buffers := make([]*graph.Buffer, len(m.buffers))
	copy(buffers, m.buffers)
	return buffers
}

// EOS returns the number of received end of stream events.
func (m *Sink) EOS() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eos
}

// Hooks allows to mock stage hooks.
type Hooks struct {
	ErrorOnStart error
	ErrorOnFlush error

	hooksMu sync.Mutex
	started int
	flushed int
}

func (h *Hooks) start() error {
	h.hooksMu.Lock()
	defer h.hooksMu.Unlock()
	h.started++
	return h.ErrorOnStart
}

func (h *Hooks) flush() error {
	h.hooksMu.Lock()
	defer h.hooksMu.Unlock()
	h.flushed++
	return h.ErrorOnFlush
}

// Started returns the number of start hook calls.
func (h *Hooks) Started() int {
	h.hooksMu.Lock()
	defer h.hooksMu.Unlock()
	return h.started
}

// Flushed returns the number of flush hook calls.
func (h *Hooks) Flushed() int {
	h.hooksMu.Lock()
	defer h.hooksMu.Unlock()
	return h.flushed
}

// counter counts messages and samples.
type counter struct {
	countMu  sync.Mutex
	messages int
	samples  int
}

func (c *counter) advance(size int) {
	c.countMu.Lock()
	defer c.countMu.Unlock()
	c.messages++
	c.samples += size
}

// Count returns messages and samples metrics.
func (c *counter) Count() (int, int) {
	c.countMu.Lock()
	defer c.countMu.Unlock()
	return c.messages, c.samples
}
