package concat_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pipelined.dev/splice/concat"
	"pipelined.dev/splice/graph"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// source pushes buffers with provided offsets. If eos is false, it
// blocks after the last buffer until it's stopped.
func source(offsets []int64, eos bool) graph.AllocatorFunc {
	return func(s *graph.Stage) (graph.Element, error) {
		out := s.AddPort("src", graph.Output)
		return graph.Element{
			RunFunc: func(ctx context.Context, s *graph.Stage) error {
				for _, o := range offsets {
					if err := s.Push(ctx, out, &graph.Buffer{PTS: graph.NoPTS, Offset: o}); err != nil {
						return err
					}
				}
				if !eos {
					<-ctx.Done()
					return ctx.Err()
				}
				return s.Push(ctx, out, graph.Event{Type: graph.EOS})
			},
		}, nil
	}
}

type collector struct {
	mu      sync.Mutex
	offsets []int64
	eos     bool
}

func (c *collector) sink(s *graph.Stage) (graph.Element, error) {
	in := s.AddPort("sink", graph.Input)
	return graph.Element{
		RunFunc: func(ctx context.Context, s *graph.Stage) error {
			for {
				it, err := s.Pull(ctx, in)
				if err != nil {
					return err
				}
				c.mu.Lock()
				if b, ok := it.(*graph.Buffer); ok {
					c.offsets = append(c.offsets, b.Offset)
				}
				if graph.IsEOS(it) {
					c.eos = true
				}
				c.mu.Unlock()
				if graph.IsEOS(it) {
					s.EndOfStream()
					return nil
				}
			}
		},
	}, nil
}

func (c *collector) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.offsets)
}

type fixture struct {
	g      *graph.Graph
	f      *graph.Factory
	merge  *graph.Stage
	sink   *collector
	inputs []*graph.Port
}

func newFixture(t *testing.T, sources ...graph.AllocatorFunc) *fixture {
	t.Helper()
	fx := fixture{
		g:    graph.New("concat"),
		f:    graph.NewFactory(),
		sink: &collector{},
	}
	concat.Register(fx.f)
	fx.f.Register("collector", graph.Sink, fx.sink.sink)
	var err error
	fx.merge, err = fx.f.Make(concat.Kind, "merge", nil)
	require.NoError(t, err)
	sink, err := fx.f.Make("collector", "", nil)
	require.NoError(t, err)
	require.NoError(t, fx.g.Add(fx.merge, sink))
	require.NoError(t, fx.g.Link(fx.merge, sink))
	for i, alloc := range sources {
		fx.f.Register("source", graph.Reader, alloc)
		src, err := fx.f.Make("source", "", nil)
		require.NoError(t, err)
		require.NoError(t, fx.g.Add(src))
		p, err := fx.merge.RequestPort()
		require.NoError(t, err)
		require.NoError(t, src.Output().Link(p), "source %d", i)
		fx.inputs = append(fx.inputs, p)
	}
	return &fx
}

func (fx *fixture) waitEOS(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		m, err := fx.g.Bus().Pop(ctx)
		require.NoError(t, err)
		require.NotEqual(t, graph.MessageError, m.Type, "%v", m)
		if m.Type == graph.MessageEOS {
			return
		}
	}
}

func TestSequence(t *testing.T) {
	tests := []struct {
		description string
		sources     [][]int64
		expected    []int64
	}{
		{
			description: "single port",
			sources:     [][]int64{{0, 1, 2}},
			expected:    []int64{0, 1, 2},
		},
		{
			description: "ports in request order",
			sources:     [][]int64{{0, 1, 2}, {10, 11}, {20}},
			expected:    []int64{0, 1, 2, 10, 11, 20},
		},
		{
			description: "empty segment",
			sources:     [][]int64{{0}, {}, {20}},
			expected:    []int64{0, 20},
		},
	}
	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			var sources []graph.AllocatorFunc
			for _, offsets := range tt.sources {
				sources = append(sources, source(offsets, true))
			}
			fx := newFixture(t, sources...)
			require.NoError(t, fx.g.SetState(graph.Playing))
			fx.waitEOS(t)
			require.NoError(t, fx.g.SetState(graph.Null))
			assert.Equal(t, tt.expected, fx.sink.offsets)
			assert.True(t, fx.sink.eos)
		})
	}
}

func TestReleaseActive(t *testing.T) {
	fx := newFixture(t,
		source([]int64{0, 1}, false),
		source([]int64{10}, true),
	)
	require.NoError(t, fx.g.SetState(graph.Playing))
	assert.Eventually(t, func() bool {
		return fx.sink.received() == 2
	}, 2*time.Second, time.Millisecond)

	fx.merge.ReleasePort(fx.inputs[0])
	assert.False(t, fx.inputs[0].IsLinked())
	assert.Nil(t, fx.merge.Port(fx.inputs[0].Name()))

	fx.waitEOS(t)
	require.NoError(t, fx.g.SetState(graph.Null))
	assert.Equal(t, []int64{0, 1, 10}, fx.sink.offsets)
}

func TestFinished(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.g.SetState(graph.Playing))
	fx.g.SendEvent(graph.Event{Type: graph.EOS})
	fx.waitEOS(t)

	_, err := fx.merge.RequestPort()
	assert.ErrorIs(t, err, graph.ErrPortUnavailable)
	require.NoError(t, fx.g.SetState(graph.Null))
	assert.Empty(t, fx.sink.offsets)
}

func TestRequestNames(t *testing.T) {
	f := graph.NewFactory()
	concat.Register(f)
	merge, err := f.Make(concat.Kind, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "concat0", merge.Name())
	assert.Equal(t, graph.Merger, merge.Class())
	for _, name := range []string{"sink_0", "sink_1"} {
		p, err := merge.RequestPort()
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
		assert.True(t, p.IsRequest())
	}
}
