package graph_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pipelined.dev/splice/graph"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// source pushes limit buffers and EOS.
func source(limit int) graph.AllocatorFunc {
	return func(s *graph.Stage) (graph.Element, error) {
		out := s.AddPort("src", graph.Output)
		return graph.Element{
			RunFunc: func(ctx context.Context, s *graph.Stage) error {
				for i := 0; i < limit; i++ {
					b := &graph.Buffer{PTS: time.Duration(i), Offset: -1}
					if err := s.Push(ctx, out, b); err != nil {
						return err
					}
				}
				return s.Push(ctx, out, graph.Event{Type: graph.EOS})
			},
		}, nil
	}
}

type collector struct {
	mu    sync.Mutex
	items []graph.Item
	done  chan struct{}
}

func newCollector() *collector {
	return &collector{done: make(chan struct{})}
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
				c.items = append(c.items, it)
				c.mu.Unlock()
				if graph.IsEOS(it) {
					s.EndOfStream()
					close(c.done)
					return nil
				}
			}
		},
	}, nil
}

func (c *collector) buffers() []*graph.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []*graph.Buffer
	for _, it := range c.items {
		if b, ok := it.(*graph.Buffer); ok {
			result = append(result, b)
		}
	}
	return result
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("sink didn't receive eos")
	}
}

func newFactory(c *collector, limit int) *graph.Factory {
	f := graph.NewFactory()
	f.Register("src", graph.Reader, source(limit))
	f.Register("sink", graph.Sink, c.sink)
	return f
}

func TestLink(t *testing.T) {
	f := newFactory(newCollector(), 0)
	g := graph.New("test")
	src, err := f.Make("src", "", nil)
	require.NoError(t, err)
	sink, err := f.Make("sink", "", nil)
	require.NoError(t, err)
	other, err := f.Make("sink", "", nil)
	require.NoError(t, err)
	require.NoError(t, g.Add(src, sink, other))

	assert.True(t, errors.Is(sink.Input().Link(src.Output()), graph.ErrIncompatible))
	require.NoError(t, src.Output().Link(sink.Input()))
	err = src.Output().Link(other.Input())
	assert.True(t, errors.Is(err, graph.ErrAlreadyLinked))
	assert.True(t, errors.Is(err, graph.ErrLinkFailure))

	assert.Equal(t, sink.Input(), src.Output().Peer())
	assert.True(t, src.Output().Unlink())
	assert.False(t, src.Output().Unlink())
	assert.False(t, sink.Input().IsLinked())
}

func TestLinkDifferentParents(t *testing.T) {
	f := newFactory(newCollector(), 0)
	src, err := f.Make("src", "", nil)
	require.NoError(t, err)
	sink, err := f.Make("sink", "", nil)
	require.NoError(t, err)
	require.NoError(t, graph.New("a").Add(src))
	require.NoError(t, graph.New("b").Add(sink))
	assert.True(t, errors.Is(src.Output().Link(sink.Input()), graph.ErrIncompatible))
}

func TestFlow(t *testing.T) {
	tests := []struct {
		description string
		limit       int
		drop        func(graph.Item) bool
		expected    int
	}{
		{
			description: "pass all",
			limit:       5,
			expected:    5,
		},
		{
			description: "drop odd",
			limit:       6,
			drop: func(it graph.Item) bool {
				b, ok := it.(*graph.Buffer)
				return ok && b.PTS%2 == 1
			},
			expected: 3,
		},
	}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			c := newCollector()
			f := newFactory(c, test.limit)
			g := graph.New("flow")
			src, err := f.Make("src", "", nil)
			require.NoError(t, err)
			sink, err := f.Make("sink", "", nil)
			require.NoError(t, err)
			require.NoError(t, g.Add(src, sink))
			require.NoError(t, g.Link(src, sink))
			if test.drop != nil {
				src.Output().AddProbe(func(it graph.Item) graph.Disposition {
					if test.drop(it) {
						return graph.Drop
					}
					return graph.Pass
				})
			}
			require.NoError(t, g.SetState(graph.Playing))
			c.wait(t)
			assert.Len(t, c.buffers(), test.expected)

			msg := popType(t, g.Bus(), graph.MessageEOS)
			assert.Equal(t, "flow", msg.Source)
			require.NoError(t, g.SetState(graph.Null))
		})
	}
}

func TestPushWaitsForLink(t *testing.T) {
	c := newCollector()
	f := newFactory(c, 3)
	g := graph.New("late")
	src, err := f.Make("src", "", nil)
	require.NoError(t, err)
	sink, err := f.Make("sink", "", nil)
	require.NoError(t, err)
	require.NoError(t, g.Add(src, sink))
	require.NoError(t, g.SetState(graph.Playing))

	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, c.buffers())
	require.NoError(t, g.Link(src, sink))
	c.wait(t)
	assert.Len(t, c.buffers(), 3)
	require.NoError(t, g.SetState(graph.Null))
}

func TestProbeRemove(t *testing.T) {
	c := newCollector()
	f := newFactory(c, 2)
	g := graph.New("probe")
	src, err := f.Make("src", "", nil)
	require.NoError(t, err)
	sink, err := f.Make("sink", "", nil)
	require.NoError(t, err)
	require.NoError(t, g.Add(src, sink))
	require.NoError(t, g.Link(src, sink))
	probe := src.Output().AddProbe(func(graph.Item) graph.Disposition {
		return graph.Drop
	})
	probe.Remove()
	probe.Remove()
	require.NoError(t, g.SetState(graph.Playing))
	c.wait(t)
	assert.Len(t, c.buffers(), 2)
	require.NoError(t, g.SetState(graph.Null))
}

func TestSyncStateWithParent(t *testing.T) {
	c := newCollector()
	f := newFactory(c, 1)
	g := graph.New("sync")
	sink, err := f.Make("sink", "", nil)
	require.NoError(t, err)
	require.NoError(t, g.Add(sink))
	require.NoError(t, g.SetState(graph.Playing))
	assert.Equal(t, graph.Playing, sink.State())

	src, err := f.Make("src", "", nil)
	require.NoError(t, err)
	assert.True(t, errors.Is(src.SyncStateWithParent(), graph.ErrInvalidState))
	require.NoError(t, g.Add(src))
	require.NoError(t, g.Link(src, sink))
	require.NoError(t, src.SyncStateWithParent())
	assert.Equal(t, graph.Playing, src.State())
	c.wait(t)

	require.NoError(t, g.SetState(graph.Null))
	assert.Equal(t, graph.Null, src.State())
	assert.Equal(t, graph.Null, sink.State())
}

func TestRemove(t *testing.T) {
	c := newCollector()
	f := newFactory(c, 0)
	g := graph.New("remove")
	src, err := f.Make("src", "src", nil)
	require.NoError(t, err)
	sink, err := f.Make("sink", "sink", nil)
	require.NoError(t, err)
	require.NoError(t, g.Add(src, sink))
	assert.True(t, errors.Is(g.Add(src), graph.ErrDuplicateName))
	require.NoError(t, g.Link(src, sink))
	require.NoError(t, src.SetState(graph.Ready))
	assert.True(t, errors.Is(g.Remove(src), graph.ErrInvalidState))

	require.NoError(t, src.SetState(graph.Null))
	require.NoError(t, g.Remove(src))
	assert.Nil(t, g.ByName("src"))
	assert.Nil(t, src.Parent())
	assert.False(t, sink.Input().IsLinked())
	assert.True(t, errors.Is(g.Remove(src), graph.ErrNotFound))
}

func TestRequestPort(t *testing.T) {
	var released []string
	f := graph.NewFactory()
	f.Register("src", graph.Reader, source(0))
	f.Register("merge", graph.Merger, func(s *graph.Stage) (graph.Element, error) {
		return graph.Element{
			RequestPortFunc: func(p *graph.Port) error {
				if p.Name() == "sink_2" {
					return graph.ErrPortUnavailable
				}
				return nil
			},
			ReleasePortFunc: func(p *graph.Port) {
				released = append(released, p.Name())
			},
		}, nil
	})
	g := graph.New("request")
	src, err := f.Make("src", "", nil)
	require.NoError(t, err)
	merge, err := f.Make("merge", "", nil)
	require.NoError(t, err)
	require.NoError(t, g.Add(src, merge))

	p0, err := merge.RequestPort()
	require.NoError(t, err)
	p1, err := merge.RequestPort()
	require.NoError(t, err)
	_, err = merge.RequestPort()
	assert.True(t, errors.Is(err, graph.ErrPortUnavailable))
	assert.Equal(t, "sink_0", p0.Name())
	assert.True(t, p0.IsRequest())

	require.NoError(t, src.Output().Link(p0))
	src.Output().Unlink()
	merge.ReleasePort(p1)
	merge.ReleasePort(p1)
	assert.Equal(t, []string{"sink_0", "sink_1"}, released)
	assert.Empty(t, merge.Ports())

	_, err = src.RequestPort()
	assert.True(t, errors.Is(err, graph.ErrPortUnavailable))
}

func TestDynamicPorts(t *testing.T) {
	f := graph.NewFactory()
	f.Register("demux", graph.Demuxer, func(s *graph.Stage) (graph.Element, error) {
		return graph.Element{}, nil
	})
	demux, err := f.Make("demux", "", nil)
	require.NoError(t, err)
	var added []string
	demux.OnPortAdded(func(p *graph.Port) {
		added = append(added, p.Name())
	})
	noMore := 0
	demux.OnNoMorePorts(func() { noMore++ })
	demux.AddPort("sink", graph.Input)
	demux.AddPort("audio_0", graph.Output)
	demux.NoMorePorts()
	demux.NoMorePorts()
	demux.OnNoMorePorts(func() { noMore++ })
	assert.Equal(t, []string{"audio_0"}, added)
	assert.Equal(t, 2, noMore)
}

func TestFactory(t *testing.T) {
	errAlloc := errors.New("alloc")
	f := graph.NewFactory()
	f.Register("broken", graph.Parser, func(*graph.Stage) (graph.Element, error) {
		return graph.Element{}, errAlloc
	})
	f.Register("src", graph.Reader, source(0))

	_, err := f.Make("missing", "", nil)
	assert.True(t, errors.Is(err, graph.ErrBackendUnavailable))
	_, err = f.Make("broken", "", nil)
	assert.True(t, errors.Is(err, graph.ErrBackendUnavailable))
	assert.True(t, errors.Is(err, errAlloc))

	s1, err := f.Make("src", "", nil)
	require.NoError(t, err)
	s2, err := f.Make("src", "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, s1.Name(), s2.Name())
	assert.Equal(t, graph.Reader, s1.Class())

	assert.Equal(t, []graph.KindInfo{
		{Name: "broken", Class: graph.Parser},
		{Name: "src", Class: graph.Reader},
	}, f.Kinds())
}

func TestStageErrorPosted(t *testing.T) {
	errRun := errors.New("run")
	f := graph.NewFactory()
	f.Register("failing", graph.Reader, func(*graph.Stage) (graph.Element, error) {
		return graph.Element{
			RunFunc: func(context.Context, *graph.Stage) error {
				return errRun
			},
		}, nil
	})
	g := graph.New("errors")
	s, err := f.Make("failing", "failing", nil)
	require.NoError(t, err)
	require.NoError(t, g.Add(s))
	require.NoError(t, g.SetState(graph.Playing))
	msg := popType(t, g.Bus(), graph.MessageError)
	assert.Equal(t, "failing", msg.Source)
	assert.True(t, errors.Is(msg.Err, errRun))
	require.NoError(t, g.SetState(graph.Null))
}

func TestStartFailure(t *testing.T) {
	errStart := errors.New("start")
	f := graph.NewFactory()
	f.Register("broken", graph.Reader, func(*graph.Stage) (graph.Element, error) {
		return graph.Element{
			StartFunc: func() error { return errStart },
		}, nil
	})
	g := graph.New("start")
	s, err := f.Make("broken", "", nil)
	require.NoError(t, err)
	require.NoError(t, g.Add(s))
	err = g.SetState(graph.Playing)
	assert.True(t, errors.Is(err, errStart))
	assert.Equal(t, graph.Null, g.State())
	require.NoError(t, g.SetState(graph.Null))
}

func TestStoppedStageNotRestarted(t *testing.T) {
	var starts int
	f := graph.NewFactory()
	f.Register("idle", graph.Parser, func(*graph.Stage) (graph.Element, error) {
		return graph.Element{
			StartFunc: func() error {
				starts++
				return nil
			},
		}, nil
	})
	g := graph.New("stopped")
	s, err := f.Make("idle", "", nil)
	require.NoError(t, err)
	require.NoError(t, g.Add(s))
	require.NoError(t, g.SetState(graph.Playing))

	require.NoError(t, s.SetState(graph.Null))
	require.NoError(t, g.SetState(graph.Null))
	assert.Equal(t, graph.Null, s.State())
	assert.Equal(t, 1, starts)
}

func TestSendEvent(t *testing.T) {
	g := graph.New("events")
	assert.False(t, g.SendEvent(graph.Event{Type: graph.StreamStart}))
	assert.True(t, g.SendEvent(graph.Event{Type: graph.EOS}))
	assert.True(t, g.SendEvent(graph.Event{Type: graph.EOS}))
	select {
	case <-g.EOSRequested():
	default:
		t.Fatal("eos is not requested")
	}
}

func TestBus(t *testing.T) {
	b := graph.NewBus()
	b.Post(graph.Message{Type: graph.MessageStateChanged, Source: "a"})
	b.Post(graph.Message{Type: graph.MessageEOS, Source: "b"})
	ctx := context.Background()
	m, err := b.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", m.Source)
	m, err = b.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", m.Source)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = b.Pop(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestTopology(t *testing.T) {
	c := newCollector()
	f := newFactory(c, 0)
	g := graph.New("topology")
	src, err := f.Make("src", "src", nil)
	require.NoError(t, err)
	sink, err := f.Make("sink", "sink", nil)
	require.NoError(t, err)
	require.NoError(t, g.Add(src, sink))
	before := g.Topology()
	assert.Empty(t, graph.Diff(before, g.Topology()))

	require.NoError(t, g.Link(src, sink))
	after := g.Topology()
	assert.Equal(t, []graph.LinkInfo{{From: "src:src", To: "sink:sink"}}, after.Links)
	assert.Contains(t, graph.Diff(before, after), "+link src:src -> sink:sink")
	assert.Contains(t, after.Dump(), "src:src")
}

func popType(t *testing.T, b *graph.Bus, mt graph.MessageType) graph.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		m, err := b.Pop(ctx)
		require.NoError(t, err)
		if m.Type == mt {
			return m
		}
	}
}
