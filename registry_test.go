package splice_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/splice"
	"pipelined.dev/splice/config"
	"pipelined.dev/splice/graph"
)

func TestNewRegistry(t *testing.T) {
	tests := map[string]struct {
		kinds func(*config.Kinds)
		err   error
	}{
		"mock kinds": {
			kinds: func(*config.Kinds) {},
		},
		"unknown kind": {
			kinds: func(k *config.Kinds) { k.Demuxer = "unknown" },
			err:   graph.ErrBackendUnavailable,
		},
		"class mismatch": {
			kinds: func(k *config.Kinds) { k.Reader = k.Sink },
			err:   graph.ErrBackendUnavailable,
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(fixture{})
			kinds := mockKinds
			test.kinds(&kinds)
			r, err := splice.NewRegistry(f.factory(), kinds, nil)
			if test.err != nil {
				assert.ErrorIs(t, err, test.err)
				assert.Nil(t, r)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRegistryCreate(t *testing.T) {
	f := newFixture(fixture{})
	r, err := splice.NewRegistry(f.factory(), mockKinds, nil)
	require.NoError(t, err)

	_, err = r.Create(splice.KindReader, "reader", nil)
	assert.ErrorIs(t, err, splice.ErrMissingLocation)
	_, err = r.Create(splice.KindSink, "sink", graph.Params{"location": ""})
	assert.ErrorIs(t, err, splice.ErrMissingLocation)

	s, err := r.Create(splice.KindReader, "reader", graph.Params{"location": "input"})
	require.NoError(t, err)
	assert.Equal(t, "reader", s.Name())
	assert.Equal(t, graph.Reader, s.Class())

	merge, err := r.Create(splice.KindMerger, "", nil)
	require.NoError(t, err)
	assert.Equal(t, graph.Merger, merge.Class())
}

func TestRegistryDestroy(t *testing.T) {
	f := newFixture(fixture{})
	r, err := splice.NewRegistry(f.factory(), mockKinds, nil)
	require.NoError(t, err)
	demux, err := r.Create(splice.KindDemuxer, "demux", nil)
	require.NoError(t, err)
	parser, err := r.Create(splice.KindParser, "parser", nil)
	require.NoError(t, err)

	g := graph.New("test")
	require.NoError(t, g.Add(demux, parser))
	require.NoError(t, demux.SetState(graph.Ready))
	assert.Panics(t, func() { r.Destroy(demux) })

	require.NoError(t, demux.SetState(graph.Null))
	r.Destroy(demux)
	assert.Nil(t, demux.Parent())
	assert.Nil(t, g.ByName("demux"))
	assert.Error(t, demux.SetState(graph.Ready), "disposed stage must not start")
	assert.Len(t, g.Stages(), 1)
}
