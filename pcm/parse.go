// Package pcm provides the parser stage for decoded audio. Parser makes
// spliced segments look like a single stream: presentation time is
// continuous across segment boundaries and stream-start is sent once.
package pcm

import (
	"context"
	"fmt"
	"time"

	"pipelined.dev/splice/graph"
	"pipelined.dev/splice/log"
)

// Kind is the factory name of parser stage.
const Kind = "pcmparse"

// Register adds parser kind to the factory.
func Register(f *graph.Factory, l log.Logger) {
	f.Register(Kind, graph.Parser, Parser(l))
}

// Parser returns allocator of the parser element.
func Parser(l log.Logger) graph.AllocatorFunc {
	if l == nil {
		l = log.Discard()
	}
	return func(s *graph.Stage) (graph.Element, error) {
		in := s.AddPort("sink", graph.Input)
		out := s.AddPort("src", graph.Output)
		p := parser{log: l.WithField("stage", s.Name())}
		return graph.Element{
			RunFunc: func(ctx context.Context, s *graph.Stage) error {
				return p.run(ctx, s, in, out)
			},
		}, nil
	}
}

type parser struct {
	log log.Logger
	// next is the output time of the next buffer.
	next time.Duration
	// last is the input time of the previous buffer.
	last     time.Duration
	started  bool
	segments int
}

func (p *parser) run(ctx context.Context, s *graph.Stage, in, out *graph.Port) error {
	p.last = graph.NoPTS
	for {
		it, err := s.Pull(ctx, in)
		if err != nil {
			return err
		}
		switch v := it.(type) {
		case graph.Event:
			switch v.Type {
			case graph.StreamStart:
				if p.started {
					continue
				}
				p.started = true
			case graph.EOS:
				p.log.Debugf("end of stream after %d segments, %v", p.segments, p.next)
				return s.Push(ctx, out, v)
			}
		case *graph.Buffer:
			if err := p.stamp(v); err != nil {
				return err
			}
		}
		if err := s.Push(ctx, out, it); err != nil {
			return err
		}
	}
}

// stamp rewrites buffer time. A buffer with time lower than the previous
// one starts a new segment.
func (p *parser) stamp(b *graph.Buffer) error {
	if b.Samples == nil {
		return fmt.Errorf("buffer without samples: %v", b)
	}
	if b.Duration == 0 && b.Samples.Format != nil && b.Samples.Format.SampleRate > 0 && b.Samples.Format.NumChannels > 0 {
		frames := len(b.Samples.Data) / b.Samples.Format.NumChannels
		b.Duration = time.Duration(frames) * time.Second / time.Duration(b.Samples.Format.SampleRate)
	}
	if p.last == graph.NoPTS || (b.PTS != graph.NoPTS && b.PTS <= p.last) {
		p.segments++
		p.log.Debugf("segment %d starts at %v", p.segments, p.next)
	}
	p.last = b.PTS
	b.PTS = p.next
	p.next += b.Duration
	return nil
}
