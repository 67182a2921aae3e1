// Package wav provides demuxer and muxer stages for wav segments.
//
// Demuxer collects the segment bytes, decodes them when the segment ends
// and exposes a single dynamic output port "audio_0" with PCM buffers.
// Muxer encodes PCM buffers into wav bytes. Every byte buffer carries its
// absolute offset, so the header rewritten at the end of stream lands at
// the beginning of the file.
package wav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"pipelined.dev/splice/graph"
)

// Factory names of wav stages.
const (
	DemuxKind = "wavdemux"
	MuxKind   = "wavmux"
)

const (
	defaultFrameSize = 1024
	defaultBitDepth  = 16
	// pcmFormat is wav audio format for integer PCM.
	pcmFormat = 1
)

// ErrNoAudio is returned when segment doesn't contain decodable audio.
var ErrNoAudio = errors.New("no audio")

// Register adds wav kinds to the factory.
func Register(f *graph.Factory) {
	f.Register(DemuxKind, graph.Demuxer, Demux)
	f.Register(MuxKind, graph.Muxer, Mux)
}

// Demux allocates the demuxer element. Parameter framesize sets the
// number of frames per output buffer.
func Demux(s *graph.Stage) (graph.Element, error) {
	frameSize, err := s.Params().Int("framesize", defaultFrameSize)
	if err != nil || frameSize <= 0 {
		return graph.Element{}, fmt.Errorf("invalid framesize: %q", s.Params()["framesize"])
	}
	in := s.AddPort("sink", graph.Input)
	return graph.Element{
		RunFunc: func(ctx context.Context, s *graph.Stage) error {
			var segment bytes.Buffer
			for {
				it, err := s.Pull(ctx, in)
				if err != nil {
					return err
				}
				switch v := it.(type) {
				case *graph.Buffer:
					segment.Write(v.Data)
				case graph.Event:
					if v.Type == graph.EOS {
						return demux(ctx, s, segment.Bytes(), frameSize)
					}
				}
			}
		},
	}, nil
}

func demux(ctx context.Context, s *graph.Stage, segment []byte, frameSize int) error {
	pcm, err := decode(segment)
	if err != nil {
		s.NoMorePorts()
		// partial segment is expected when reader was stopped early
		if eosRequested(s) {
			return nil
		}
		return err
	}

	out := s.AddPort("audio_0", graph.Output)
	s.NoMorePorts()
	if err := s.Push(ctx, out, graph.Event{Type: graph.StreamStart}); err != nil {
		return err
	}
	channels, rate := pcm.Format.NumChannels, pcm.Format.SampleRate
	step := frameSize * channels
	for i := 0; i < len(pcm.Data); i += step {
		end := i + step
		if end > len(pcm.Data) {
			end = len(pcm.Data)
		}
		b := &graph.Buffer{
			Samples: &audio.IntBuffer{
				Format:         pcm.Format,
				Data:           pcm.Data[i:end],
				SourceBitDepth: pcm.SourceBitDepth,
			},
			PTS:      frames(i/channels, rate),
			Duration: frames((end-i)/channels, rate),
			Offset:   -1,
		}
		if err := s.Push(ctx, out, b); err != nil {
			return err
		}
	}
	return s.Push(ctx, out, graph.Event{Type: graph.EOS})
}

func decode(segment []byte) (*audio.IntBuffer, error) {
	if len(segment) == 0 {
		return nil, fmt.Errorf("%w: empty segment", ErrNoAudio)
	}
	d := wav.NewDecoder(bytes.NewReader(segment))
	pcm, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoAudio, err)
	}
	if pcm.Format == nil || pcm.Format.NumChannels <= 0 || pcm.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid format", ErrNoAudio)
	}
	if len(pcm.Data) == 0 {
		return nil, fmt.Errorf("%w: no samples", ErrNoAudio)
	}
	return pcm, nil
}

func eosRequested(s *graph.Stage) bool {
	select {
	case <-s.EOSRequested():
		return true
	default:
		return false
	}
}

func frames(n, rate int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// Mux allocates the muxer element.
func Mux(s *graph.Stage) (graph.Element, error) {
	in := s.AddPort("sink", graph.Input)
	out := s.AddPort("src", graph.Output)
	return graph.Element{
		RunFunc: func(ctx context.Context, s *graph.Stage) error {
			var (
				w   positionWriter
				enc *wav.Encoder
			)
			for {
				it, err := s.Pull(ctx, in)
				if err != nil {
					return err
				}
				switch v := it.(type) {
				case graph.Event:
					switch v.Type {
					case graph.StreamStart:
						if err := s.Push(ctx, out, v); err != nil {
							return err
						}
					case graph.EOS:
						if enc != nil {
							if err := enc.Close(); err != nil {
								return fmt.Errorf("close encoder: %w", err)
							}
							if err := w.flush(ctx, s, out, graph.NoPTS, 0); err != nil {
								return err
							}
						}
						return s.Push(ctx, out, v)
					}
				case *graph.Buffer:
					if v.Samples == nil || v.Samples.Format == nil {
						return fmt.Errorf("buffer without samples: %v", v)
					}
					if enc == nil {
						bitDepth := v.Samples.SourceBitDepth
						if bitDepth == 0 {
							bitDepth = defaultBitDepth
						}
						enc = wav.NewEncoder(&w, v.Samples.Format.SampleRate, bitDepth, v.Samples.Format.NumChannels, pcmFormat)
					}
					if err := enc.Write(v.Samples); err != nil {
						return fmt.Errorf("encode: %w", err)
					}
					if err := w.flush(ctx, s, out, v.PTS, v.Duration); err != nil {
						return err
					}
				}
			}
		},
	}, nil
}

// positionWriter is an io.WriteSeeker which doesn't keep the data. Every
// write is stored as a chunk with its offset until it's flushed
// downstream.
type positionWriter struct {
	pos    int64
	size   int64
	chunks []chunk
}

type chunk struct {
	offset int64
	data   []byte
}

func (w *positionWriter) Write(p []byte) (int, error) {
	if n := len(w.chunks); n > 0 {
		last := &w.chunks[n-1]
		if last.offset+int64(len(last.data)) == w.pos {
			last.data = append(last.data, p...)
			w.advance(len(p))
			return len(p), nil
		}
	}
	w.chunks = append(w.chunks, chunk{
		offset: w.pos,
		data:   append([]byte(nil), p...),
	})
	w.advance(len(p))
	return len(p), nil
}

func (w *positionWriter) advance(n int) {
	w.pos += int64(n)
	if w.pos > w.size {
		w.size = w.pos
	}
}

func (w *positionWriter) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = w.pos + offset
	case io.SeekEnd:
		pos = w.size + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative position: %d", pos)
	}
	w.pos = pos
	return pos, nil
}

// flush pushes pending chunks. Only the first chunk is timed.
func (w *positionWriter) flush(ctx context.Context, s *graph.Stage, out *graph.Port, pts, duration time.Duration) error {
	chunks := w.chunks
	w.chunks = nil
	for i, c := range chunks {
		b := &graph.Buffer{
			Data:   c.data,
			PTS:    graph.NoPTS,
			Offset: c.offset,
		}
		if i == 0 {
			b.PTS, b.Duration = pts, duration
		}
		if err := s.Push(ctx, out, b); err != nil {
			return err
		}
	}
	return nil
}
