// Package file provides reader and sink stages backed by files.
//
// Reader parameters:
//
//	location  - path of the file to read (required);
//	blocksize - size of buffers in bytes.
//
// Sink parameters:
//
//	location - path of the file to write (required);
//	sync     - pace buffers against their presentation time;
//	append   - append to the file instead of truncating it.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"pipelined.dev/splice/graph"
)

// Factory names of file stages.
const (
	SourceKind = "filesrc"
	SinkKind   = "filesink"
)

const defaultBlockSize = 4096

// ErrMissingLocation is returned when stage is created without location.
var ErrMissingLocation = errors.New("missing location")

// Register adds file kinds to the factory.
func Register(f *graph.Factory) {
	f.Register(SourceKind, graph.Reader, Source)
	f.Register(SinkKind, graph.Sink, Sink)
}

// Source allocates the file reader element. Reader sends end of stream
// when file is read or when graph requested it.
func Source(s *graph.Stage) (graph.Element, error) {
	location, ok := s.Param("location")
	if !ok || location == "" {
		return graph.Element{}, ErrMissingLocation
	}
	blockSize, err := s.Params().Int("blocksize", defaultBlockSize)
	if err != nil || blockSize <= 0 {
		return graph.Element{}, fmt.Errorf("invalid blocksize: %q", s.Params()["blocksize"])
	}
	out := s.AddPort("src", graph.Output)
	var f *os.File
	return graph.Element{
		StartFunc: func() (err error) {
			f, err = os.Open(location)
			return err
		},
		RunFunc: func(ctx context.Context, s *graph.Stage) error {
			eos := s.EOSRequested()
			if err := s.Push(ctx, out, graph.Event{Type: graph.StreamStart}); err != nil {
				return err
			}
			var offset int64
			for {
				select {
				case <-eos:
					return s.Push(ctx, out, graph.Event{Type: graph.EOS})
				default:
				}
				b := make([]byte, blockSize)
				n, err := f.Read(b)
				if n > 0 {
					buf := &graph.Buffer{
						Data:   b[:n],
						PTS:    graph.NoPTS,
						Offset: offset,
					}
					if err := s.Push(ctx, out, buf); err != nil {
						return err
					}
					offset += int64(n)
				}
				if err == io.EOF {
					return s.Push(ctx, out, graph.Event{Type: graph.EOS})
				}
				if err != nil {
					return fmt.Errorf("read %s: %w", location, err)
				}
			}
		},
		FlushFunc: func() error {
			if f == nil {
				return nil
			}
			err := f.Close()
			f = nil
			return err
		},
	}, nil
}

// Sink allocates the file sink element.
func Sink(s *graph.Stage) (graph.Element, error) {
	location, ok := s.Param("location")
	if !ok || location == "" {
		return graph.Element{}, ErrMissingLocation
	}
	sync, err := s.Params().Bool("sync", false)
	if err != nil {
		return graph.Element{}, fmt.Errorf("invalid sync: %w", err)
	}
	appendMode, err := s.Params().Bool("append", false)
	if err != nil {
		return graph.Element{}, fmt.Errorf("invalid append: %w", err)
	}
	in := s.AddPort("sink", graph.Input)
	var f *os.File
	return graph.Element{
		StartFunc: func() (err error) {
			flags := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flags |= os.O_APPEND
			} else {
				flags |= os.O_TRUNC
			}
			f, err = os.OpenFile(location, flags, 0o644)
			return err
		},
		RunFunc: func(ctx context.Context, s *graph.Stage) error {
			var clock pacer
			for {
				it, err := s.Pull(ctx, in)
				if err != nil {
					return err
				}
				switch v := it.(type) {
				case graph.Event:
					if v.Type == graph.EOS {
						if err := f.Sync(); err != nil {
							return fmt.Errorf("sync %s: %w", location, err)
						}
						s.EndOfStream()
						return nil
					}
				case *graph.Buffer:
					if sync {
						if err := clock.wait(ctx, v.PTS); err != nil {
							return err
						}
					}
					if err := write(f, v, appendMode); err != nil {
						return fmt.Errorf("write %s: %w", location, err)
					}
				}
			}
		},
		FlushFunc: func() error {
			if f == nil {
				return nil
			}
			err := f.Close()
			f = nil
			return err
		},
	}, nil
}

func write(f *os.File, b *graph.Buffer, appendMode bool) error {
	if b.Offset >= 0 && !appendMode {
		_, err := f.WriteAt(b.Data, b.Offset)
		return err
	}
	_, err := f.Write(b.Data)
	return err
}

// pacer holds buffers until the wall clock reaches their presentation
// time. The clock starts with the first timed buffer.
type pacer struct {
	base time.Time
}

func (p *pacer) wait(ctx context.Context, pts time.Duration) error {
	if pts == graph.NoPTS {
		return nil
	}
	if p.base.IsZero() {
		p.base = time.Now().Add(-pts)
		return nil
	}
	d := time.Until(p.base.Add(pts))
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
