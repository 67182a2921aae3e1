package graph

import (
	"fmt"
	"time"

	"github.com/go-audio/audio"
)

// NoPTS marks a buffer without presentation time.
const NoPTS time.Duration = -1

type (
	// Item is a unit of data crossing an edge. It's either an Event or a
	// *Buffer.
	Item interface {
		item()
	}

	// EventType identifies control markers.
	EventType int

	// Event is a control marker without payload.
	Event struct {
		Type EventType
	}

	// Buffer is a payload chunk with timing metadata.
	Buffer struct {
		// Data is a byte payload, used by readers, muxers and sinks.
		Data []byte
		// Samples is decoded PCM, used between demuxers and muxers.
		Samples *audio.IntBuffer
		// PTS is the presentation time, NoPTS if unknown.
		PTS time.Duration
		// Duration of the buffer, zero if unknown.
		Duration time.Duration
		// Offset is the byte position Data belongs to, -1 to append.
		Offset int64
	}

	// Disposition is returned by probes for every observed item.
	Disposition int

	// ProbeFunc observes items pushed through a port.
	ProbeFunc func(Item) Disposition
)

// Event types.
const (
	// StreamStart is sent before the first buffer of a stream.
	StreamStart EventType = iota
	// EOS is sent after the last buffer of a stream.
	EOS
)

// Dispositions.
const (
	// Pass lets the item through.
	Pass Disposition = iota
	// Drop discards the item.
	Drop
)

func (Event) item()   {}
func (*Buffer) item() {}

func (t EventType) String() string {
	switch t {
	case StreamStart:
		return "stream-start"
	case EOS:
		return "eos"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

func (e Event) String() string {
	return e.Type.String()
}

func (b *Buffer) String() string {
	return fmt.Sprintf("buffer size=%d pts=%v duration=%v offset=%d", b.Size(), b.PTS, b.Duration, b.Offset)
}

// Size returns the number of bytes or samples carried by the buffer.
func (b *Buffer) Size() int {
	if b.Samples != nil {
		return len(b.Samples.Data)
	}
	return len(b.Data)
}

// IsEOS returns true if the item is an end-of-stream event.
func IsEOS(it Item) bool {
	e, ok := it.(Event)
	return ok && e.Type == EOS
}

func (d Disposition) String() string {
	if d == Drop {
		return "drop"
	}
	return "pass"
}
