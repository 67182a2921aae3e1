package graph

import (
	"context"
	"fmt"
	"sync"
)

type (
	// MessageType identifies lifecycle messages.
	MessageType int

	// Message is a lifecycle message posted to the bus.
	Message struct {
		Type MessageType
		// Source is the name of the stage or graph that posted the
		// message.
		Source string
		// Err and Debug are set for error messages.
		Err   error
		Debug string
		// Old and New are set for state-changed messages.
		Old, New State
	}

	// Bus is an ordered unbounded queue of lifecycle messages. Posting
	// never blocks, so it's safe from the streaming goroutines.
	Bus struct {
		mu     sync.Mutex
		queue  []Message
		notify chan struct{}
	}
)

// Message types.
const (
	// MessageEOS is posted when every sink received end of stream.
	MessageEOS MessageType = iota
	// MessageError is posted when a stage fails.
	MessageError
	// MessageStateChanged is posted on every state step.
	MessageStateChanged
)

func (t MessageType) String() string {
	switch t {
	case MessageEOS:
		return "eos"
	case MessageError:
		return "error"
	case MessageStateChanged:
		return "state-changed"
	}
	return fmt.Sprintf("message(%d)", int(t))
}

func (m Message) String() string {
	switch m.Type {
	case MessageError:
		return fmt.Sprintf("%v from %s: %v", m.Type, m.Source, m.Err)
	case MessageStateChanged:
		return fmt.Sprintf("%v %s: %v -> %v", m.Type, m.Source, m.Old, m.New)
	}
	return fmt.Sprintf("%v from %s", m.Type, m.Source)
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		notify: make(chan struct{}, 1),
	}
}

// Post appends the message to the queue.
func (b *Bus) Post(m Message) {
	b.mu.Lock()
	b.queue = append(b.queue, m)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Pop returns the next message. It blocks until message is posted or
// context is done.
func (b *Bus) Pop(ctx context.Context) (Message, error) {
	for {
		if m, ok := b.TryPop(); ok {
			return m, nil
		}
		select {
		case <-b.notify:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// TryPop returns the next message if there is one.
func (b *Bus) TryPop() (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Message{}, false
	}
	m := b.queue[0]
	b.queue[0] = Message{}
	b.queue = b.queue[1:]
	return m, true
}
