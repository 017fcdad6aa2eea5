package feed

import (
	"context"

	"github.com/pinax-network/substreams-sink-sheets/pkg/changes"
)

// EventKind tags a feed Event
type EventKind int

const (
	// EventMessage carries one module output
	EventMessage EventKind = iota
	// EventEnd marks the end of the stream; Err is set when it ended abnormally
	EventEnd
)

func (k EventKind) String() string {
	if k == EventEnd {
		return "end"
	}
	return "message"
}

// Message is one module output at one block
type Message struct {
	Module  string
	TypeURL string
	Payload []byte
	Clock   changes.BlockClock
	// Cursor identifies the message position for resuming after it
	Cursor string
}

// Event is a tagged feed item
type Event struct {
	Kind    EventKind
	Message Message
	Err     error
}

// Request selects what to stream
type Request struct {
	Module string
	// StartBlock is inclusive, StopBlock exclusive; zero StopBlock streams forever
	StartBlock uint64
	StopBlock  uint64
	// Cursor resumes after a previously delivered message
	Cursor string
}

// Source delivers module outputs in block order. The returned channel is
// closed when the stream ends or ctx is done.
type Source interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// Module describes a module exposed by a package
type Module struct {
	Name       string
	Kind       string
	OutputType string
}

// Registry lists the modules of a package
type Registry interface {
	ListModules(ctx context.Context) ([]Module, error)
}
