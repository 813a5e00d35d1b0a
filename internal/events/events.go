// Package events carries progress and notification events from the engines
// to whoever is listening (UI, CLI, tests).
package events

import (
	"sync"
	"sync/atomic"

	"github.com/dmitrijs2005/blobsync/internal/contenthash"
)

type Kind int

const (
	DownloadStarted Kind = iota
	DownloadProgress
	DownloadFinished
	UploadProgress
	UploadFinished
	Notification
)

func (k Kind) String() string {
	switch k {
	case DownloadStarted:
		return "download_started"
	case DownloadProgress:
		return "download_progress"
	case DownloadFinished:
		return "download_finished"
	case UploadProgress:
		return "upload_progress"
	case UploadFinished:
		return "upload_finished"
	case Notification:
		return "notification"
	default:
		return "unknown"
	}
}

// Event is one progress update or notification. Fields not meaningful for a
// kind are zero.
type Event struct {
	Kind  Kind
	Hash  contenthash.Hash
	Bytes int64
	Total int64
	Err   error
	// Message and Count describe notifications ("3 files failed").
	Message string
	Count   int
}

type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Bus is a buffered, non-blocking Sink. When the buffer is full new events
// are dropped and counted rather than stalling a transfer.
type Bus struct {
	ch      chan Event
	dropped atomic.Int64
}

func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{ch: make(chan Event, buffer)}
}

func (b *Bus) Emit(e Event) {
	select {
	case b.ch <- e:
	default:
		b.dropped.Add(1)
	}
}

// C is the receive side of the bus.
func (b *Bus) C() <-chan Event { return b.ch }

// Dropped reports how many events were discarded on a full buffer.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns the recorded events of kind k in order.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
