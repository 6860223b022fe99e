// Package bus is the in-process signal fabric. Components publish typed
// signals; each subscriber drains its own FIFO queue so a slow consumer never
// blocks the publisher or the other subscribers.
package bus

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/outlet-sync/outlet/internal/model"
)

// Signal enumerates every signal the core can emit.
type Signal int

const (
	NodeUpsertedInCache Signal = iota + 1
	NodeRemovedInCache
	SubtreeNodesChangedInCache
	DisplayTreeChanged
	LoadSubtreeDone
	CommandComplete
	BatchFailed
	ErrorOccurred
	OpExecutionPlayStateChanged
	PauseOpExecution
	ResumeOpExecution
)

func (s Signal) String() string {
	switch s {
	case NodeUpsertedInCache:
		return "NODE_UPSERTED_IN_CACHE"
	case NodeRemovedInCache:
		return "NODE_REMOVED_IN_CACHE"
	case SubtreeNodesChangedInCache:
		return "SUBTREE_NODES_CHANGED_IN_CACHE"
	case DisplayTreeChanged:
		return "DISPLAY_TREE_CHANGED"
	case LoadSubtreeDone:
		return "LOAD_SUBTREE_DONE"
	case CommandComplete:
		return "COMMAND_COMPLETE"
	case BatchFailed:
		return "BATCH_FAILED"
	case ErrorOccurred:
		return "ERROR_OCCURRED"
	case OpExecutionPlayStateChanged:
		return "OP_EXECUTION_PLAY_STATE_CHANGED"
	case PauseOpExecution:
		return "PAUSE_OP_EXECUTION"
	case ResumeOpExecution:
		return "RESUME_OP_EXECUTION"
	}
	return "UNKNOWN_SIGNAL"
}

// Event is one published signal with its payload. Only the fields relevant to
// the signal are populated.
type Event struct {
	Signal   Signal
	Sender   string
	Node     model.TNode
	DeviceUID model.UID
	NodeUID  model.UID
	BatchUID model.UID
	OpUID    model.UID
	Subtree  string
	Msg      string
	Detail   string
	Playing  bool
}

// Subscriber receives events on its own queue. Next blocks until an event is
// available or the subscriber is closed.
type Subscriber struct {
	name   string
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

// Next pops the oldest event, blocking while the queue is empty. The second
// return is false once the subscriber has been closed and drained.
func (s *Subscriber) Next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

// TryNext pops the oldest event without blocking.
func (s *Subscriber) TryNext() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

func (s *Subscriber) push(ev Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Bus fans events out to all subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new subscriber. The name is only used for logging.
func (b *Bus) Subscribe(name string) *Subscriber {
	sub := &Subscriber{name: name}
	sub.cond = sync.NewCond(&sub.mu)
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	log.Debug().Str("subscriber", name).Msg("Signal bus subscription added.")
	return sub
}

// Unsubscribe removes and closes the subscriber, waking any blocked Next.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close()
}

// Publish enqueues the event for every current subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.push(ev)
	}
}

// Close shuts down every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscriber]struct{})
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}
