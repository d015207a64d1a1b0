package progress

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edforge/edforge/internal/metrics"
	"github.com/edforge/edforge/pkg/messages"
)

// defaultSubscriberBuffer bounds a live subscriber's channel when the
// caller does not size it.
const defaultSubscriberBuffer = 64

// Transport is the broadcaster's sole egress to the outside world. Framing
// and connection management belong to the transport, not the core.
type Transport interface {
	PublishProgress(ctx context.Context, event *messages.ProgressEvent) error
}

// Subscriber receives live events for one execution.
type Subscriber struct {
	ID      string
	Channel chan *messages.ProgressEvent
}

// executionLog is the append-only sequenced event log for one execution.
// Appends happen under the log's own lock; readers copy slices, so
// publishes never wait on consumers.
type executionLog struct {
	mu     sync.RWMutex
	seq    uint64
	events []*messages.ProgressEvent
	subs   map[string]*Subscriber
}

// Broadcaster assigns per-execution sequence numbers, retains the event
// log for replay, and fans events out to live subscribers and the
// external transport. Publishing never blocks pipeline progress.
type Broadcaster struct {
	mu         sync.RWMutex
	logs       map[string]*executionLog
	transport  Transport
	bufferSize int
	metrics    *metrics.Metrics
}

// NewBroadcaster creates a broadcaster. transport may be nil, in which
// case events are only available by subscription and replay. A
// subscriberBuffer of zero or less falls back to the default.
func NewBroadcaster(transport Transport, subscriberBuffer int) *Broadcaster {
	if subscriberBuffer <= 0 {
		subscriberBuffer = defaultSubscriberBuffer
	}
	return &Broadcaster{
		logs:       make(map[string]*executionLog),
		transport:  transport,
		bufferSize: subscriberBuffer,
		metrics:    metrics.NewMetrics(),
	}
}

func (b *Broadcaster) logFor(executionID string) *executionLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.logs[executionID]
	if !ok {
		l = &executionLog{subs: make(map[string]*Subscriber)}
		b.logs[executionID] = l
	}
	return l
}

// Publish appends the event to the execution's log with the next sequence
// number and distributes it. Delivery failures are logged, never retried
// indefinitely, and never surface to the publisher.
func (b *Broadcaster) Publish(executionID string, event *messages.ProgressEvent) {
	l := b.logFor(executionID)

	l.mu.Lock()
	l.seq++
	event.Sequence = l.seq
	event.ExecutionID = executionID
	l.events = append(l.events, event)
	subs := make([]*Subscriber, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		select {
		case s.Channel <- event:
		default:
			// Slow consumer: it can recover the gap via replay.
			log.Printf("[Progress] Subscriber %s lagging on execution %s (seq %d dropped)", s.ID, executionID, event.Sequence)
		}
	}

	if b.transport != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.transport.PublishProgress(ctx, event); err != nil {
				b.metrics.TransportErrors.Inc()
				log.Printf("[Progress] Transport publish failed for execution %s seq %d: %v", executionID, event.Sequence, err)
			}
		}()
	}
}

// Replay returns the retained events with sequence >= fromSeq, in order.
// A reconnecting subscriber passes its last seen sequence plus one.
func (b *Broadcaster) Replay(executionID string, fromSeq uint64) []*messages.ProgressEvent {
	b.metrics.ReplayRequests.Inc()
	b.mu.RLock()
	l, ok := b.logs[executionID]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*messages.ProgressEvent, 0, len(l.events))
	for _, e := range l.events {
		if e.Sequence >= fromSeq {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe registers a live subscriber and returns the backlog from
// fromSeq so the caller sees every event exactly once: backlog first,
// then the channel.
func (b *Broadcaster) Subscribe(executionID string, fromSeq uint64) (*Subscriber, []*messages.ProgressEvent) {
	if fromSeq > 1 {
		// A non-initial start is a reconnecting consumer catching up.
		b.metrics.ReplayRequests.Inc()
	}
	l := b.logFor(executionID)
	sub := &Subscriber{
		ID:      uuid.New().String()[:8],
		Channel: make(chan *messages.ProgressEvent, b.bufferSize),
	}

	l.mu.Lock()
	backlog := make([]*messages.ProgressEvent, 0, len(l.events))
	for _, e := range l.events {
		if e.Sequence >= fromSeq {
			backlog = append(backlog, e)
		}
	}
	l.subs[sub.ID] = sub
	l.mu.Unlock()

	return sub, backlog
}

// Unsubscribe removes a live subscriber.
func (b *Broadcaster) Unsubscribe(executionID string, sub *Subscriber) {
	b.mu.RLock()
	l, ok := b.logs[executionID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	l.mu.Lock()
	delete(l.subs, sub.ID)
	l.mu.Unlock()
}

// LastSequence returns the highest sequence published for an execution.
func (b *Broadcaster) LastSequence(executionID string) uint64 {
	b.mu.RLock()
	l, ok := b.logs[executionID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Prune drops logs whose last event is older than retention. Terminal
// executions stay replayable until then.
func (b *Broadcaster) Prune(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	b.mu.Lock()
	defer b.mu.Unlock()

	pruned := 0
	for id, l := range b.logs {
		l.mu.RLock()
		stale := len(l.events) > 0 && l.events[len(l.events)-1].Timestamp.Before(cutoff) && len(l.subs) == 0
		l.mu.RUnlock()
		if stale {
			delete(b.logs, id)
			pruned++
		}
	}
	return pruned
}
