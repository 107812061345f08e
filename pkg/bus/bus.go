// Package bus implements the in-process Message Bus (spec §4.1): a bounded,
// thread-safe fan-out of Messages keyed by routing target, that never
// blocks a publisher. Grounded on the lock-free pub/sub shape of
// other_examples' eventbus package, adapted to single-queue-per-subscriber
// drop-on-full semantics and a broadcast SHUTDOWN poison pill.
package bus

import (
	"time"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tumurzakov/myrepetl/pkg/model"
)

// DefaultCapacity is the default bounded size of each subscriber queue.
const DefaultCapacity = 10000

// Stats is a snapshot of bus counters (spec §4.1 "Statistics").
type Stats struct {
	Published int64
	Dropped   int64
	Size      int64
	Peak      int64
}

type subscriber struct {
	name string
	ch   chan *model.Message
}

// Bus is the bounded, multi-subscriber message bus. Each subscriber owns a
// dedicated buffered channel; publish delivers a message to the subscriber
// whose name matches the message's TargetName, or to every subscriber when
// TargetName is the broadcast key.
type Bus struct {
	capacity int

	mu          chan struct{} // 1-buffered mutex substitute guarding subs
	subs        map[string]*subscriber
	lastDropLog map[string]time.Time

	published atomic.Int64
	dropped   atomic.Int64
	peak      atomic.Int64
}

// New creates a Bus with the given per-subscriber capacity (0 uses DefaultCapacity).
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{
		capacity:    capacity,
		mu:          make(chan struct{}, 1),
		subs:        make(map[string]*subscriber),
		lastDropLog: make(map[string]time.Time),
	}
	b.mu <- struct{}{}
	return b
}

func (b *Bus) lock()   { <-b.mu }
func (b *Bus) unlock() { b.mu <- struct{}{} }

// Subscribe registers a subscriber under targetName and returns the channel
// it should receive messages on. Each target worker calls this exactly
// once with its own name; the bus itself fans out broadcast messages to
// every registered subscriber.
func (b *Bus) Subscribe(targetName string) <-chan *model.Message {
	b.lock()
	defer b.unlock()

	ch := make(chan *model.Message, b.capacity)
	b.subs[targetName] = &subscriber{name: targetName, ch: ch}
	return ch
}

// Publish performs a non-blocking enqueue to every subscriber the message
// addresses (its TargetName, or every subscriber if TargetName is the
// broadcast key). If a subscriber's queue is full the message is dropped
// for that subscriber only; Publish never blocks the caller.
func (b *Bus) Publish(msg *model.Message) {
	b.lock()
	targets := b.resolveTargets(msg.TargetName)
	b.unlock()

	if len(targets) == 0 {
		return
	}

	b.published.Inc()
	for _, sub := range targets {
		select {
		case sub.ch <- msg:
			size := int64(len(sub.ch))
			if size > b.peak.Load() {
				b.peak.Store(size)
			}
		default:
			b.dropped.Inc()
			b.logDropRateLimited(sub.name)
		}
	}
}

func (b *Bus) resolveTargets(targetName string) []*subscriber {
	if targetName == model.BroadcastTarget {
		out := make([]*subscriber, 0, len(b.subs))
		for _, s := range b.subs {
			out = append(out, s)
		}
		return out
	}
	if s, ok := b.subs[targetName]; ok {
		return []*subscriber{s}
	}
	return nil
}

// logDropRateLimited logs a bus-overflow warning at most once per second
// per target, per spec §7 ("WARN log with rate limiting").
func (b *Bus) logDropRateLimited(target string) {
	b.lock()
	last, ok := b.lastDropLog[target]
	now := time.Now()
	shouldLog := !ok || now.Sub(last) >= time.Second
	if shouldLog {
		b.lastDropLog[target] = now
	}
	b.unlock()

	if shouldLog {
		log.Warn("bus publish dropped, subscriber queue full", zap.String("target", target))
	}
}

// PublishShutdown broadcasts a SHUTDOWN message so every blocked Dequeue
// returns immediately (spec §4.1, §5, §9 "poison pill").
func (b *Bus) PublishShutdown() {
	b.Publish(model.NewControlMessage(model.ControlShutdown))
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
		Size:      b.currentSize(),
		Peak:      b.peak.Load(),
	}
}

func (b *Bus) currentSize() int64 {
	b.lock()
	defer b.unlock()
	var total int64
	for _, s := range b.subs {
		total += int64(len(s.ch))
	}
	return total
}
