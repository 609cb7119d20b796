package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lakeops/opscore/internal/metrics"
	"github.com/lakeops/opscore/internal/models"
	"github.com/lakeops/opscore/internal/retry"
)

// Handler consumes one event. Returning an error triggers redelivery according
// to the bus retry policy.
type Handler func(ctx context.Context, ev models.Event) error

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus closed")

const defaultBuffer = 64

type subscription struct {
	id      uint64
	name    string
	kind    models.EventType
	handler Handler
	queue   chan models.Event
	stop    chan struct{}
	done    chan struct{}
}

// Bus is an in-process typed publish/subscribe hub. Each subscriber has its own
// queue and goroutine, so one slow handler never blocks another subscriber's
// delivery. Events are not persisted: whatever is queued when the process exits is lost.
type Bus struct {
	mu     sync.RWMutex
	subs   map[models.EventType][]*subscription
	nextID uint64
	closed bool
	buffer int
	policy retry.Policy
	logger *slog.Logger
	clock  func() time.Time
	wg     sync.WaitGroup
}

// NewBus constructs a bus. policy governs redelivery of failed handlers.
func NewBus(policy retry.Policy, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[models.EventType][]*subscription),
		buffer: defaultBuffer,
		policy: policy,
		logger: logger,
		clock:  time.Now,
	}
}

// Subscribe registers handler for kind. name labels the subscriber in logs and metrics.
// The returned function removes the subscription after draining its queue.
func (b *Bus) Subscribe(kind models.EventType, name string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		name:    name,
		kind:    kind,
		handler: handler,
		queue:   make(chan models.Event, b.buffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if b.closed {
		return func() {}
	}
	b.subs[kind] = append(b.subs[kind], sub)

	b.wg.Add(1)
	go b.run(sub)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(sub) })
	}
}

func (b *Bus) unsubscribe(sub *subscription) {
	b.mu.Lock()
	list := b.subs[sub.kind]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.kind] = append(list[:i:i], list[i+1:]...)
			close(sub.stop)
			break
		}
	}
	b.mu.Unlock()
	<-sub.done
}

// Publish enqueues ev for every current subscriber of its type. It blocks while a
// subscriber queue is full, until ctx ends.
func (b *Bus) Publish(ctx context.Context, ev models.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = b.clock().UTC()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]*subscription(nil), b.subs[ev.Type]...)
	b.mu.RUnlock()
	metrics.ObserveEvent(string(ev.Type))

	for _, sub := range subs {
		select {
		case sub.queue <- ev:
		case <-sub.stop:
		case <-ctx.Done():
			b.logger.Warn("event not delivered before publish deadline",
				slog.String("type", string(ev.Type)),
				slog.String("subscriber", sub.name),
				slog.Any("error", ctx.Err()),
			)
			metrics.ObserveDeliveryFailure(string(ev.Type), sub.name)
			return ctx.Err()
		}
	}
	return nil
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	defer close(sub.done)
	for {
		select {
		case ev := <-sub.queue:
			b.deliver(sub, ev)
		case <-sub.stop:
			for {
				select {
				case ev := <-sub.queue:
					b.deliver(sub, ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(sub *subscription, ev models.Event) {
	policy := b.policy
	policy.Classify = func(err error) retry.Class {
		if errors.Is(err, context.Canceled) {
			return retry.ClassFatal
		}
		return retry.ClassTransient
	}

	_, err := policy.Do(context.Background(), func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New("subscriber panicked")
				b.logger.Error("event handler panic", slog.String("subscriber", sub.name), slog.Any("panic", r))
			}
		}()
		return sub.handler(ctx, ev)
	})
	if err != nil {
		metrics.ObserveDeliveryFailure(string(ev.Type), sub.name)
		b.logger.Error("event handler failed",
			slog.String("type", string(ev.Type)),
			slog.String("event_id", ev.ID),
			slog.String("subscriber", sub.name),
			slog.Any("error", err),
		)
	}
}

// Close stops accepting events, lets subscribers drain what is queued, and waits for them.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for kind, list := range b.subs {
		for _, sub := range list {
			close(sub.stop)
		}
		delete(b.subs, kind)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Subscribers reports how many handlers are registered for kind.
func (b *Bus) Subscribers(kind models.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
