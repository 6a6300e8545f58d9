package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradingcore/internal/domain"
	"tradingcore/internal/ports"
)

// Handler processes one event. A returned error (or panic) counts toward the
// subscriber's consecutive-failure tally but never blocks other subscribers.
// Handlers must be idempotent with respect to Event.DedupeKey: delivery is
// at-least-once.
type Handler func(ctx context.Context, event domain.Event) error

// Config holds the bus's tunables.
type Config struct {
	NormalQueueSize  int           // NORMAL/RISK tier capacity; oldest dropped when full
	UrgentQueueSize  int           // EMERGENCY/USER_ACTION tier capacity; publishers block when full
	PublishTimeout   time.Duration // Max block time for urgent-tier publishes
	RetentionWindow  int           // Recent events retained for replay
	DegradedFailures int           // Consecutive failures before a subscriber is flagged degraded
}

type subscriber struct {
	name    string
	types   map[domain.EventType]struct{}
	handler Handler

	consecutiveFailures int
	degraded            bool
}

func (s *subscriber) wants(t domain.EventType) bool {
	if len(s.types) == 0 {
		return true // empty filter = all events
	}
	_, ok := s.types[t]
	return ok
}

// Bus is a typed publish/subscribe backbone with four priority tiers.
// All queued EMERGENCY events are dispatched before any USER_ACTION event,
// and so on down to NORMAL, regardless of enqueue order.
type Bus struct {
	cfg    Config
	logger ports.Logger

	emergencyCh chan domain.Event
	userCh      chan domain.Event

	mu     sync.Mutex // guards deques, retention, closed
	risk   []domain.Event
	normal []domain.Event
	closed bool

	notify chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	subMu sync.RWMutex
	subs  []*subscriber

	retention []domain.Event // bounded ring of recently dispatched events

	droppedNormal  uint64
	publishTimeout uint64
	delivered      uint64
}

// New creates a bus. Start must be called before events flow.
func New(cfg Config, log ports.Logger) *Bus {
	if cfg.NormalQueueSize <= 0 {
		cfg.NormalQueueSize = 1024
	}
	if cfg.UrgentQueueSize <= 0 {
		cfg.UrgentQueueSize = 256
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.DegradedFailures <= 0 {
		cfg.DegradedFailures = 3
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 512
	}
	return &Bus{
		cfg:         cfg,
		logger:      log,
		emergencyCh: make(chan domain.Event, cfg.UrgentQueueSize),
		userCh:      make(chan domain.Event, cfg.UrgentQueueSize),
		notify:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// Subscribe registers a handler for the given event types (nil or empty =
// every type). The name identifies the subscriber in logs and degradation
// alerts.
func (b *Bus) Subscribe(name string, types []domain.EventType, handler Handler) {
	sub := &subscriber{name: name, handler: handler}
	if len(types) > 0 {
		sub.types = make(map[domain.EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.subMu.Lock()
	b.subs = append(b.subs, sub)
	b.subMu.Unlock()
}

// Publish validates the event and enqueues it on its priority tier,
// returning once the event is durably queued.
//
// NORMAL and RISK tiers drop their oldest event when full (logged and
// counted). EMERGENCY and USER_ACTION are never dropped: the caller blocks
// up to PublishTimeout, and a timeout is surfaced as an error and alert.
func (b *Bus) Publish(ctx context.Context, event domain.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ports.ErrBusClosed
	}
	b.mu.Unlock()

	switch event.Priority {
	case domain.PriorityEmergency:
		return b.publishUrgent(ctx, b.emergencyCh, event)
	case domain.PriorityUserAction:
		return b.publishUrgent(ctx, b.userCh, event)
	case domain.PriorityRisk:
		b.publishDroppable(ctx, &b.risk, event)
	default:
		b.publishDroppable(ctx, &b.normal, event)
	}
	return nil
}

func (b *Bus) publishUrgent(ctx context.Context, ch chan domain.Event, event domain.Event) error {
	timer := time.NewTimer(b.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case ch <- event:
		b.ping()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", event.Type, ports.ErrContextCanceled)
	case <-timer.C:
		atomic.AddUint64(&b.publishTimeout, 1)
		b.logger.Error(ctx, ports.ErrQueueFull, "Urgent event publish timed out", map[string]interface{}{
			"eventType": event.Type,
			"priority":  event.Priority.String(),
			"timeout":   b.cfg.PublishTimeout.String(),
		})
		return fmt.Errorf("publish %s after %s: %w", event.Type, b.cfg.PublishTimeout, ports.ErrQueueFull)
	}
}

func (b *Bus) publishDroppable(ctx context.Context, queue *[]domain.Event, event domain.Event) {
	b.mu.Lock()
	if len(*queue) >= b.cfg.NormalQueueSize {
		dropped := (*queue)[0]
		*queue = (*queue)[1:]
		atomic.AddUint64(&b.droppedNormal, 1)
		b.logger.Warn(ctx, "Queue full, dropping oldest event", map[string]interface{}{
			"droppedType": dropped.Type,
			"droppedID":   dropped.ID,
			"priority":    dropped.Priority.String(),
		})
	}
	*queue = append(*queue, event)
	b.mu.Unlock()
	b.ping()
}

func (b *Bus) ping() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Start launches the dispatch goroutine.
func (b *Bus) Start() {
	b.wg.Add(1)
	go b.dispatchLoop()
}

// Stop closes the bus to new events and waits for queued events to drain.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()
}

// dispatchLoop serves queues in strict priority order. Every wake-up
// rescans from the highest tier, so a queued EMERGENCY event is always
// delivered before any lower-tier event regardless of arrival order.
func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	ctx := context.Background()

	for {
		if e, ok := b.next(); ok {
			b.deliver(ctx, e)
			continue
		}
		select {
		case e := <-b.emergencyCh:
			b.deliver(ctx, e)
		case <-b.notify:
			// re-scan from the top
		case <-b.stopCh:
			b.drain(ctx)
			return
		}
	}
}

// next pops the highest-priority queued event without blocking.
func (b *Bus) next() (domain.Event, bool) {
	select {
	case e := <-b.emergencyCh:
		return e, true
	default:
	}
	select {
	case e := <-b.userCh:
		return e, true
	default:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.risk) > 0 {
		e := b.risk[0]
		b.risk = b.risk[1:]
		return e, true
	}
	if len(b.normal) > 0 {
		e := b.normal[0]
		b.normal = b.normal[1:]
		return e, true
	}
	return domain.Event{}, false
}

// drain flushes everything still queued at shutdown.
func (b *Bus) drain(ctx context.Context) {
	for {
		e, ok := b.next()
		if !ok {
			return
		}
		b.deliver(ctx, e)
	}
}

// deliver dispatches one event to every matching subscriber. A failing
// handler is isolated: it is logged and counted, and dispatch continues to
// the remaining subscribers.
func (b *Bus) deliver(ctx context.Context, event domain.Event) {
	b.subMu.RLock()
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.subMu.RUnlock()

	for _, sub := range subs {
		if !sub.wants(event.Type) {
			continue
		}
		err := b.invoke(ctx, sub, event)
		b.subMu.Lock()
		if err != nil {
			sub.consecutiveFailures++
			b.logger.Error(ctx, err, "Subscriber handler failed", map[string]interface{}{
				"subscriber": sub.name,
				"eventType":  event.Type,
				"eventID":    event.ID,
				"failures":   sub.consecutiveFailures,
			})
			if sub.consecutiveFailures >= b.cfg.DegradedFailures && !sub.degraded {
				sub.degraded = true
				b.logger.Critical(ctx, err, "Subscriber marked degraded", map[string]interface{}{
					"subscriber": sub.name,
					"failures":   sub.consecutiveFailures,
				})
			}
		} else {
			sub.consecutiveFailures = 0
			if sub.degraded {
				sub.degraded = false
				b.logger.Info(ctx, "Subscriber recovered from degraded state", map[string]interface{}{
					"subscriber": sub.name,
				})
			}
		}
		b.subMu.Unlock()
	}

	atomic.AddUint64(&b.delivered, 1)
	b.retain(event)
}

// invoke runs one handler with panic isolation.
func (b *Bus) invoke(ctx context.Context, sub *subscriber, event domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic in subscriber %s: %v", sub.name, r)
		}
	}()
	return sub.handler(ctx, event)
}

// retain appends the event to the bounded replay buffer.
func (b *Bus) retain(event domain.Event) {
	b.mu.Lock()
	b.retention = append(b.retention, event)
	if len(b.retention) > b.cfg.RetentionWindow {
		b.retention = b.retention[len(b.retention)-b.cfg.RetentionWindow:]
	}
	b.mu.Unlock()
}

// Recent returns a copy of the retained replay buffer, oldest first.
func (b *Bus) Recent() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Event, len(b.retention))
	copy(out, b.retention)
	return out
}

// Stats is a snapshot of the bus's counters.
type Stats struct {
	Delivered       uint64
	DroppedNormal   uint64
	PublishTimeouts uint64
	Degraded        []string
}

// GetStats returns the current counters and any degraded subscribers.
func (b *Bus) GetStats() Stats {
	st := Stats{
		Delivered:       atomic.LoadUint64(&b.delivered),
		DroppedNormal:   atomic.LoadUint64(&b.droppedNormal),
		PublishTimeouts: atomic.LoadUint64(&b.publishTimeout),
	}
	b.subMu.RLock()
	for _, sub := range b.subs {
		if sub.degraded {
			st.Degraded = append(st.Degraded, sub.name)
		}
	}
	b.subMu.RUnlock()
	return st
}
