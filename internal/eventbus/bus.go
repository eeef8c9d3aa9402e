// Package eventbus fans persisted workflow events out to live subscribers
// and replays the durable log for reconnecting ones.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/orchestra/internal/db"
	"github.com/lucasnoah/orchestra/internal/metrics"
)

// ErrBackfillExpired is returned by Backfill when the requested position has
// been purged from the log.
var ErrBackfillExpired = errors.New("backfill position has been purged")

const (
	DefaultDeliveryTimeout = 5 * time.Second
	DefaultBuffer          = 64

	backfillPage = 500
)

// Log is the read side of the event log.
type Log interface {
	EventsAfter(ctx context.Context, afterID int64, limit int) ([]db.Event, error)
	PurgeWatermark(ctx context.Context) (int64, error)
}

// Mirror receives a copy of every broadcast event. Failures never affect
// local delivery.
type Mirror interface {
	Publish(ev db.Event) error
	Close() error
}

// Options configures a Bus. Zero values fall back to the defaults.
type Options struct {
	DeliveryTimeout time.Duration
	Buffer          int
	Mirror          Mirror
	Metrics         *metrics.Metrics
	Logger          *zap.Logger
}

// Bus is safe for concurrent use.
type Bus struct {
	log     Log
	timeout time.Duration
	buffer  int
	mirror  Mirror
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

// New returns a Bus reading backfill from log.
func New(log Log, opts Options) *Bus {
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Bus{
		log:     log,
		timeout: opts.DeliveryTimeout,
		buffer:  opts.Buffer,
		mirror:  opts.Mirror,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		subs:    make(map[*Subscriber]struct{}),
	}
}

// Subscribe registers a subscriber that initially receives every event.
func (b *Bus) Subscribe() *Subscriber {
	s := newSubscriber(b.buffer)
	b.mu.Lock()
	b.subs[s] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()
	b.metrics.SetSubscribers(n)
	return s
}

// Unsubscribe removes s and closes its Done channel. Safe to call twice.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.remove(s)
	s.close(nil)
}

func (b *Bus) remove(s *Subscriber) bool {
	b.mu.Lock()
	_, ok := b.subs[s]
	delete(b.subs, s)
	n := len(b.subs)
	b.mu.Unlock()
	if ok {
		b.metrics.SetSubscribers(n)
	}
	return ok
}

// Len returns the number of live subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Broadcast delivers events to every matching subscriber. Each subscriber is
// served by its own goroutine under one shared deadline, so the call returns
// within the delivery timeout no matter how many subscribers stall. Those
// that miss the deadline are evicted.
func (b *Bus) Broadcast(ctx context.Context, events []db.Event) {
	if len(events) == 0 {
		return
	}
	b.publishMirror(events)

	b.mu.RLock()
	targets := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for _, s := range targets {
		wg.Add(1)
		go func(s *Subscriber) {
			defer wg.Done()
			n, err := s.deliver(ctx, events)
			mu.Lock()
			delivered += n
			mu.Unlock()
			if err != nil {
				b.evict(s, err)
			}
		}(s)
	}
	wg.Wait()
	b.metrics.AddBroadcast(delivered)
}

func (b *Bus) evict(s *Subscriber, cause error) {
	if !b.remove(s) {
		return
	}
	s.close(cause)
	b.metrics.IncEviction()
	b.logger.Warn("evicted slow subscriber", zap.Error(cause))
}

func (b *Bus) publishMirror(events []db.Event) {
	if b.mirror == nil {
		return
	}
	for _, ev := range events {
		if err := b.mirror.Publish(ev); err != nil {
			b.metrics.IncMirrorError()
			b.logger.Warn("mirror publish failed",
				zap.Int64("event_id", ev.ID),
				zap.String("workflow_id", ev.WorkflowID),
				zap.Error(err))
		}
	}
}

// Backfill returns every retained event with id > since, oldest first. If
// since is at or below the purge watermark some of the requested events are
// gone and ErrBackfillExpired is returned instead.
func (b *Bus) Backfill(ctx context.Context, since int64) ([]db.Event, error) {
	mark, err := b.log.PurgeWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("read purge watermark: %w", err)
	}
	if mark > 0 && since <= mark {
		return nil, ErrBackfillExpired
	}

	var out []db.Event
	after := since
	for {
		page, err := b.log.EventsAfter(ctx, after, backfillPage)
		if err != nil {
			return nil, fmt.Errorf("read events after %d: %w", after, err)
		}
		out = append(out, page...)
		if len(page) < backfillPage {
			return out, nil
		}
		after = page[len(page)-1].ID
	}
}

// Close evicts every subscriber and closes the mirror.
func (b *Bus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscriber]struct{})
	b.mu.Unlock()
	for s := range subs {
		s.close(nil)
	}
	b.metrics.SetSubscribers(0)
	if b.mirror != nil {
		return b.mirror.Close()
	}
	return nil
}
