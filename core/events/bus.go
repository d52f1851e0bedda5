package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BackpressurePolicy decides what Publish does when the bus queue is full.
type BackpressurePolicy int

const (
	// BlockPublisher blocks the caller until a slot frees up (risk:
	// head-of-line blocking; managers publish fire-and-forget so this only
	// delays, never fails, their execution path).
	BlockPublisher BackpressurePolicy = iota
	// DropIfFull drops the event immediately when the queue is full
	// (lossy, but protects latency).
	DropIfFull
)

// BusConfig controls the in-memory bus.
type BusConfig struct {
	// QueueCapacity is the central queue size. Default: 1024.
	QueueCapacity int
	// SubscriberCapacity is the per-subscriber channel size. Default: 256.
	SubscriberCapacity int
	// Backpressure applies when the central queue is full.
	Backpressure BackpressurePolicy
	// RatePerSec throttles dispatch to subscribers. Zero disables the
	// limiter.
	RatePerSec float64
	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

func (c *BusConfig) setDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.SubscriberCapacity <= 0 {
		c.SubscriberCapacity = 256
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Bus is an in-process fan-out publisher. Events flow through one bounded
// queue and are dispatched to every subscriber; a slow subscriber loses
// events rather than stalling the rest.
type Bus struct {
	cfg        BusConfig
	log        *zap.Logger
	events     chan Event
	quit       chan struct{}
	wg         sync.WaitGroup
	closed     atomic.Bool
	limiter    *rate.Limiter
	loopCtx    context.Context
	loopCancel context.CancelFunc

	mu   sync.Mutex
	subs []chan Event

	dropped atomic.Int64
}

// NewBus creates and starts an in-memory event bus.
func NewBus(cfg BusConfig) *Bus {
	cfg.setDefaults()
	b := &Bus{
		cfg:    cfg,
		log:    cfg.Logger,
		events: make(chan Event, cfg.QueueCapacity),
		quit:   make(chan struct{}),
	}
	b.loopCtx, b.loopCancel = context.WithCancel(context.Background())
	if cfg.RatePerSec > 0 {
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.QueueCapacity)
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// Publish enqueues the event, honoring the backpressure policy.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if b.closed.Load() {
		return errors.New("bus closed")
	}
	if b.cfg.Backpressure == DropIfFull {
		select {
		case b.events <- ev:
			return nil
		default:
			b.dropped.Add(1)
			b.log.Debug("event dropped, queue full", zap.String("type", ev.Type))
			return nil
		}
	}
	select {
	case b.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.quit:
		return errors.New("bus closed")
	}
}

// Subscribe registers a new subscriber channel. The channel is closed when
// the bus closes. Events that cannot be delivered without blocking are
// dropped for that subscriber.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, b.cfg.SubscriberCapacity)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Dropped reports how many events the bus discarded under pressure.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.events:
			b.dispatch(ev)
		case <-b.quit:
			// Drain whatever is already queued.
			for {
				select {
				case ev := <-b.events:
					b.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	// The wait aborts when the bus closes so shutdown cannot stall behind
	// the throttle.
	if b.limiter != nil {
		_ = b.limiter.Wait(b.loopCtx)
	}
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close stops the dispatch loop, drains the queue, and closes every
// subscriber channel.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return errors.New("already closed")
	}
	close(b.quit)
	b.loopCancel()
	b.wg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	return nil
}
