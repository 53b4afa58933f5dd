package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lantransfer/logging"
)

// DefaultDrainInterval is how often the consumer goroutine wakes to run
// queued handlers.
const DefaultDrainInterval = 20 * time.Millisecond

// Bridge moves closures produced on network goroutines onto one consumer
// goroutine, preserving enqueue order. Callbacks handed to discovery and
// transfer components run on their internal goroutines; routing them through
// a Bridge gives the host application single-threaded delivery.
type Bridge struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	interval time.Duration
	logger   zerolog.Logger

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option adjusts Bridge construction.
type Option func(*Bridge)

// WithDrainInterval overrides the wake interval.
func WithDrainInterval(interval time.Duration) Option {
	return func(b *Bridge) {
		if interval > 0 {
			b.interval = interval
		}
	}
}

// WithLogger overrides the logger used for recovered handler panics.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// NewBridge creates a bridge and starts its drain goroutine.
func NewBridge(options ...Option) *Bridge {
	bridge := &Bridge{
		interval: DefaultDrainInterval,
		logger:   logging.Default(),
		stop:     make(chan struct{}),
	}
	for _, option := range options {
		option(bridge)
	}

	bridge.wg.Add(1)
	go bridge.drainLoop()
	return bridge
}

// Post enqueues fn for execution on the consumer goroutine. Safe from any
// goroutine. After Close it is a no-op, not an error.
func (b *Bridge) Post(fn func()) {
	if fn == nil {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, fn)
	b.mu.Unlock()
}

// Close runs handlers already queued, then stops the drain goroutine.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		close(b.stop)
		b.wg.Wait()
	})
}

func (b *Bridge) drainLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drain()
		case <-b.stop:
			b.drain()
			return
		}
	}
}

func (b *Bridge) drain() {
	b.mu.Lock()
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, fn := range pending {
		b.run(fn)
	}
}

// run executes one handler; a panicking handler must not stop the drain loop.
func (b *Bridge) run(fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error().Interface("panic", recovered).Msg("event handler panicked")
		}
	}()
	fn()
}
