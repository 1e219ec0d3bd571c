// Package eventloop runs a node's coordination state on a single goroutine.
//
// Channel deliveries and timer expirations never touch coordinator state
// directly, they Post a task instead. Tasks run one at a time in FIFO order,
// so the maps they touch need no locking.
package eventloop

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"autonode/pkg/logger"
	"autonode/pkg/metrics"
)

// Loop is a cooperative, single-threaded task runner.
type Loop struct {
	name string
	log  *zap.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	started bool

	done chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

// WithName labels the loop's queue depth gauge, usually with the node id.
func WithName(name string) Option {
	return func(l *Loop) { l.name = name }
}

// New creates a loop that runs nothing until Start. A nil logger falls back to
// the global one.
func New(log *zap.Logger, opts ...Option) *Loop {
	if log == nil {
		log = logger.Named("eventloop")
	}
	l := &Loop{
		name: "default",
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the loop goroutine. Calling Start twice is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	go l.run()
}

// Running reports whether Start was called and Stop was not. Tasks posted to
// a loop that is not running yet wait for Start.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started && !l.stopped
}

// Post enqueues fn. It never blocks and reports false once the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	depth := len(l.queue)
	l.mu.Unlock()

	metrics.LoopQueueDepth.WithLabelValues(l.name).Set(float64(depth))

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop refuses new tasks, lets the loop finish what is already queued and
// waits for it to exit. Safe to call more than once.
func (l *Loop) Stop() {
	l.mu.Lock()
	wasStarted := l.started
	alreadyStopped := l.stopped
	l.stopped = true
	l.mu.Unlock()

	if alreadyStopped {
		if wasStarted {
			<-l.done
		}
		return
	}

	select {
	case l.wake <- struct{}{}:
	default:
	}

	if wasStarted {
		<-l.done
	} else {
		close(l.done)
	}
	metrics.LoopQueueDepth.DeleteLabelValues(l.name)
}

// Done is closed once the loop goroutine exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		metrics.LoopQueueDepth.WithLabelValues(l.name).Set(0)

		for _, fn := range batch {
			l.exec(fn)
		}

		if len(batch) > 0 {
			continue
		}
		if stopped {
			return
		}
		<-l.wake
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopPanics.Inc()
			l.log.Error("event loop task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// AfterFunc schedules fn on the loop once d elapsed on clock. Stopping the
// returned timer before it fires cancels the task; a timer that already fired
// may still have its task queued, so tasks must tolerate running late.
func (l *Loop) AfterFunc(clock clockwork.Clock, d time.Duration, fn func()) clockwork.Timer {
	return clock.AfterFunc(d, func() {
		l.Post(fn)
	})
}
