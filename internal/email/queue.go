package email

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var ErrQueueClosed = errors.New("email queue closed")

// QueueConfig tunes a Queue.
type QueueConfig struct {
	Size int
	// RatePerSecond throttles sends; zero means unlimited.
	RatePerSecond float64
}

// QueueStats counts messages by delivery state.
type QueueStats struct {
	Enqueued int64 `json:"enqueued"`
	Sent     int64 `json:"sent"`
	Failed   int64 `json:"failed"`
	Pending  int   `json:"pending"`
}

type envelope struct {
	id  string
	msg Message
}

// Queue delivers messages one at a time, in enqueue order, through a single
// provider. A nil envelope is the shutdown sentinel.
type Queue struct {
	provider Provider
	ch       chan *envelope
	limiter  *rate.Limiter
	done     chan struct{}
	started  atomic.Bool

	mu     sync.RWMutex
	closed bool

	enqueued, sent, failed atomic.Int64
}

func NewQueue(p Provider, cfg QueueConfig) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = 512
	}
	q := &Queue{
		provider: p,
		ch:       make(chan *envelope, cfg.Size),
		done:     make(chan struct{}),
	}
	if cfg.RatePerSecond > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return q
}

// Start launches the delivery goroutine. Cancelling ctx does not stop it;
// only Shutdown does, after every queued message has been attempted.
func (q *Queue) Start(ctx context.Context) {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	go q.loop(context.WithoutCancel(ctx))
}

// Enqueue adds msg to the queue and returns its id. It blocks while the
// queue is full.
func (q *Queue) Enqueue(ctx context.Context, msg Message) (string, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	env := &envelope{id: uuid.NewString(), msg: msg}
	select {
	case q.ch <- env:
		q.enqueued.Add(1)
		return env.id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Shutdown stops accepting messages and waits until the worker has
// attempted everything queued before it, or ctx is done.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.ch <- nil:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Enqueued: q.enqueued.Load(),
		Sent:     q.sent.Load(),
		Failed:   q.failed.Load(),
		Pending:  len(q.ch),
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)
	for env := range q.ch {
		if env == nil {
			return
		}
		q.deliver(ctx, env)
	}
}

func (q *Queue) deliver(ctx context.Context, env *envelope) {
	logger := log.WithFields(log.Fields{
		"id":      env.id,
		"to":      strings.Join(env.msg.To, ","),
		"subject": env.msg.Subject,
	})
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			logger.Warnf("rate limiter: %v", err)
		}
	}
	if err := q.provider.Send(ctx, env.msg); err != nil {
		q.failed.Add(1)
		logger.Errorf("failed to send email: %v", err)
		return
	}
	q.sent.Add(1)
	logger.Debug("email sent")
}
