package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/gsarma/gitgrade/internal/locks"
	"github.com/gsarma/gitgrade/internal/logfile"
)

const (
	SuccessSuffix = "_SUCCESS"
	ErrorSuffix   = "_ERROR"
)

// ErrClosed is returned by Shutdown when called twice.
var ErrClosed = errors.New("dispatcher closed")

// Replier delivers the outcome of an event to the user who issued it.
type Replier interface {
	Reply(ev Event, eventType, detail string) error
}

// LogReplier appends replies to a log file that sits next to the log the
// event came from.
type LogReplier struct {
	name string

	mu      sync.Mutex
	writers map[string]*logfile.Writer
}

func NewLogReplier(replyLogName string) *LogReplier {
	return &LogReplier{name: replyLogName, writers: make(map[string]*logfile.Writer)}
}

// ReplyPath returns the reply log for events read from source.
func (r *LogReplier) ReplyPath(source string) string {
	return filepath.Join(filepath.Dir(source), r.name)
}

func (r *LogReplier) Reply(ev Event, eventType, detail string) error {
	p := r.ReplyPath(ev.SourcePath)
	r.mu.Lock()
	w, ok := r.writers[p]
	if !ok {
		w = logfile.NewWriter(p)
		r.writers[p] = w
	}
	r.mu.Unlock()
	return w.Append(eventType, detail)
}

// Config tunes a Dispatcher.
type Config struct {
	// Workers is the number of handler goroutines. Events from the same
	// log always run on the same worker, in order.
	Workers int
	// QueueSize bounds pending events per worker.
	QueueSize int
	// Identify maps a log path to the user that owns it.
	Identify func(path string) (string, error)
}

// Stats counts events by outcome.
type Stats struct {
	Received    int64 `json:"received"`
	Succeeded   int64 `json:"succeeded"`
	Failed      int64 `json:"failed"`
	ParseErrors int64 `json:"parse_errors"`
	Unknown     int64 `json:"unknown"`
}

type job struct {
	ev Event
	h  Handler
}

// Dispatcher turns records into handler runs. Submit is called from the
// poller goroutine; Handle runs on worker goroutines.
type Dispatcher struct {
	registry *Registry
	replier  Replier
	identify func(string) (string, error)
	shards   []chan job
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	received, succeeded, failed, parseErrors, unknown atomic.Int64
}

func New(reg *Registry, replier Replier, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	d := &Dispatcher{
		registry: reg,
		replier:  replier,
		identify: cfg.Identify,
		shards:   make([]chan job, cfg.Workers),
	}
	for i := range d.shards {
		d.shards[i] = make(chan job, cfg.QueueSize)
	}
	return d
}

// Start launches the worker goroutines. ctx is passed to every Handle call;
// cancelling it aborts running handlers but queued events are still
// answered.
func (d *Dispatcher) Start(ctx context.Context) {
	for _, ch := range d.shards {
		d.wg.Add(1)
		go d.loop(ctx, ch)
	}
}

// Submit parses rec and queues its handler. It implements poller.Sink.
func (d *Dispatcher) Submit(rec logfile.Record) {
	d.received.Add(1)
	ev := Event{
		SourcePath: rec.SourcePath,
		Timestamp:  rec.Timestamp,
		Type:       rec.EventType,
		Payload:    rec.Payload,
	}
	logger := log.WithFields(log.Fields{"event": ev.Type, "path": ev.SourcePath})

	if d.identify != nil {
		user, err := d.identify(ev.SourcePath)
		if err != nil {
			d.unknown.Add(1)
			logger.Errorf("cannot tell who owns the log: %v", err)
			return
		}
		ev.User = user
	}

	factory, ok := d.registry.Lookup(ev.Type)
	if !ok {
		d.unknown.Add(1)
		logger.Warn("unknown event type")
		d.reply(ev, ev.Type+ErrorSuffix, "unknown event type")
		return
	}

	h := factory(ev)
	if err := parse(h); err != nil {
		d.parseErrors.Add(1)
		logger.Infof("rejected payload: %v", err)
		d.reply(ev, ev.Type+ErrorSuffix, err.Error())
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.failed.Add(1)
		d.reply(ev, ev.Type+ErrorSuffix, "server is shutting down")
		return
	}
	d.shards[shardFor(ev.SourcePath, len(d.shards))] <- job{ev: ev, h: h}
}

// Shutdown stops accepting events and waits until every queued event has
// been handled or ctx is done.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	for _, ch := range d.shards {
		close(ch)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Received:    d.received.Load(),
		Succeeded:   d.succeeded.Load(),
		Failed:      d.failed.Load(),
		ParseErrors: d.parseErrors.Load(),
		Unknown:     d.unknown.Load(),
	}
}

func (d *Dispatcher) loop(ctx context.Context, ch <-chan job) {
	defer d.wg.Done()
	for j := range ch {
		d.run(ctx, j)
	}
}

func (d *Dispatcher) run(ctx context.Context, j job) {
	logger := log.WithFields(log.Fields{"event": j.ev.Type, "user": j.ev.User})

	ctx = locks.WithOwner(ctx, uuid.NewString())
	detail, err := handle(ctx, j.h)
	if err != nil {
		d.failed.Add(1)
		logger.Infof("event failed: %v", err)
		d.reply(j.ev, j.ev.Type+ErrorSuffix, err.Error())
		return
	}
	d.succeeded.Add(1)
	logger.Debug("event handled")
	d.reply(j.ev, j.ev.Type+SuccessSuffix, detail)
}

// reply is the one place where a failure to write a log is only logged.
func (d *Dispatcher) reply(ev Event, eventType, detail string) {
	if err := d.replier.Reply(ev, eventType, detail); err != nil {
		log.WithFields(log.Fields{"event": eventType, "path": ev.SourcePath}).Errorf("failed to write reply: %v", err)
	}
}

func parse(h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error while parsing: %v", r)
		}
	}()
	return h.Parse()
}

func handle(ctx context.Context, h Handler) (detail string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("handler panic: %v", r)
			detail, err = "", fmt.Errorf("internal error: %v", r)
		}
	}()
	return h.Handle(ctx)
}

func shardFor(path string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(path))
	return int(h.Sum32() % uint32(n))
}
