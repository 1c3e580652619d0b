// Package poller tails watched event logs and hands every complete record
// to a sink in file order.
package poller

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gsarma/gitgrade/internal/logfile"
)

// DefaultInterval is used when New is given a non-positive interval.
const DefaultInterval = 500 * time.Millisecond

// State describes what the last poll saw for one log.
type State int

const (
	// Unread: no bytes beyond the stored offset.
	Unread State = iota
	// HasNewData: growth was seen but not fully consumed.
	HasNewData
	// Drained: every complete record seen was consumed.
	Drained
)

func (s State) String() string {
	switch s {
	case Unread:
		return "unread"
	case HasNewData:
		return "has-new-data"
	case Drained:
		return "drained"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sink receives parsed records. Submit is called from the polling goroutine,
// once per record, in file order.
type Sink interface {
	Submit(rec logfile.Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(rec logfile.Record)

func (f SinkFunc) Submit(rec logfile.Record) { f(rec) }

// LogStatus is a point-in-time view of one watched log.
type LogStatus struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	State  string `json:"state"`
}

type watchedLog struct {
	path   string
	src    logfile.Source
	offset int64
	state  State
}

// Poller periodically checks every watched log for growth.
type Poller struct {
	sink     Sink
	interval time.Duration
	hint     chan struct{}

	mu       sync.Mutex
	logs     map[string]*watchedLog
	notifier *Notifier
}

func New(sink Sink, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		sink:     sink,
		interval: interval,
		hint:     make(chan struct{}, 1),
		logs:     make(map[string]*watchedLog),
	}
}

// AttachNotifier makes Watch register local logs with n so writes to them
// schedule an early poll.
func (p *Poller) AttachNotifier(n *Notifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifier = n
	for _, wl := range p.logs {
		p.notifyAdd(wl)
	}
}

// Watch starts tailing path from its current end, so only records appended
// from now on are delivered. Watching a path twice keeps the first offset.
func (p *Poller) Watch(ctx context.Context, path string, src logfile.Source) error {
	if p.Watching(path) {
		return nil
	}
	end, err := src.ByteCount(ctx)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	p.WatchFrom(path, src, end)
	return nil
}

// WatchFrom starts tailing path from offset.
func (p *Poller) WatchFrom(path string, src logfile.Source, offset int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.logs[path]; ok {
		return
	}
	if offset < 0 {
		offset = 0
	}
	wl := &watchedLog{path: path, src: src, offset: offset}
	p.logs[path] = wl
	p.notifyAdd(wl)
	log.WithFields(log.Fields{"path": path, "offset": offset}).Debug("watching log")
}

// Unwatch stops tailing path. It reports whether path was watched.
func (p *Poller) Unwatch(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	wl, ok := p.logs[path]
	if !ok {
		return false
	}
	delete(p.logs, path)
	if p.notifier != nil {
		if fs, ok := wl.src.(*logfile.FileSource); ok {
			p.notifier.Remove(fs.Path())
		}
	}
	log.WithField("path", path).Debug("unwatched log")
	return true
}

func (p *Poller) Watching(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.logs[path]
	return ok
}

// notifyAdd must be called with p.mu held.
func (p *Poller) notifyAdd(wl *watchedLog) {
	if p.notifier == nil {
		return
	}
	fs, ok := wl.src.(*logfile.FileSource)
	if !ok {
		return
	}
	if err := p.notifier.Add(fs.Path()); err != nil {
		log.WithFields(log.Fields{"path": wl.path}).Debugf("no change notifications: %v", err)
	}
}

// Hint schedules a poll before the next tick. It never blocks.
func (p *Poller) Hint() {
	select {
	case p.hint <- struct{}{}:
	default:
	}
}

// Snapshot returns the status of every watched log sorted by path.
func (p *Poller) Snapshot() []LogStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]LogStatus, 0, len(p.logs))
	for _, wl := range p.logs {
		out = append(out, LogStatus{Path: wl.path, Offset: wl.offset, State: wl.state.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.hint:
		}
		p.PollOnce(ctx)
	}
}

// PollOnce runs a single poll cycle over every watched log.
func (p *Poller) PollOnce(ctx context.Context) {
	p.mu.Lock()
	logs := make([]*watchedLog, 0, len(p.logs))
	for _, wl := range p.logs {
		logs = append(logs, wl)
	}
	p.mu.Unlock()
	sort.Slice(logs, func(i, j int) bool { return logs[i].path < logs[j].path })

	for _, wl := range logs {
		if ctx.Err() != nil {
			return
		}
		p.poll(ctx, wl)
	}
}

func (p *Poller) poll(ctx context.Context, wl *watchedLog) {
	logger := log.WithField("path", wl.path)

	size, err := wl.src.ByteCount(ctx)
	if err != nil {
		logger.Warnf("skipping log this cycle: %v", err)
		return
	}

	p.mu.Lock()
	offset := wl.offset
	p.mu.Unlock()

	if size < offset {
		logger.Warnf("log shrank from %d to %d bytes, rereading from start", offset, size)
		offset = 0
		p.setProgress(wl, 0, HasNewData)
	}
	if size == offset {
		p.mu.Lock()
		if wl.state == Drained {
			wl.state = Unread
		}
		p.mu.Unlock()
		return
	}
	p.setProgress(wl, offset, HasNewData)

	for offset < size && ctx.Err() == nil {
		data, err := wl.src.ReadFrom(ctx, offset)
		if err != nil {
			logger.Warnf("read failed at offset %d, retrying next cycle: %v", offset, err)
			return
		}
		if len(data) == 0 {
			break
		}

		consumed := p.consume(wl.path, data)
		if consumed == 0 {
			if len(data) < logfile.MaxRecordSize {
				// partial trailing line
				return
			}
			logger.Warnf("dropping %d bytes without a line break at offset %d", len(data), offset)
			consumed = len(data)
		}
		offset += int64(consumed)
		p.setProgress(wl, offset, HasNewData)
	}

	if offset >= size {
		p.setProgress(wl, offset, Drained)
	}
}

// consume submits every complete line in data and returns how many bytes
// those lines span.
func (p *Poller) consume(source string, data []byte) int {
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return 0
	}
	complete := data[:end+1]

	for len(complete) > 0 {
		i := bytes.IndexByte(complete, '\n')
		line := complete[:i]
		complete = complete[i+1:]

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		rec, err := logfile.ParseRecord(source, string(line))
		if err != nil {
			log.WithField("path", source).Warnf("skipping record: %v", err)
			continue
		}
		p.sink.Submit(rec)
	}
	return end + 1
}

func (p *Poller) setProgress(wl *watchedLog, offset int64, state State) {
	p.mu.Lock()
	wl.offset = offset
	wl.state = state
	p.mu.Unlock()
}
