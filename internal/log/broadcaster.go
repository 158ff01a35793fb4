package log

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	historySize     = 256
	subscriberQueue = 256
)

// LineFilter selects text-handler log lines by level and by key=value
// fields, for example rule=household-notice-text or flow.host=example.com.
// The zero value accepts every line.
type LineFilter struct {
	MinLevel slog.Level
	Fields   map[string]string
}

// Match reports whether line passes the filter. Lines without a parsable
// level are kept unless a level floor above debug is set.
func (f LineFilter) Match(line []byte) bool {
	if f.MinLevel > slog.LevelDebug {
		var lvl slog.Level
		v, ok := fieldValue(line, "level")
		if !ok || lvl.UnmarshalText(v) != nil || lvl < f.MinLevel {
			return false
		}
	}
	for k, want := range f.Fields {
		v, ok := fieldValue(line, k)
		if !ok || string(v) != want {
			return false
		}
	}
	return true
}

// fieldValue returns the raw value token of key in a slog text line.
// Quoted values are not unquoted.
func fieldValue(line []byte, key string) ([]byte, bool) {
	needle := []byte(key + "=")
	for off := 0; off < len(line); {
		i := bytes.Index(line[off:], needle)
		if i < 0 {
			return nil, false
		}
		i += off
		if i > 0 && line[i-1] != ' ' {
			off = i + len(needle)
			continue
		}
		v := line[i+len(needle):]
		if end := bytes.IndexAny(v, " \n"); end >= 0 {
			v = v[:end]
		}
		return v, true
	}
	return nil, false
}

// Subscription receives the log lines that pass its filter.
type Subscription struct {
	C      <-chan []byte
	ch     chan []byte
	filter LineFilter
}

// Broadcaster is the io.Writer behind the /logs stream. Each Write is one
// log line: it is kept in a short history and copied to every matching
// subscriber. A subscriber whose queue is full misses the line; the logger
// is never blocked.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	history     [][]byte
	next        int
	dropped     atomic.Uint64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[*Subscription]struct{}),
		history:     make([][]byte, 0, historySize),
	}
}

func (b *Broadcaster) Write(p []byte) (int, error) {
	line := append([]byte(nil), p...)

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.history) < historySize {
		b.history = append(b.history, line)
	} else {
		b.history[b.next] = line
		b.next = (b.next + 1) % historySize
	}

	for sub := range b.subscribers {
		if !sub.filter.Match(line) {
			continue
		}
		select {
		case sub.ch <- line:
		default:
			b.dropped.Add(1)
		}
	}
	return len(p), nil
}

// Subscribe registers a subscription. Up to tail matching lines from the
// history are queued first, oldest first. The caller must Unsubscribe it.
func (b *Broadcaster) Subscribe(filter LineFilter, tail int) *Subscription {
	ch := make(chan []byte, subscriberQueue)
	sub := &Subscription{C: ch, ch: ch, filter: filter}

	b.mu.Lock()
	defer b.mu.Unlock()

	if tail > 0 {
		var backlog [][]byte
		for i := len(b.history) - 1; i >= 0 && len(backlog) < min(tail, subscriberQueue); i-- {
			line := b.history[(b.next+i)%len(b.history)]
			if filter.Match(line) {
				backlog = append(backlog, line)
			}
		}
		for i := len(backlog) - 1; i >= 0; i-- {
			ch <- backlog[i]
		}
	}
	b.subscribers[sub] = struct{}{}
	return sub
}

func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped counts lines skipped because a subscriber was too slow.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

var _ io.Writer = (*Broadcaster)(nil)
