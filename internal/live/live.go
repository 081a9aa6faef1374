// Package live turns a store collection plus a filter into a stream of
// whole-set snapshots. Each snapshot replaces the previous one.
package live

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"reliefline/internal/store"
)

// Hub wakes subscriptions when a collection changes. In-process commits
// arrive through the store's commit hook; writers in other processes are
// noticed by polling the change-log head.
type Hub struct {
	Store    store.Store
	Interval time.Duration
	Log      *zap.Logger

	mu   sync.Mutex
	wake map[string]chan struct{}
}

func NewHub(s store.Store, interval time.Duration, log *zap.Logger) *Hub {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{Store: s, Interval: interval, Log: log, wake: map[string]chan struct{}{}}
	s.OnCommit(h.Poke)
	return h
}

// Poke wakes every subscription on collection.
func (h *Hub) Poke(collection string, seq int64) {
	h.mu.Lock()
	ch, ok := h.wake[collection]
	if ok {
		delete(h.wake, collection)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (h *Hub) waiter(collection string) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.wake[collection]
	if !ok {
		ch = make(chan struct{})
		h.wake[collection] = ch
	}
	return ch
}

// Snapshot is the entire matching set as of change sequence Seq, ordered by
// creation time then id.
type Snapshot[T any] struct {
	Seq   int64
	Items []T
}

// Subscription delivers snapshots on C until closed. C holds at most one
// pending snapshot; a slow reader only sees the latest.
type Subscription[T any] struct {
	C <-chan Snapshot[T]

	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops the subscription. When it returns no further snapshot will be
// received and C is closed.
func (s *Subscription[T]) Close() {
	s.cancel()
	<-s.done
}

// Done is closed once the subscription has stopped.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Subscribe queries the current set synchronously, so the first snapshot is
// ready on C when it returns, then keeps C updated until ctx ends or Close.
func Subscribe[T any](ctx context.Context, h *Hub, collection string, f store.Filter, decode func(store.Document) (T, error)) (*Subscription[T], error) {
	wake := h.waiter(collection)
	snap, err := h.Store.Query(ctx, collection, f)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Snapshot[T], 1)
	sub := &Subscription[T]{C: out, cancel: cancel, done: make(chan struct{})}
	w := &watcher[T]{hub: h, collection: collection, filter: f, decode: decode, out: out,
		log: h.Log.With(zap.String("collection", collection))}
	w.publish(snap)
	go func() {
		defer close(sub.done)
		defer close(out)
		w.run(ctx, wake)
		select {
		case <-out:
		default:
		}
	}()
	return sub, nil
}

type watcher[T any] struct {
	hub        *Hub
	collection string
	filter     store.Filter
	decode     func(store.Document) (T, error)
	out        chan Snapshot[T]
	log        *zap.Logger

	seq         int64
	head        store.Head
	fingerprint string
	delivered   bool
}

func (w *watcher[T]) run(ctx context.Context, wake <-chan struct{}) {
	ticker := time.NewTicker(w.hub.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
			head, err := w.hub.Store.Head(ctx, w.collection)
			if err != nil {
				if ctx.Err() == nil {
					w.log.Warn("poll change log head", zap.Error(err))
				}
				continue
			}
			if head == w.head {
				continue
			}
		}
		// Register for the next commit before reading, so one landing mid-query still wakes us.
		wake = w.hub.waiter(w.collection)
		snap, err := w.hub.Store.Query(ctx, w.collection, w.filter)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn("refresh snapshot", zap.Error(err))
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		w.publish(snap)
	}
}

func (w *watcher[T]) publish(snap store.Snapshot) {
	if w.delivered && snap.Seq < w.seq {
		return
	}
	w.head = snap.Head
	fp := fingerprint(snap.Docs)
	if w.delivered && fp == w.fingerprint {
		w.seq = snap.Seq
		return
	}
	items := make([]T, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		v, err := w.decode(d)
		if err != nil {
			w.log.Warn("skipping invalid document", zap.String("doc_id", d.ID), zap.Error(err))
			continue
		}
		items = append(items, v)
	}
	w.seq, w.fingerprint, w.delivered = snap.Seq, fp, true
	next := Snapshot[T]{Seq: snap.Seq, Items: items}
	// Only this goroutine sends, so after draining the stale value the send cannot block.
	select {
	case w.out <- next:
	default:
		select {
		case <-w.out:
		default:
		}
		w.out <- next
	}
	w.log.Debug("snapshot published", zap.Int64("seq", snap.Seq), zap.Int("items", len(items)))
}

func fingerprint(docs []store.Document) string {
	var b strings.Builder
	for _, d := range docs {
		b.WriteString(d.ID)
		b.WriteByte('@')
		b.WriteString(strconv.FormatInt(d.Version, 10))
		b.WriteByte(';')
	}
	return b.String()
}
