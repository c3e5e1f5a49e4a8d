// Package bus is a keyed in-process publish/subscribe bus.
package bus

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

type key interface {
	comparable
}

type message interface {
	any
}

type Message[K key, M message] struct {
	Key     K
	Message M
}

type Publisher[M message] func(ctx context.Context, msg M)

// Bus delivers every published message to the global subscribers and to the
// subscribers of its key, in publish order. Delivery runs on a single worker:
// a subscriber that does not keep up blocks the bus once its buffer is full.
type Bus[K key, M message] struct {
	log        *zap.Logger
	bufferSize int

	ch         chan Message[K, M]
	keySubs    *xsync.MapOf[K, map[*subscription[K, M]]struct{}]
	globalSubs *xsync.MapOf[*subscription[K, M], struct{}]
}

type Option func(*options)

type options struct {
	bufferSize int
}

// WithSubscriberBuffer sets the channel buffer of each subscription.
func WithSubscriberBuffer(n int) Option {
	return func(o *options) {
		o.bufferSize = n
	}
}

// subscription is closed by its own cancellation only. The worker sends under
// the read lock and the channel is closed under the write lock.
type subscription[K key, M message] struct {
	ch     chan Message[K, M]
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

func (s *subscription[K, M]) close() {
	close(s.done)
	s.mu.Lock()
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
}

func NewBus[K key, M message](logger *zap.Logger, opts ...Option) *Bus[K, M] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Bus[K, M]{
		log:        logger,
		bufferSize: o.bufferSize,

		ch:         make(chan Message[K, M]),
		keySubs:    xsync.NewMapOf[K, map[*subscription[K, M]]struct{}](),
		globalSubs: xsync.NewMapOf[*subscription[K, M], struct{}](),
	}
}

func (b *Bus[K, M]) Start(ctx context.Context) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-b.ch:
				b.process(ctx, msg)
			}
		}
	}()
	return nil
}

func (b *Bus[K, M]) Publish(ctx context.Context, key K, msg M) {
	select {
	case <-ctx.Done():
		return
	case b.ch <- Message[K, M]{key, msg}:
	}
}

func (b *Bus[K, M]) CreatePublisher(key K) Publisher[M] {
	return func(ctx context.Context, msg M) {
		b.Publish(ctx, key, msg)
	}
}

func (b *Bus[K, M]) process(ctx context.Context, msg Message[K, M]) {
	b.globalSubs.Range(func(sub *subscription[K, M], _ struct{}) bool {
		return b.deliver(ctx, sub, msg)
	})
	subs, ok := b.keySubs.Load(msg.Key)
	if !ok {
		return
	}
	for sub := range subs {
		if !b.deliver(ctx, sub, msg) {
			return
		}
	}
}

// deliver returns false when the bus itself is stopping.
func (b *Bus[K, M]) deliver(ctx context.Context, sub *subscription[K, M], msg Message[K, M]) bool {
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	if sub.closed {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-sub.done:
		b.log.Debug("dropped message for closed subscriber")
	case sub.ch <- msg:
	}
	return true
}

// Subscribe returns a channel receiving the messages published under any of
// the keys, or all messages when no key is given. The channel is closed when
// ctx is done.
func (b *Bus[K, M]) Subscribe(ctx context.Context, key ...K) <-chan Message[K, M] {
	sub := &subscription[K, M]{
		ch:   make(chan Message[K, M], b.bufferSize),
		done: make(chan struct{}),
	}
	if len(key) == 0 {
		b.globalSubs.Store(sub, struct{}{})
		go func() {
			<-ctx.Done()
			b.globalSubs.Delete(sub)
			sub.close()
		}()
		return sub.ch
	}
	for _, k := range key {
		b.keySubs.Compute(k, func(val map[*subscription[K, M]]struct{}, ok bool) (map[*subscription[K, M]]struct{}, bool) {
			next := make(map[*subscription[K, M]]struct{}, len(val)+1)
			for s := range val {
				next[s] = struct{}{}
			}
			next[sub] = struct{}{}
			return next, false
		})
	}
	go func() {
		<-ctx.Done()
		for _, k := range key {
			b.keySubs.Compute(k, func(val map[*subscription[K, M]]struct{}, ok bool) (map[*subscription[K, M]]struct{}, bool) {
				next := make(map[*subscription[K, M]]struct{}, len(val))
				for s := range val {
					if s != sub {
						next[s] = struct{}{}
					}
				}
				return next, len(next) == 0
			})
		}
		sub.close()
	}()
	return sub.ch
}
