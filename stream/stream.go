// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package stream provides iterator views of the property updates and events
// that flow between adapters and proxies.
package stream

import (
	"context"
	"iter"
	"sync"

	"github.com/creachadair/capmesh/envelope"
)

// A Change is a single event or property update.
type Change struct {
	Aspect string
	Value  envelope.Value
}

// A Source delivers changes to subscribers. The *handler.Proxy type
// implements this interface.
type Source interface {
	// Subscribe registers f to be called for each change, and returns a
	// function that cancels the subscription. The callback must not block.
	Subscribe(f func(aspect string, args envelope.Value)) (cancel func())
}

// Watch subscribes to src, and yields each change delivered to it in order,
// until ctx ends or the caller stops iterating. Changes are buffered without
// bound between the source and the caller, so the source is never blocked by
// a slow consumer.
func Watch(ctx context.Context, src Source) iter.Seq[Change] {
	return func(yield func(Change) bool) {
		var q queue
		q.ready = make(chan struct{}, 1)
		cancel := src.Subscribe(func(aspect string, args envelope.Value) {
			q.push(Change{Aspect: aspect, Value: args})
		})
		defer cancel()

		for {
			for _, c := range q.take() {
				if !yield(c) {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-q.ready:
			}
		}
	}
}

type queue struct {
	μ     sync.Mutex
	buf   []Change
	ready chan struct{} // signaled when buf becomes non-empty
}

func (q *queue) push(c Change) {
	q.μ.Lock()
	defer q.μ.Unlock()
	q.buf = append(q.buf, c)
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue) take() []Change {
	q.μ.Lock()
	defer q.μ.Unlock()
	out := q.buf
	q.buf = nil
	return out
}

// A Sink accepts property updates. The *handler.Adapter type implements this
// interface.
type Sink interface {
	Set(name string, v envelope.Value)
}

// Feed copies each property update yielded by seq to dst, until seq ends or
// ctx ends. It returns ctx.Err().
func Feed(ctx context.Context, dst Sink, seq iter.Seq2[string, envelope.Value]) error {
	for name, v := range seq {
		if err := ctx.Err(); err != nil {
			return err
		}
		dst.Set(name, v)
	}
	return ctx.Err()
}
