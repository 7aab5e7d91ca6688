package db

import (
	"context"
	"sync"
)

// Serializer runs submitted functions one at a time in submission order.
//
// Each call links itself to the tail of a chain of completion channels and
// waits for its predecessor to settle before running. A call settles when its
// function returns, fails, or panics, so one failure never blocks the calls
// queued behind it.
//
// A context cancelled while the call is still queued makes Do return
// ctx.Err() without running fn. The call keeps its place in the chain until
// its predecessor settles, so later calls never overtake earlier ones.
type Serializer struct {
	mu   sync.Mutex
	tail chan struct{}
}

// Do runs fn after every previously submitted call has settled.
func (s *Serializer) Do(ctx context.Context, fn func() error) error {
	done := make(chan struct{})

	s.mu.Lock()
	prev := s.tail
	s.tail = done
	s.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				close(done)
			}()
			return ctx.Err()
		}
	}
	defer close(done)

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

// Idle blocks until every call submitted before Idle has settled.
func (s *Serializer) Idle(ctx context.Context) error {
	return s.Do(ctx, func() error { return nil })
}
