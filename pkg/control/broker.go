package control

import "sync"

// Broker fans messages out to subscribers. Slow subscribers miss messages
// instead of blocking the publisher.
type Broker[T any] struct {
	stopC      chan struct{}
	broadcastC chan T
	subC       chan chan T
	unsubC     chan chan T
	stopOnce   sync.Once
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		stopC:      make(chan struct{}),
		broadcastC: make(chan T, 1),
		subC:       make(chan chan T, 1),
		unsubC:     make(chan chan T, 1),
	}
}

func (b *Broker[T]) Start() {
	subs := map[chan T]bool{}
	for {
		select {
		case <-b.stopC:
			for c := range subs {
				close(c)
			}
			b.drainPending()
			return
		case newC := <-b.subC:
			subs[newC] = true
		case oldC := <-b.unsubC:
			if subs[oldC] {
				delete(subs, oldC)
				close(oldC)
			}
		case msg := <-b.broadcastC:
			for subbedC := range subs {
				// non-blocking broadcast
				select {
				case subbedC <- msg:
				default:
				}
			}
		}
	}
}

func (b *Broker[T]) drainPending() {
	for {
		select {
		case c := <-b.subC:
			close(c)
		default:
			return
		}
	}
}

func (b *Broker[T]) Stop() {
	b.stopOnce.Do(func() { close(b.stopC) })
}

// Subscribe returns nil once the broker is stopped.
func (b *Broker[T]) Subscribe() chan T {
	select {
	case <-b.stopC:
		return nil
	default:
	}
	newC := make(chan T, 5)
	select {
	case b.subC <- newC:
		return newC
	case <-b.stopC:
		return nil
	}
}

func (b *Broker[T]) Unsubscribe(oldC chan T) {
	select {
	case b.unsubC <- oldC:
	case <-b.stopC:
	}
}

func (b *Broker[T]) Broadcast(msg T) {
	select {
	case b.broadcastC <- msg:
	case <-b.stopC:
	}
}
