// Package bus provides the single-producer/single-consumer queues that carry
// snapshots from the broker client to the strategy. Consumers only ever care
// about the freshest value, so each queue is a capacity-one mailbox that
// conflates: publishing over an unconsumed value replaces it. A slow consumer
// therefore always wakes up to the latest state and never to a backlog of
// stale snapshots.
package bus

// Latest is a conflating mailbox for values of type T.
type Latest[T any] struct {
	ch chan T
}

// NewLatest creates an empty mailbox.
func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{ch: make(chan T, 1)}
}

// Publish stores v, replacing any value not yet consumed. Never blocks the
// producer for longer than one drain attempt per race with the consumer.
func (l *Latest[T]) Publish(v T) {
	for {
		select {
		case l.ch <- v:
			return
		default:
		}
		// Mailbox full: drop the stale value and try again. The inner
		// default covers the consumer winning the race to receive it.
		select {
		case <-l.ch:
		default:
		}
	}
}

// Updates returns the channel consumers select on. Each receive yields the
// newest published value at the time of delivery.
func (l *Latest[T]) Updates() <-chan T {
	return l.ch
}
