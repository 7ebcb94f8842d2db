package bus

import (
	"testing"
	"time"
)

func TestLatestDeliversValue(t *testing.T) {
	t.Parallel()

	l := NewLatest[int]()
	l.Publish(7)

	select {
	case v := <-l.Updates():
		if v != 7 {
			t.Errorf("got %d, want 7", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no value delivered")
	}
}

func TestLatestConflatesToNewest(t *testing.T) {
	t.Parallel()

	l := NewLatest[int]()
	for i := 1; i <= 100; i++ {
		l.Publish(i)
	}

	select {
	case v := <-l.Updates():
		if v != 100 {
			t.Errorf("got %d, want newest value 100", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no value delivered")
	}

	// Nothing stale left behind.
	select {
	case v := <-l.Updates():
		t.Errorf("unexpected residual value %d", v)
	default:
	}
}

func TestLatestNoStaleResidueAcrossBursts(t *testing.T) {
	t.Parallel()

	// A reconnecting feed publishes a burst, the consumer reads one value,
	// then a fresh burst arrives: the consumer must see only post-burst state.
	l := NewLatest[string]()
	l.Publish("pre-1")
	l.Publish("pre-2")
	<-l.Updates()

	l.Publish("post-1")
	l.Publish("post-2")

	select {
	case v := <-l.Updates():
		if v != "post-2" {
			t.Errorf("got %q, want %q", v, "post-2")
		}
	case <-time.After(time.Second):
		t.Fatal("no value delivered")
	}
}

func TestLatestProducerNeverBlocks(t *testing.T) {
	t.Parallel()

	l := NewLatest[int]()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			l.Publish(i)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked with no consumer")
	}
}
