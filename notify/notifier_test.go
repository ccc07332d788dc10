package notify

import (
	"sync"
	"testing"
	"time"
)

func TestHub_SubscribeAndSignal(t *testing.T) {
	hub := NewHub()
	signals, cancel := hub.Subscribe(Filter{})
	defer cancel()

	hub.Signal("app", 7)

	select {
	case sig := <-signals:
		if sig.Database != "app" || sig.Seq != 7 {
			t.Errorf("expected (app, 7), got (%s, %d)", sig.Database, sig.Seq)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}
}

func TestHub_FilterByDatabase(t *testing.T) {
	hub := NewHub()
	signals, cancel := hub.Subscribe(Filter{Databases: []string{"app"}})
	defer cancel()

	hub.Signal("other", 1)
	hub.Signal("app", 2)

	select {
	case sig := <-signals:
		if sig.Database != "app" {
			t.Errorf("expected app signal, got %s", sig.Database)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}

	select {
	case sig := <-signals:
		t.Errorf("unexpected signal %+v", sig)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_SignalNeverBlocks(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe(Filter{})
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultSignalBufferSize*4; i++ {
			hub.Signal("app", uint64(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Signal blocked on a full subscriber")
	}
}

func TestHub_CancelIsIdempotent(t *testing.T) {
	hub := NewHub()
	signals, cancel := hub.Subscribe(Filter{})

	cancel()
	cancel()

	if _, ok := <-signals; ok {
		t.Error("channel should be closed after cancel")
	}
	if n := hub.Subscribers(); n != 0 {
		t.Errorf("expected no subscribers, got %d", n)
	}
}

func TestHub_ConcurrentSubscribeSignal(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancel := hub.Subscribe(Filter{})
			cancel()
		}()
		go func(i int) {
			defer wg.Done()
			hub.Signal("app", uint64(i))
		}(i)
	}
	wg.Wait()
}
