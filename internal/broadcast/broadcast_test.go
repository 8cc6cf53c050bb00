package broadcast

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mr1hm/go-fire-dispatch/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func run(id string) *models.DispatchRun {
	return &models.DispatchRun{ID: id, Status: models.RunSucceeded}
}

func TestBroadcaster_SubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster(0)

	id, ch := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Errorf("expected 1 subscriber, got %d", b.SubscriberCount())
	}

	b.Unsubscribe(id)
	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed")
		}
	default:
		t.Error("channel should be closed and readable")
	}

	// second unsubscribe is a no-op
	b.Unsubscribe(id)
}

func TestBroadcaster_Broadcast(t *testing.T) {
	b := NewBroadcaster(0)

	id1, ch1 := b.Subscribe()
	defer b.Unsubscribe(id1)
	id2, ch2 := b.Subscribe()
	defer b.Unsubscribe(id2)

	b.Broadcast(run("run-1"))

	for i, ch := range []<-chan *models.DispatchRun{ch1, ch2} {
		select {
		case received := <-ch:
			if received.ID != "run-1" {
				t.Errorf("subscriber %d: expected run-1, got %s", i, received.ID)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("subscriber %d: timeout waiting for broadcast", i)
		}
	}
}

func TestBroadcaster_ConcurrentSubscribeBroadcast(t *testing.T) {
	b := NewBroadcaster(0)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, ch := b.Subscribe()
			// Drain channel to prevent blocking
			go func() {
				for range ch {
				}
			}()
			time.Sleep(5 * time.Millisecond)
			b.Unsubscribe(id)
		}()
	}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.Broadcast(run("run-" + strconv.Itoa(n)))
		}(i)
	}

	wg.Wait()

	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(0)

	var channels []<-chan *models.DispatchRun
	for i := 0; i < 5; i++ {
		_, ch := b.Subscribe()
		channels = append(channels, ch)
	}

	b.Close()

	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after close, got %d", b.SubscriberCount())
	}
	for i, ch := range channels {
		select {
		case _, ok := <-ch:
			if ok {
				t.Errorf("channel %d should be closed", i)
			}
		default:
			t.Errorf("channel %d should be closed and readable", i)
		}
	}

	// late subscribers get a closed channel instead of hanging
	_, late := b.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribe after close should return a closed channel")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("expected no subscribers after close, got %d", b.SubscriberCount())
	}
}

func TestBroadcaster_SlowSubscriber(t *testing.T) {
	b := NewBroadcaster(4)

	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	// Fill the buffer and overflow by two
	for i := 0; i < 6; i++ {
		b.Broadcast(run("run-" + strconv.Itoa(i)))
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			goto done
		}
	}
done:

	if count != 4 {
		t.Errorf("expected 4 buffered runs, got %d", count)
	}
	if b.Dropped() != 2 {
		t.Errorf("expected 2 dropped deliveries, got %d", b.Dropped())
	}
}
