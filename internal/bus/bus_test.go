package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"occusense/occupancy/internal/model"
)

func rd(spaceID string, seq int) model.OccupancyReading {
	return model.OccupancyReading{
		SpaceID:       spaceID,
		Timestamp:     time.Unix(int64(seq), 0),
		OccupantCount: seq,
		Capacity:      100,
	}
}

func TestPerSpaceOrderPreservedPerSubscriber(t *testing.T) {
	b := New(64, nil, nil)
	defer b.Close()

	var mu sync.Mutex
	got := map[string][]int{}
	done := make(chan struct{}, 1)
	b.Subscribe("order", func(r model.OccupancyReading) error {
		mu.Lock()
		got[r.SpaceID] = append(got[r.SpaceID], r.OccupantCount)
		total := len(got["A"]) + len(got["B"])
		mu.Unlock()
		if total == 20 {
			done <- struct{}{}
		}
		return nil
	})

	for i := 0; i < 10; i++ {
		b.Publish(rd("A", i))
		b.Publish(rd("B", i))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never saw all events")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, space := range []string{"A", "B"} {
		require.Len(t, got[space], 10)
		for i, v := range got[space] {
			assert.Equal(t, i, v, "space %s out of order", space)
		}
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(1, nil, nil)
	defer b.Close()

	block := make(chan struct{})
	b.Subscribe("slow", func(model.OccupancyReading) error {
		<-block
		return nil
	})

	fastCount := make(chan int, 100)
	var n int
	b.Subscribe("fast", func(model.OccupancyReading) error {
		n++
		fastCount <- n
		return nil
	})

	// The slow subscriber's queue (depth 1) fills immediately; publishes
	// keep flowing to the fast one without blocking.
	for i := 0; i < 20; i++ {
		b.Publish(rd("A", i))
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-fastCount:
			if c == 20 {
				close(block)
				return
			}
		case <-deadline:
			t.Fatalf("fast subscriber starved; saw %d of 20", n)
		}
	}
}

func TestHandlerErrorIsIsolated(t *testing.T) {
	b := New(16, nil, nil)
	defer b.Close()

	b.Subscribe("failing", func(model.OccupancyReading) error {
		return assert.AnError
	})

	ok := make(chan struct{}, 4)
	b.Subscribe("healthy", func(model.OccupancyReading) error {
		ok <- struct{}{}
		return nil
	})

	b.Publish(rd("A", 1))

	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("healthy subscriber missed the event")
	}
}

func TestSubscribersEnumerable(t *testing.T) {
	b := New(4, nil, nil)
	defer b.Close()

	b.Subscribe("cache", func(model.OccupancyReading) error { return nil })
	b.Subscribe("persistence", func(model.OccupancyReading) error { return nil })
	b.Subscribe("fanout", func(model.OccupancyReading) error { return nil })

	assert.Equal(t, []string{"cache", "fanout", "persistence"}, b.Subscribers())

	b.Unsubscribe("cache")
	assert.Equal(t, []string{"fanout", "persistence"}, b.Subscribers())
}

func TestCloseDrainsQueues(t *testing.T) {
	b := New(64, nil, nil)

	var mu sync.Mutex
	seen := 0
	b.Subscribe("drain", func(model.OccupancyReading) error {
		mu.Lock()
		seen++
		mu.Unlock()
		return nil
	})

	for i := 0; i < 30; i++ {
		b.Publish(rd("A", i))
	}
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 30, seen, "close must drain queued events")
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	b := New(4, nil, nil)
	b.Subscribe("x", func(model.OccupancyReading) error { return nil })
	b.Close()
	b.Publish(rd("A", 1)) // must not panic
}
