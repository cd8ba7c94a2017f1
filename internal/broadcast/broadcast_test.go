package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func received(sub *Subscription) bool {
	select {
	case <-sub.C:
		return true
	case <-time.After(time.Second):
		return false
	}
}

func drained(sub *Subscription) bool {
	select {
	case <-sub.C:
		return false
	default:
		return true
	}
}

func TestHubFanOut(t *testing.T) {
	hub := NewHub()

	a := hub.Subscribe("user-1")
	b := hub.Subscribe("user-1")
	other := hub.Subscribe("user-2")
	defer a.Close()
	defer b.Close()
	defer other.Close()

	require.NoError(t, hub.Publish(context.Background(), "user-1"))

	assert.True(t, received(a))
	assert.True(t, received(b))
	assert.True(t, drained(other))
}

func TestHubAtMostOncePending(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("k")
	defer sub.Close()

	assert.Equal(t, 1, hub.Deliver("k"))
	assert.Equal(t, 0, hub.Deliver("k"))

	assert.True(t, received(sub))
	assert.True(t, drained(sub))
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("k")
	assert.Equal(t, 1, hub.Subscribers("k"))

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, hub.Subscribers("k"))
	assert.Equal(t, 0, hub.Deliver("k"))
}

func TestHubConcurrentUse(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup

	for range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := hub.Subscribe("k")
			sub.Close()
		}()
		go func() {
			defer wg.Done()
			hub.Deliver("k")
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers("k"))
}

func TestRedisRelayAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newRelay := func() *RedisRelay {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		relay := NewRedisRelay(NewHub(), client, "oidc-rp:logout", nil, nil)
		ready := make(chan struct{})
		go func() { _ = relay.Run(ctx, ready) }()

		select {
		case <-ready:
		case <-time.After(2 * time.Second):
			t.Fatal("relay did not subscribe")
		}
		return relay
	}

	first := newRelay()
	second := newRelay()

	local := first.Subscribe("user-1")
	remote := second.Subscribe("user-1")
	defer local.Close()
	defer remote.Close()

	require.NoError(t, first.Publish(ctx, "user-1"))

	assert.True(t, received(local))
	assert.True(t, received(remote))

	// the publishing instance ignores its own echo
	time.Sleep(50 * time.Millisecond)
	assert.True(t, drained(local))
}
