package auth

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careportal/internal/domain"
)

func TestBroadcasterDeliversInOrder(t *testing.T) {
	b := NewBroadcaster()

	var mu sync.Mutex
	var seqs []uint64
	sub := b.Subscribe(func(ev domain.AuthEvent) {
		// A slow handler must not reorder or block later events
		time.Sleep(time.Millisecond)
		mu.Lock()
		seqs = append(seqs, ev.Seq)
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	for i := 0; i < 20; i++ {
		b.Emit(domain.EventTokenRefreshed, nil)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == 20
	}, 2*time.Second, 5*time.Millisecond)

	for i, seq := range seqs {
		assert.Equal(t, uint64(i+1), seq)
	}
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	var mu sync.Mutex
	received := 0
	sub := b.Subscribe(func(domain.AuthEvent) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	b.Emit(domain.EventSignedIn, nil)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received == 1
	}, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	sub.Unsubscribe()
	b.Emit(domain.EventSignedOut, nil)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, received)
	mu.Unlock()
}

func TestBroadcasterSubscribersOnlySeeLaterEvents(t *testing.T) {
	b := NewBroadcaster()
	first := b.Emit(domain.EventSignedIn, nil)
	assert.Equal(t, uint64(1), first.Seq)

	got := make(chan domain.AuthEvent, 4)
	sub := b.Subscribe(func(ev domain.AuthEvent) { got <- ev })
	defer sub.Unsubscribe()

	b.Emit(domain.EventSignedOut, nil)

	select {
	case ev := <-got:
		assert.Equal(t, domain.EventSignedOut, ev.Type)
		assert.Equal(t, uint64(2), ev.Seq)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
