package keyqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitKeepsOrderPerKey(t *testing.T) {
	q := New()
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		q.Submit("chat-1", func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestKeysDoNotBlockEachOther(t *testing.T) {
	q := New()
	release := make(chan struct{})
	done := make(chan struct{})

	q.Submit("slow", func() { <-release })
	q.Submit("fast", func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fast key waited for slow key")
	}
	close(release)
	assert.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
}
