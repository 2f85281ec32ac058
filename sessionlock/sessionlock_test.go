package sessionlock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockSerializesAccessForSameSession(t *testing.T) {
	m := New()
	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("s1")
			defer unlock()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			time.Sleep(time.Millisecond)
		}()
	}
	wg.Wait()
	assert.Len(t, order, 5)
}

func TestLockEvictsEntryOnceUnused(t *testing.T) {
	m := New()
	unlock := m.Lock("s1")
	assert.Equal(t, 1, m.Len())
	unlock()
	assert.Equal(t, 0, m.Len())
}

func TestLockDoesNotSerializeDifferentSessions(t *testing.T) {
	m := New()
	unlockA := m.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := m.Lock("b")
		defer unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock for a different session blocked unexpectedly")
	}
}
