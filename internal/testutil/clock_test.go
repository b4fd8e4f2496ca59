package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_StartsAtEpoch(t *testing.T) {
	c := NewClock()
	assert.Equal(t, Epoch, c.Now())
}

func TestClock_OnlyMovesWhenAdvanced(t *testing.T) {
	c := NewClock()
	first := c.Now()
	assert.Equal(t, first, c.Now())

	got := c.Advance(90 * time.Second)
	assert.Equal(t, first.Add(90*time.Second), got)
	assert.Equal(t, got, c.Now())
}

func TestClock_SetBackwards(t *testing.T) {
	c := NewClock()
	earlier := Epoch.Add(-time.Hour)
	c.Set(earlier)
	assert.Equal(t, earlier, c.Now())
}

func TestClock_ThreadSafe(t *testing.T) {
	c := NewClock()
	const goroutines = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
			_ = c.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(goroutines*time.Second), c.Now())
}
