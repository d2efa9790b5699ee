package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Unix(1700000000, 0).UTC()

func TestFakeClock_StartsAtGivenTime(t *testing.T) {
	c := NewFakeClock(epoch)
	assert.Equal(t, epoch, c.Now())
}

func TestFakeClock_AdvanceAndSet(t *testing.T) {
	c := NewFakeClock(epoch)
	c.Advance(901 * time.Second)
	assert.Equal(t, epoch.Add(901*time.Second), c.Now())

	c.Set(epoch)
	assert.Equal(t, epoch, c.Now())
}

func TestFakeClock_ThreadSafe(t *testing.T) {
	c := NewFakeClock(epoch)

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
			_ = c.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, epoch.Add(goroutines*time.Second), c.Now())
}
