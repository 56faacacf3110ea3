package pipeline

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeenCache_AddContains(t *testing.T) {
	c := newSeenCache(10)
	assert.False(t, c.contains("eq-1"))
	c.add("eq-1")
	assert.True(t, c.contains("eq-1"))
	c.add("eq-1")
	assert.Equal(t, 1, c.size())
}

func TestSeenCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newSeenCache(2)
	c.add("a")
	c.add("b")
	c.contains("a") // a becomes most recent
	c.add("c")      // evicts b

	assert.True(t, c.contains("a"))
	assert.False(t, c.contains("b"))
	assert.True(t, c.contains("c"))
	assert.Equal(t, 2, c.size())
}

func TestSeenCache_SingleEntry(t *testing.T) {
	c := newSeenCache(0)
	c.add("a")
	c.add("b")
	assert.False(t, c.contains("a"))
	assert.True(t, c.contains("b"))
}

func TestSeenCache_Concurrent(t *testing.T) {
	c := newSeenCache(100)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 200 {
				id := fmt.Sprintf("eq-%d-%d", i, j)
				c.add(id)
				c.contains(id)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, c.size())
}
