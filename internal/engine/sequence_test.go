package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequence_StartsAtOne(t *testing.T) {
	s := NewSequence()
	assert.Equal(t, int64(0), s.Last())
	assert.Equal(t, int64(1), s.Next())
	assert.Equal(t, int64(2), s.Next())
	assert.Equal(t, int64(2), s.Last())
}

func TestSequence_ConcurrentNextNeverRepeats(t *testing.T) {
	s := NewSequence()
	const workers, each = 8, 250

	var mu sync.Mutex
	seen := make(map[int64]bool, workers*each)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				n := s.Next()
				mu.Lock()
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*each)
	assert.Equal(t, int64(workers*each), s.Last())
}
