package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnboundedFIFO(t *testing.T) {
	q := New[int]()

	_, ok := q.TryPop()
	assert.False(t, ok)

	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	assert.Equal(t, 100, q.Len())

	for i := 0; i < 100; i++ {
		v, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok = q.TryPop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestUnboundedInterleaved(t *testing.T) {
	q := New[string]()
	q.Push("a")
	q.Push("b")

	v, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "a", v)

	q.Push("c")

	v, ok = q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "b", v)
	v, ok = q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "c", v)
}

func TestUnboundedConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 1000

	q := New[int]()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(p*perProducer + i)
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[int]bool, producers*perProducer)
	lastPerProducer := make(map[int]int)
	for {
		v, ok := q.TryPop()
		if !ok {
			break
		}
		require.False(t, seen[v], "duplicate value %d", v)
		seen[v] = true

		// Per-producer order is preserved even when producers
		// interleave.
		p := v / perProducer
		if last, ok := lastPerProducer[p]; ok {
			assert.Greater(t, v, last)
		}
		lastPerProducer[p] = v
	}
	assert.Len(t, seen, producers*perProducer)
}
