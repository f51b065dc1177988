package rstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcherPairsInFIFOOrder(t *testing.T) {
	m := newStreamMatcher[int, string]()

	m.pushLocal(1, 10)
	m.pushLocal(1, 11)

	// Nothing to match until the remote side shows up.
	_, _, _, ok := m.popMatched()
	assert.False(t, ok)

	m.pushRemote(1, "a")
	m.pushRemote(1, "b")

	stream, local, remote, ok := m.popMatched()
	require.True(t, ok)
	assert.Equal(t, uint32(1), stream)
	assert.Equal(t, 10, local)
	assert.Equal(t, "a", remote)

	stream, local, remote, ok = m.popMatched()
	require.True(t, ok)
	assert.Equal(t, uint32(1), stream)
	assert.Equal(t, 11, local)
	assert.Equal(t, "b", remote)

	_, _, _, ok = m.popMatched()
	assert.False(t, ok)
}

func TestMatcherStreamsAreIndependent(t *testing.T) {
	m := newStreamMatcher[int, int]()

	// Stream 0 has only local entries; stream 1 has both.
	m.pushLocal(0, 100)
	m.pushLocal(0, 101)
	m.pushLocal(1, 200)
	m.pushRemote(1, 900)

	stream, local, remote, ok := m.popMatched()
	require.True(t, ok)
	assert.Equal(t, uint32(1), stream)
	assert.Equal(t, 200, local)
	assert.Equal(t, 900, remote)

	// Stream 0 still cannot match.
	_, _, _, ok = m.popMatched()
	assert.False(t, ok)

	// Remote entries for stream 0 unlock its queued locals in order.
	m.pushRemote(0, 800)
	m.pushRemote(0, 801)

	_, local, remote, ok = m.popMatched()
	require.True(t, ok)
	assert.Equal(t, 100, local)
	assert.Equal(t, 800, remote)
	_, local, remote, ok = m.popMatched()
	require.True(t, ok)
	assert.Equal(t, 101, local)
	assert.Equal(t, 801, remote)
}

func TestMatcherRemoteBeforeLocal(t *testing.T) {
	m := newStreamMatcher[string, string]()

	m.pushRemote(5, "remote")
	_, _, _, ok := m.popMatched()
	assert.False(t, ok)

	m.pushLocal(5, "local")
	stream, local, remote, ok := m.popMatched()
	require.True(t, ok)
	assert.Equal(t, uint32(5), stream)
	assert.Equal(t, "local", local)
	assert.Equal(t, "remote", remote)
}

func TestMatcherDrainLocal(t *testing.T) {
	m := newStreamMatcher[int, int]()
	m.pushLocal(0, 1)
	m.pushLocal(0, 2)
	m.pushLocal(9, 3)

	var drained []int
	m.drainLocal(func(v int) { drained = append(drained, v) })
	assert.ElementsMatch(t, []int{1, 2, 3}, drained)

	m.pushRemote(0, 100)
	_, _, _, ok := m.popMatched()
	assert.False(t, ok)
}

func TestFIFOReuse(t *testing.T) {
	var f fifo[int]
	for round := 0; round < 3; round++ {
		for i := 0; i < 10; i++ {
			f.push(i)
		}
		assert.Equal(t, 10, f.len())
		for i := 0; i < 10; i++ {
			v, ok := f.pop()
			require.True(t, ok)
			assert.Equal(t, i, v)
		}
		assert.True(t, f.empty())
	}
}
