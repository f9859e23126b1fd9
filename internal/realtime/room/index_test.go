package room

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndexJoinLeave(t *testing.T) {
	idx := NewIndex()

	idx.Join("u-1", "g-1")
	idx.Join("u-2", "g-1")
	idx.Join("u-1", "g-2")

	assert.ElementsMatch(t, []string{"u-1", "u-2"}, idx.Members("g-1"))
	assert.True(t, idx.Contains("u-1", "g-2"))
	assert.Equal(t, 2, idx.Rooms())

	idx.Leave("u-1", "g-1")
	assert.ElementsMatch(t, []string{"u-2"}, idx.Members("g-1"))
	assert.False(t, idx.Contains("u-1", "g-1"))
}

func TestIndexJoinIdempotent(t *testing.T) {
	idx := NewIndex()
	idx.Join("u-1", "g-1")
	idx.Join("u-1", "g-1")

	assert.Equal(t, []string{"u-1"}, idx.Members("g-1"))
	assert.Equal(t, 1, idx.Rooms())
}

func TestIndexEmptyRoomRemoved(t *testing.T) {
	idx := NewIndex()
	idx.Join("u-1", "g-1")
	idx.Leave("u-1", "g-1")

	assert.Equal(t, 0, idx.Rooms())
	assert.Empty(t, idx.Members("g-1"))
}

func TestIndexLeaveUnknown(t *testing.T) {
	idx := NewIndex()
	idx.Leave("u-1", "g-1")
	idx.Join("u-1", "g-1")
	idx.Leave("u-2", "g-1")

	assert.Equal(t, []string{"u-1"}, idx.Members("g-1"))
}

func TestIndexPruneUser(t *testing.T) {
	idx := NewIndex()
	idx.Join("u-1", "g-1")
	idx.Join("u-1", "g-2")
	idx.Join("u-2", "g-1")

	idx.PruneUser("u-1")

	assert.Empty(t, idx.JoinedGroups("u-1"))
	assert.ElementsMatch(t, []string{"u-2"}, idx.Members("g-1"))
	assert.Equal(t, 1, idx.Rooms())

	// 从未加入过任何房间的用户可安全清理。
	idx.PruneUser("u-3")
}

func TestIndexConcurrent(t *testing.T) {
	idx := NewIndex()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx.Join("u-1", "g-1")
			idx.Members("g-1")
			idx.Leave("u-1", "g-1")
			idx.PruneUser("u-1")
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, idx.Rooms())
}
