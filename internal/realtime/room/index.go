package room

import (
	"sync"

	"github.com/lk2023060901/iris-garden-go/pkg/metrics"
	"github.com/lk2023060901/iris-garden-go/pkg/util/typeutil"
)

// Index 维护“群组 -> 订阅该群实时消息的用户集合”的索引。
//
// 说明：
//   - 房间在首次 Join 时惰性创建，成员清空后立即删除，内存中不存在空房间；
//   - 同时维护 “用户 -> 已加入房间” 的反向索引，使 PruneUser 只访问
//     确实包含该用户的房间，而不必扫描全部房间；
//   - 成员资格是否合法由上游（REST 层）校验，本索引不重复检查。
type Index struct {
	mu     sync.RWMutex
	rooms  map[string]typeutil.Set[string] // groupID -> userIDs
	joined map[string]typeutil.Set[string] // userID  -> groupIDs
}

// NewIndex 创建一个空的房间索引。
func NewIndex() *Index {
	return &Index{
		rooms:  make(map[string]typeutil.Set[string]),
		joined: make(map[string]typeutil.Set[string]),
	}
}

// Join 将用户加入指定群组的房间，房间不存在时自动创建。
func (idx *Index) Join(userID, groupID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.rooms[groupID] == nil {
		idx.rooms[groupID] = typeutil.NewSet[string]()
	}
	idx.rooms[groupID].Insert(userID)

	if idx.joined[userID] == nil {
		idx.joined[userID] = typeutil.NewSet[string]()
	}
	idx.joined[userID].Insert(groupID)

	metrics.NumRooms.Set(float64(len(idx.rooms)))
}

// Leave 将用户移出指定群组的房间；房间清空后删除房间条目。
func (idx *Index) Leave(userID, groupID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.removeLocked(userID, groupID)
	metrics.NumRooms.Set(float64(len(idx.rooms)))
}

// PruneUser 将用户从其加入过的所有房间中移除，通常在连接回收路径调用。
func (idx *Index) PruneUser(userID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	groups, ok := idx.joined[userID]
	if !ok {
		return
	}
	for _, groupID := range groups.Collect() {
		idx.removeLocked(userID, groupID)
	}
	metrics.NumRooms.Set(float64(len(idx.rooms)))
}

// removeLocked 在持有写锁的前提下完成双向索引的移除。
func (idx *Index) removeLocked(userID, groupID string) {
	if members, ok := idx.rooms[groupID]; ok {
		members.Remove(userID)
		if members.Len() == 0 {
			delete(idx.rooms, groupID)
		}
	}
	if groups, ok := idx.joined[userID]; ok {
		groups.Remove(groupID)
		if groups.Len() == 0 {
			delete(idx.joined, userID)
		}
	}
}

// Members 返回房间当前成员的快照；房间不存在时返回 nil。
func (idx *Index) Members(groupID string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	members, ok := idx.rooms[groupID]
	if !ok {
		return nil
	}
	return members.Collect()
}

// Contains 判断用户当前是否在指定房间内。
func (idx *Index) Contains(userID, groupID string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	members, ok := idx.rooms[groupID]
	return ok && members.Contain(userID)
}

// Rooms 返回当前存在的房间数量。
func (idx *Index) Rooms() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.rooms)
}

// JoinedGroups 返回用户已加入房间的快照。
func (idx *Index) JoinedGroups(userID string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	groups, ok := idx.joined[userID]
	if !ok {
		return nil
	}
	return groups.Collect()
}
