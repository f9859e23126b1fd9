package presence

import (
	"context"
	"sync"
	"time"

	"github.com/lk2023060901/iris-garden-go/pkg/util/merr"
)

// MemoryStore 为进程内的在线状态表，重启即失，适合单实例部署与测试。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 构造内存在线状态表。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// SetOnline 实现 Store.SetOnline。
func (s *MemoryStore) SetOnline(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[userID] = Record{UserID: userID, Online: true}
	return nil
}

// SetOffline 实现 Store.SetOffline。
func (s *MemoryStore) SetOffline(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[userID] = Record{UserID: userID, Online: false, LastSeen: &at}
	return nil
}

// Get 实现 Store.Get。
func (s *MemoryStore) Get(_ context.Context, userID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	if !ok {
		return nil, merr.WrapErrPresenceRecordNotFound(userID)
	}
	return &rec, nil
}

// Close 实现 Store.Close。
func (s *MemoryStore) Close() error { return nil }
