package presence

import (
	"context"
	"time"
)

// Record 为一条用户在线状态记录。
// LastSeen 为最近一次下线时刻，从未上过线或当前在线时为 nil。
type Record struct {
	UserID   string     `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// Store 持久化用户在线状态，供会话生命周期钩子写入、查询接口读取。
//
// 约束：实现必须可被多个会话协程并发调用。
type Store interface {
	// SetOnline 标记用户在线，清空 LastSeen。
	SetOnline(ctx context.Context, userID string) error

	// SetOffline 标记用户下线，记录下线时刻。
	SetOffline(ctx context.Context, userID string, at time.Time) error

	// Get 读取单个用户的状态，不存在返回 ErrPresenceRecordNotFound。
	Get(ctx context.Context, userID string) (*Record, error)

	// Close 释放底层资源。
	Close() error
}
