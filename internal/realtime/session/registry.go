package session

import (
	"sync"

	"github.com/lk2023060901/iris-garden-go/pkg/metrics"
)

// BrokenFunc 在向某会话推送失败时被调用，用于驱动“隐式断连”的状态迁移。
//
// 说明：
//   - 回调在独立协程中执行，不持有 Registry 的锁；
//   - 同一会话可能因并发推送失败触发多次回调，去重由上层的回收路径保证。
type BrokenFunc func(userID string, sess Session, err error)

// Registry 维护“用户 -> 活跃会话”的索引。
//
// 职责说明：
//   - 只负责会话的注册、查询、定向推送和移除，不创建底层连接；
//   - 同一用户后注册的会话取代先注册的会话（last-writer-wins）；
//   - 实例在进程启动时显式构造并注入使用方，不提供包级单例。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session

	onBroken BrokenFunc
}

// NewRegistry 创建一个空的 Registry。
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]Session),
	}
}

// SetBrokenHook 设置推送失败时的回调。应在开始接受连接之前调用一次。
func (r *Registry) SetBrokenHook(fn BrokenFunc) {
	r.onBroken = fn
}

// Register 注册用户的活跃会话。
//
// 行为：
//   - 若该用户已存在活跃会话，旧会话被移出索引并作为返回值交由调用方关闭；
//   - 注册本身永不失败。
func (r *Registry) Register(userID string, sess Session) (prev Session) {
	r.mu.Lock()
	prev = r.sessions[userID]
	r.sessions[userID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.NumSessions.Set(float64(count))
	return prev
}

// Evict 仅当 sess 仍是该用户的当前会话时将其移出索引。
//
// 说明：
//   - 用于被取代的旧连接的回收路径：旧连接的清理不应影响新会话；
//   - 返回 true 表示确实发生了移除。
func (r *Registry) Evict(userID string, sess Session) bool {
	r.mu.Lock()
	cur, ok := r.sessions[userID]
	if !ok || cur != sess {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, userID)
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.NumSessions.Set(float64(count))
	return true
}

// Unregister 移除用户的会话索引；不存在时为空操作，幂等。
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	delete(r.sessions, userID)
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.NumSessions.Set(float64(count))
}

// Get 根据用户标识查找活跃会话。
func (r *Registry) Get(userID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[userID]
	return sess, ok
}

// IsOnline 判断用户当前是否存在活跃会话。
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.sessions[userID]
	return ok
}

// Send 向指定用户的活跃会话推送一帧出站字节。
//
// 行为：
//   - 用户不在线时直接返回 false，不排队、不重试；
//   - 推送失败视为隐式断连：触发 BrokenFunc 回调并返回 false；
//   - 查找在读锁内完成，实际推送在锁外执行，不跨外部调用持锁。
func (r *Registry) Send(userID string, payload []byte) bool {
	r.mu.RLock()
	sess, ok := r.sessions[userID]
	r.mu.RUnlock()

	if !ok {
		return false
	}

	if err := sess.Send(payload); err != nil {
		if r.onBroken != nil {
			go r.onBroken(userID, sess, err)
		}
		return false
	}
	return true
}

// Range 遍历当前所有活跃会话。
//
// 说明：
//   - 遍历前复制一份快照，避免在持锁情况下执行用户回调；
//   - 当 fn 返回 false 时，中断遍历。
func (r *Registry) Range(fn func(userID string, sess Session) bool) {
	if fn == nil {
		return
	}

	type entry struct {
		userID string
		sess   Session
	}

	r.mu.RLock()
	snapshot := make([]entry, 0, len(r.sessions))
	for userID, sess := range r.sessions {
		snapshot = append(snapshot, entry{userID, sess})
	}
	r.mu.RUnlock()

	for _, e := range snapshot {
		if !fn(e.userID, e.sess) {
			return
		}
	}
}

// Count 返回当前活跃会话数量。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// OnlineUsers 返回当前在线用户标识的快照。
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.sessions))
	for userID := range r.sessions {
		users = append(users, userID)
	}
	return users
}
