package broadcast

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/iris-garden-go/internal/realtime/protocol"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/room"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/session"
	"github.com/lk2023060901/iris-garden-go/pkg/log"
	"github.com/lk2023060901/iris-garden-go/pkg/metrics"
	"github.com/lk2023060901/iris-garden-go/pkg/util/merr"
)

// Engine 汇聚单聊投递、群广播与在线状态广播三条推送路径。
//
// 行为：
//   - 所有路径共享同一个会话表与房间索引；
//   - 单条推送失败只影响对应会话（由会话表的断链回调处理），
//     不会中断对其余成员的扇出。
type Engine struct {
	log.Binder

	registry *session.Registry
	rooms    *room.Index
	strategy Strategy
}

// NewEngine 构造广播引擎。strategy 为 nil 时退化为纯本地扇出。
func NewEngine(registry *session.Registry, rooms *room.Index, strategy Strategy) *Engine {
	if strategy == nil {
		strategy = LocalOnly()
	}
	e := &Engine{
		registry: registry,
		rooms:    rooms,
		strategy: strategy,
	}
	e.SetLogger(log.With(log.FieldComponent("broadcast")).
		WithRateGroup("broadcast", 1, 60))
	return e
}

// UseStrategy 替换扇出策略，必须在服务开始接收流量前调用。
// 传 nil 退化为纯本地扇出。
func (e *Engine) UseStrategy(s Strategy) {
	if s == nil {
		s = LocalOnly()
	}
	e.strategy = s
}

// SendToUser 将信封推给指定用户的当前会话。
// 用户不在线或推送失败返回 false，调用方据此决定是否落库补偿。
func (e *Engine) SendToUser(ctx context.Context, env *protocol.Envelope, userID string) bool {
	data, err := env.Encode()
	if err != nil {
		e.Logger().RatedWarn(1, "encode envelope failed", zap.Error(err))
		return false
	}

	ok := e.registry.Send(userID, data)
	if ok {
		metrics.DeliveredTotal.WithLabelValues("ok").Inc()
	} else {
		metrics.DeliveredTotal.WithLabelValues("missed").Inc()
	}
	return ok
}

// BroadcastToGroup 将信封推给群房间内除 excludeUserID 以外的全部本地成员，
// 并经扇出策略发布给对端进程。返回本地成功推送的会话数。
//
// 边界：本地没有对应房间时仍然发布桥接事件，保证其它实例上的
// 成员不因本实例的房间为空而漏收。
func (e *Engine) BroadcastToGroup(ctx context.Context, env *protocol.Envelope, groupID, excludeUserID string) int {
	start := time.Now()
	delivered := e.fanoutGroup(env, groupID, excludeUserID)
	metrics.BroadcastTotal.WithLabelValues("group").Inc()
	metrics.FanoutDuration.WithLabelValues("group").
		Observe(float64(time.Since(start).Milliseconds()))

	e.strategy.PublishGroup(ctx, env, excludeUserID)
	return delivered
}

// fanoutGroup 执行纯本地的群扇出，同时作为桥接消费侧的投递回调。
func (e *Engine) fanoutGroup(env *protocol.Envelope, groupID, excludeUserID string) int {
	data, err := env.Encode()
	if err != nil {
		e.Logger().RatedWarn(1, "encode envelope failed",
			zap.Error(err), log.FieldGroup(groupID))
		return 0
	}

	delivered := 0
	for _, userID := range e.rooms.Members(groupID) {
		if userID == excludeUserID {
			continue
		}
		if e.registry.Send(userID, data) {
			delivered++
			metrics.DeliveredTotal.WithLabelValues("ok").Inc()
		} else {
			metrics.DeliveredTotal.WithLabelValues("missed").Inc()
		}
	}
	return delivered
}

// DeliverRemote 供扇出策略在消费到对端进程的群广播时调用。
func (e *Engine) DeliverRemote(env *protocol.Envelope, excludeUserID string) {
	e.fanoutGroup(env, env.GroupID, excludeUserID)
}

// BroadcastPresence 向除 excludeUserID 以外的全部在线会话广播
// 用户上下线事件。事件只在本进程内有效，不经桥接发布。
func (e *Engine) BroadcastPresence(ctx context.Context, userID string, online bool, excludeUserID string) {
	data, err := protocol.EncodePresence(userID, online)
	if err != nil {
		e.Logger().RatedWarn(1, "encode presence event failed", zap.Error(err))
		return
	}

	start := time.Now()
	for _, target := range e.registry.OnlineUsers() {
		if target == excludeUserID {
			continue
		}
		e.registry.Send(target, data)
	}
	metrics.BroadcastTotal.WithLabelValues("presence").Inc()
	metrics.FanoutDuration.WithLabelValues("presence").
		Observe(float64(time.Since(start).Milliseconds()))
}

// Deliver 按信封的收件目标路由：带 group_id 走群广播（排除发送方），
// 否则按 receiver_id 单聊投递。发送方不经实时通道回显。
func (e *Engine) Deliver(ctx context.Context, env *protocol.Envelope) error {
	if env.GroupID != "" {
		e.BroadcastToGroup(ctx, env, env.GroupID, env.SenderID)
		return nil
	}
	if env.ReceiverID == "" {
		return merr.WrapErrParameterMissing("receiver_id")
	}
	e.SendToUser(ctx, env, env.ReceiverID)
	return nil
}

// Close 释放扇出策略占用的资源。
func (e *Engine) Close() {
	e.strategy.Close()
}
