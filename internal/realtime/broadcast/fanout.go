package broadcast

import (
	"context"
	"io"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/lk2023060901/iris-garden-go/internal/json"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/bridge"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/protocol"
	"github.com/lk2023060901/iris-garden-go/pkg/log"
	"github.com/lk2023060901/iris-garden-go/pkg/metrics"
	"github.com/lk2023060901/iris-garden-go/pkg/util/merr"
)

// Strategy 表示群广播在本地投递之外的扇出策略。
//
// 说明：
//   - 策略在进程启动时确定一次，运行期不再切换；
//   - 所有实现都必须是 best-effort：失败只记录，绝不向广播调用方扩散。
type Strategy interface {
	// PublishGroup 在本地扇出完成后，将信封发布给对端进程。
	PublishGroup(ctx context.Context, env *protocol.Envelope, excludeUserID string)

	// Close 释放策略占用的资源，幂等。
	Close()
}

// LocalOnly 返回单实例部署使用的本地扇出策略：不发布任何跨进程事件。
func LocalOnly() Strategy {
	return localStrategy{}
}

type localStrategy struct{}

func (localStrategy) PublishGroup(context.Context, *protocol.Envelope, string) {}
func (localStrategy) Close()                                                   {}

// groupMessage 为跨进程群广播使用的桥接载荷。
//
// Origin 为发布方的进程实例标识，消费方据此忽略自己发布的消息，
// 避免同一信封在发布进程内被二次投递。
type groupMessage struct {
	Origin  string             `json:"origin"`
	Exclude string             `json:"exclude,omitempty"`
	Payload *protocol.Envelope `json:"payload"`
}

// BridgedConfig 描述桥接扇出策略的配置。
type BridgedConfig struct {
	// SubjectPrefix 为群广播主题前缀，完整主题为 "<prefix>.<groupID>"。
	SubjectPrefix string

	// PoolSize 为消费侧投递协程池的容量。
	PoolSize int
}

func (c BridgedConfig) withDefaults() BridgedConfig {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "chat.group"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 128
	}
	return c
}

// bridgedStrategy 在本地扇出之外，经由 Bridge 与对端进程互通群广播。
type bridgedStrategy struct {
	br     bridge.Bridge
	cfg    BridgedConfig
	origin string

	pool *ants.Pool
	sub  io.Closer
	lg   *log.MLogger
}

// Bridged 构造桥接扇出策略并订阅对端进程的群广播。
//
// 参数：
//   - br     ：已建连的桥接通道；
//   - origin ：当前进程实例标识，用于过滤自己发布的消息；
//   - deliver：本地投递回调，由广播引擎提供（向本进程内的房间成员推送）。
func Bridged(br bridge.Bridge, origin string, cfg BridgedConfig,
	deliver func(env *protocol.Envelope, excludeUserID string),
) (Strategy, error) {
	cfg = cfg.withDefaults()

	pool, err := ants.NewPool(cfg.PoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}

	s := &bridgedStrategy{
		br:     br,
		cfg:    cfg,
		origin: origin,
		pool:   pool,
		lg: log.With(log.FieldComponent("bridged-fanout")).
			WithRateGroup("bridged-fanout", 1, 60),
	}

	sub, err := br.Subscribe(cfg.SubjectPrefix+".*", func(subject string, data []byte) {
		var msg groupMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			metrics.BridgeConsumeTotal.WithLabelValues("failed").Inc()
			s.lg.RatedWarn(1, "drop malformed bridge message",
				zap.String("subject", subject), zap.Error(err))
			return
		}
		if msg.Origin == origin || msg.Payload == nil {
			metrics.BridgeConsumeTotal.WithLabelValues("skipped").Inc()
			return
		}

		// 投递走协程池，避免慢消费阻塞桥接回调。
		if perr := pool.Submit(func() {
			deliver(msg.Payload, msg.Exclude)
		}); perr != nil {
			metrics.BridgeConsumeTotal.WithLabelValues("failed").Inc()
			s.lg.RatedWarn(1, "bridge delivery pool saturated", zap.Error(perr))
			return
		}
		metrics.BridgeConsumeTotal.WithLabelValues("ok").Inc()
	})
	if err != nil {
		pool.Release()
		return nil, err
	}
	s.sub = sub

	return s, nil
}

// PublishGroup 实现 Strategy.PublishGroup。
func (s *bridgedStrategy) PublishGroup(ctx context.Context, env *protocol.Envelope, excludeUserID string) {
	data, err := json.Marshal(&groupMessage{
		Origin:  s.origin,
		Exclude: excludeUserID,
		Payload: env,
	})
	if err != nil {
		s.lg.RatedWarn(1, "encode bridge message failed", zap.Error(err))
		return
	}

	subject := s.cfg.SubjectPrefix + "." + env.GroupID
	if err := s.br.Publish(ctx, subject, data); err != nil {
		// 桥接故障降级为纯本地扇出，对调用方透明。
		if merr.IsRetryableErr(err) {
			s.lg.RatedWarn(1, "bridge publish failed, local-only delivery",
				zap.String("subject", subject), zap.Error(err))
		}
	}
}

// Close 实现 Strategy.Close。
func (s *bridgedStrategy) Close() {
	if s.sub != nil {
		_ = s.sub.Close()
		s.sub = nil
	}
	if s.pool != nil {
		s.pool.Release()
	}
}
