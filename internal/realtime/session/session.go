package session

import (
	"context"
	"net"
	"time"
)

// Session 抽象了一个已通过握手的客户端实时连接。
//
// 约定：
//   - 每个 Session 对应一条底层 WebSocket 连接；
//   - 同一用户任一时刻至多存在一个活跃 Session（由 Registry 保证）；
//   - 框架层只关心连接本身，不关心消息的业务含义。
type Session interface {
	// UserID 返回该会话绑定的用户标识，在握手阶段确定后不再变化。
	UserID() string

	// Context 返回与该会话关联的上下文。
	//
	// 说明：
	//   - 会话关闭时触发 Context.Done()，可用于级联取消挂起的收发操作。
	Context() context.Context

	// RemoteAddr 返回远端地址（客户端地址），主要用于日志与审计。
	RemoteAddr() net.Addr

	// Send 将一帧已编码的出站字节投递到该会话的发送队列。
	//
	// 行为：
	//   - 非阻塞：队列已满或会话已关闭时立即返回 ErrSendQueueFull / ErrTransportBroken；
	//   - 实际写出由会话内部唯一的发送协程串行完成，避免并发写底层连接。
	Send(payload []byte) error

	// Close 主动关闭该会话。
	//
	// 说明：
	//   - 应关闭底层连接，并触发 Context 的取消；
	//   - 多次调用应是幂等的。
	Close() error
}

// Config 描述单个会话在传输层面的配置。
type Config struct {
	// SendQueueSize 为发送队列容量，0 表示使用默认值。
	SendQueueSize int `mapstructure:"send-queue-size"`

	// ReadLimit 为单帧入站数据的最大字节数，0 表示使用默认值。
	ReadLimit int64 `mapstructure:"read-limit"`

	// WriteTimeout 为单次写出的超时时间。
	WriteTimeout time.Duration `mapstructure:"write-timeout"`

	// PongWait 为读侧空闲超时：超过该时长未收到任何数据或 pong 即判定连接僵死。
	PongWait time.Duration `mapstructure:"pong-wait"`

	// PingPeriod 为服务端主动发送协议层 ping 的间隔，必须小于 PongWait。
	PingPeriod time.Duration `mapstructure:"ping-period"`
}

const (
	defaultSendQueueSize = 256
	defaultReadLimit     = 64 << 10
	defaultWriteTimeout  = 10 * time.Second
	defaultPongWait      = 60 * time.Second
)

// withDefaults 补全缺失的配置项。
func (c Config) withDefaults() Config {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	return c
}
