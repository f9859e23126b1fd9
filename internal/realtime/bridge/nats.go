package bridge

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lk2023060901/iris-garden-go/pkg/log"
	"github.com/lk2023060901/iris-garden-go/pkg/metrics"
	"github.com/lk2023060901/iris-garden-go/pkg/util/merr"
)

// Config 描述 NATS 桥接通道的配置。
type Config struct {
	// URL 为 NATS 服务地址，例如 "nats://localhost:4222"。
	URL string `mapstructure:"url"`

	// Name 为连接名，便于在服务端定位来源。
	Name string `mapstructure:"name"`

	// User/Pass 为可选的认证信息。
	User string `mapstructure:"user"`
	Pass string `mapstructure:"pass"`

	// ConnectTimeout 为启动阶段建立连接允许的最长总耗时。
	// 超时后桥接被视为不可用，进程以纯本地扇出模式继续启动。
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`
}

// withDefaults 补全缺失的配置项。
func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Name == "" {
		c.Name = "iris-bridge"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	return c
}

// NATSBridge 是基于 nats.go 的 Bridge 实现。
type NATSBridge struct {
	nc *nats.Conn

	closeOnce sync.Once
}

// 确保 NATSBridge 实现了 Bridge 接口。
var _ Bridge = (*NATSBridge)(nil)

// Connect 建立到 NATS 的连接。
//
// 行为：
//   - 启动阶段使用指数退避重试，直到成功或超出 ConnectTimeout；
//   - 建连成功后由 nats.go 自身负责断线重连（MaxReconnects 不设上限）；
//   - 失败返回 ErrBridgeUnavailable，调用方应降级为纯本地扇出而非中止启动。
func Connect(ctx context.Context, cfg Config) (*NATSBridge, error) {
	cfg = cfg.withDefaults()

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Pass))
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = cfg.ConnectTimeout

	var nc *nats.Conn
	err := backoff.Retry(func() error {
		var cerr error
		nc, cerr = nats.Connect(cfg.URL, opts...)
		return cerr
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, merr.WrapErrBridgeUnavailable(err.Error(), "connect to nats")
	}

	log.Info("bridge connected",
		zap.String("url", nc.ConnectedUrl()),
		zap.String("name", cfg.Name))
	return &NATSBridge{nc: nc}, nil
}

// Publish 实现 Bridge.Publish。
func (b *NATSBridge) Publish(ctx context.Context, subject string, data []byte) error {
	if err := b.nc.Publish(subject, data); err != nil {
		metrics.BridgePublishTotal.WithLabelValues("failed").Inc()
		return merr.WrapErrBridgePublishFailed(subject, err)
	}
	metrics.BridgePublishTotal.WithLabelValues("ok").Inc()
	return nil
}

// Subscribe 实现 Bridge.Subscribe。
func (b *NATSBridge) Subscribe(subject string, h Handler) (io.Closer, error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, merr.WrapErrBridgeUnavailable(err.Error(), "subscribe "+subject)
	}
	return subCloser{sub}, nil
}

// Close 实现 Bridge.Close。
func (b *NATSBridge) Close() {
	b.closeOnce.Do(func() {
		// Drain 会先投递完已接收的消息再关闭连接。
		if err := b.nc.Drain(); err != nil {
			b.nc.Close()
		}
	})
}

type subCloser struct {
	sub *nats.Subscription
}

func (c subCloser) Close() error {
	return c.sub.Unsubscribe()
}
