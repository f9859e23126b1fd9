package bridge

import (
	"context"
	"io"
)

// Handler 处理一条从桥接通道收到的消息。
// subject 为完整主题，data 为原始载荷字节。
type Handler func(subject string, data []byte)

// Bridge 抽象了跨进程扇出所依赖的发布/订阅通道。
//
// 约定：
//   - Publish 是 fire-and-forget 语义：失败只记录，不向上游扩散；
//   - Subscribe 支持通配主题（例如 "chat.group.*"）；
//   - 单实例部署可以完全不构造 Bridge，广播引擎退化为纯本地扇出。
type Bridge interface {
	// Publish 将载荷发布到指定主题。
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe 订阅主题并在每条消息到达时调用 h。
	// 返回的 Closer 用于取消订阅。
	Subscribe(subject string, h Handler) (io.Closer, error)

	// Close 关闭底层连接，幂等。
	Close()
}
