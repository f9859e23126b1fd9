package log

import "go.uber.org/atomic"

var (
	_ WithLogger   = (*Binder)(nil)
	_ LoggerBinder = (*Binder)(nil)
)

// WithLogger 暴露组件自身绑定的 Logger。
type WithLogger interface {
	Logger() *MLogger
}

// LoggerBinder 允许装配方为组件注入 Logger。
type LoggerBinder interface {
	SetLogger(logger *MLogger)
}

// Binder 供组件以嵌入方式持有自己的 Logger。
//
// 说明：
//   - 绑定与读取均为原子操作，运行期可安全替换；
//   - 未绑定时回退到全局 Logger，使用方无需判空。
type Binder struct {
	logger atomic.Pointer[MLogger]
}

// SetLogger 绑定组件的 Logger，可重复调用。
func (b *Binder) SetLogger(logger *MLogger) {
	b.logger.Store(logger)
}

// Logger 返回已绑定的 Logger，未绑定时退回全局 Logger。
func (b *Binder) Logger() *MLogger {
	if l := b.logger.Load(); l != nil {
		return l
	}
	return With()
}
