package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lk2023060901/iris-garden-go/pkg/util/merr"
)

// WSSession 是基于 gorilla/websocket 的 Session 实现。
//
// 设计目标：
//   - 发送路径仅由内部唯一的发送协程执行，避免多协程并发写 conn 导致的报文交叉；
//   - 读侧超时（PongWait）与服务端主动 ping（PingPeriod）配合，保证僵尸连接可被回收；
//   - Close 幂等，且会取消 Context 以解除所有挂起的收发操作。
type WSSession struct {
	userID string

	ctx    context.Context
	cancel context.CancelFunc

	conn *websocket.Conn
	cfg  Config

	sendQueue chan []byte

	closeOnce sync.Once
}

// 确保 WSSession 实现了 Session 接口。
var _ Session = (*WSSession)(nil)

// NewWSSession 基于一条已升级的 WebSocket 连接创建会话。
//
// 参数：
//   - parent：上层上下文（例如服务进程的生命周期 ctx）；若为 nil，则使用 context.Background()；
//   - userID：握手阶段确认的用户标识；
//   - conn  ：已完成升级的 WebSocket 连接。
func NewWSSession(parent context.Context, userID string, conn *websocket.Conn, cfg Config) *WSSession {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	cfg = cfg.withDefaults()

	s := &WSSession{
		userID:    userID,
		ctx:       ctx,
		cancel:    cancel,
		conn:      conn,
		cfg:       cfg,
		sendQueue: make(chan []byte, cfg.SendQueueSize),
	}

	conn.SetReadLimit(cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	go s.sendLoop()
	return s
}

// UserID 实现 Session.UserID。
func (s *WSSession) UserID() string {
	return s.userID
}

// Context 实现 Session.Context。
func (s *WSSession) Context() context.Context {
	return s.ctx
}

// RemoteAddr 实现 Session.RemoteAddr。
func (s *WSSession) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Send 实现 Session.Send。
//
// 队列已满说明对端长期不读或网络拥塞，按传输层故障处理，由调用方触发会话回收。
func (s *WSSession) Send(payload []byte) error {
	select {
	case <-s.ctx.Done():
		return merr.WrapErrTransportBroken(s.userID, "session closed")
	default:
	}

	select {
	case s.sendQueue <- payload:
		return nil
	default:
		return merr.WrapErrSendQueueFull(s.userID, cap(s.sendQueue))
	}
}

// ReadFrame 阻塞读取下一条入站帧。
//
// 说明：
//   - 在 PongWait 内未收到任何数据（含协议层 pong）时返回超时错误；
//   - 任何读取错误均应视为连接终止，由调用方走会话回收路径。
func (s *WSSession) ReadFrame() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	return data, nil
}

// Close 实现 Session.Close。
func (s *WSSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// 先取消上下文，再关闭连接。
		s.cancel()
		err = s.conn.Close()
	})
	return err
}

// CloseWithCode 发送带应用关闭码的 close 控制帧后关闭会话。
// 用于握手拒绝等需要向客户端说明原因的场景。
func (s *WSSession) CloseWithCode(code int, reason string) error {
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	return s.Close()
}

// sendLoop 为每个会话启动的专职发送协程。
//
// 行为：
//   - 从 sendQueue 中按顺序取出待发送帧并写出；
//   - 周期性发送协议层 ping，配合对端 pong 维持读侧 deadline；
//   - 任何写出错误都会取消上下文，交由上层触发清理。
func (s *WSSession) sendLoop() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return

		case payload := <-s.sendQueue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.cancel()
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.cancel()
				return
			}
		}
	}
}
