package realtime

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lk2023060901/iris-garden-go/internal/json"
	"github.com/lk2023060901/iris-garden-go/internal/presence"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/broadcast"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/gate"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/protocol"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/room"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/session"
	"github.com/lk2023060901/iris-garden-go/pkg/log"
	"github.com/lk2023060901/iris-garden-go/pkg/util/merr"
)

// Server 编排单条实时连接的完整生命周期：
// 握手 → 注册 → 上线通知 → 帧循环 → 一次性拆除。
//
// 依赖全部由构造方注入，进程内不存在任何包级单例。
type Server struct {
	gate     *gate.Gate
	registry *session.Registry
	rooms    *room.Index
	engine   *broadcast.Engine
	store    presence.Store
	sessCfg  session.Config

	lg *log.MLogger
}

// NewServer 构造实时服务并把隐式断链钩子挂到会话表上：
// 任何一次推送失败都会触发与读循环退出完全相同的拆除路径。
func NewServer(g *gate.Gate, registry *session.Registry, rooms *room.Index,
	engine *broadcast.Engine, store presence.Store, sessCfg session.Config,
) *Server {
	s := &Server{
		gate:     g,
		registry: registry,
		rooms:    rooms,
		engine:   engine,
		store:    store,
		sessCfg:  sessCfg,
		lg:       log.With(log.FieldComponent("realtime")).WithRateGroup("realtime", 1, 60),
	}
	registry.SetBrokenHook(func(userID string, sess session.Session, err error) {
		s.lg.RatedInfo(10, "push failed, treat as disconnect",
			log.FieldUser(userID), zap.Error(err))
		s.teardown(userID, sess)
	})
	return s
}

// Handler 返回实时服务的 HTTP 路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{user}", s.serveWS)
	mux.HandleFunc("GET /healthz", s.serveHealthz)
	mux.HandleFunc("GET /online", s.serveOnline)
	mux.HandleFunc("GET /presence/{user}", s.servePresence)
	mux.HandleFunc("POST /deliver", s.serveDeliver)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// serveWS 为单条连接的主循环，在连接退出前不返回。
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	claimed := r.PathValue("user")

	conn, userID, err := s.gate.Admit(w, r, claimed)
	if err != nil {
		s.lg.RatedInfo(10, "handshake rejected",
			zap.String("claimed", claimed), zap.Error(err))
		return
	}

	sess := session.NewWSSession(r.Context(), userID, conn, s.sessCfg)
	if prev := s.registry.Register(userID, sess); prev != nil {
		// 旧连接的拆除会发现自己已不是当前会话，不影响新连接。
		_ = prev.Close()
	}

	ctx := sess.Context()
	if err := s.store.SetOnline(ctx, userID); err != nil {
		s.lg.RatedWarn(1, "record online state failed",
			log.FieldUser(userID), zap.Error(err))
	}
	s.engine.BroadcastPresence(ctx, userID, true, userID)

	s.lg.Info("session established",
		log.FieldUser(userID), zap.String("remote", sess.RemoteAddr().String()))

	s.frameLoop(sess)
	s.teardown(userID, sess)
}

// frameLoop 消费控制帧直到连接断开。协议错误回写 error 帧，连接不中断。
func (s *Server) frameLoop(sess *session.WSSession) {
	userID := sess.UserID()
	for {
		data, err := sess.ReadFrame()
		if err != nil {
			return
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			s.lg.RatedInfo(10, "bad frame",
				log.FieldUser(userID), zap.Error(err))
			_ = sess.Send(protocol.EncodeError(errorMessage(err)))
			continue
		}

		switch frame.Type {
		case protocol.FrameJoinGroup:
			s.rooms.Join(userID, frame.GroupID)
		case protocol.FrameLeaveGroup:
			s.rooms.Leave(userID, frame.GroupID)
		case protocol.FramePing:
			_ = sess.Send(protocol.EncodePong())
		}
	}
}

// teardown 拆除一条会话。只有仍是当前注册会话时才清理成员关系
// 并对外广播下线，被顶替的旧会话只关闭自身连接。
func (s *Server) teardown(userID string, sess session.Session) {
	current := s.registry.Evict(userID, sess)
	_ = sess.Close()
	if !current {
		return
	}

	s.rooms.PruneUser(userID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SetOffline(ctx, userID, time.Now()); err != nil {
		s.lg.RatedWarn(1, "record offline state failed",
			log.FieldUser(userID), zap.Error(err))
	}
	s.engine.BroadcastPresence(ctx, userID, false, userID)

	s.lg.Info("session closed", log.FieldUser(userID))
}

// Shutdown 在进程退出前排空全部活跃会话：每条会话走与读循环退出
// 一致的拆除路径，保证离线状态在存储关闭之前完成落盘。
// ctx 到期后停止排空，剩余会话随进程退出直接断开。
func (s *Server) Shutdown(ctx context.Context) {
	if n := s.registry.Count(); n > 0 {
		s.lg.Info("draining sessions", zap.Int("count", n))
	}
	s.registry.Range(func(userID string, sess session.Session) bool {
		s.teardown(userID, sess)
		return ctx.Err() == nil
	})
}

func (s *Server) serveHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) serveOnline(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"users": s.registry.OnlineUsers(),
		"count": s.registry.Count(),
	})
}

func (s *Server) servePresence(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	rec, err := s.store.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, merr.ErrPresenceRecordNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown user"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "presence store failure"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// serveDeliver 为消息创建流程的投递入口：信封按 group_id / receiver_id
// 路由，发送方不经实时通道回显。
func (s *Server) serveDeliver(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "read body failed"})
		return
	}
	env, err := protocol.DecodeEnvelope(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": errorMessage(err)})
		return
	}
	if err := s.engine.Deliver(r.Context(), env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": errorMessage(err)})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
