package gate

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lk2023060901/iris-garden-go/internal/auth"
	"github.com/lk2023060901/iris-garden-go/pkg/log"
	"github.com/lk2023060901/iris-garden-go/pkg/util/merr"
)

// 握手失败的关闭码，4000 段为应用自定义区间。
const (
	CloseCredentialMissing = 4001
	CloseCredentialInvalid = 4002
	CloseIdentityMismatch  = 4003
)

const closeWriteTimeout = 5 * time.Second

// Gate 负责实时通道的接入握手：升级连接、校验凭证、核对身份。
//
// 说明：凭证经 URL 查询参数 token 携带。浏览器的 WebSocket API
// 不支持自定义请求头，这是前端唯一可用的携带方式。
type Gate struct {
	verifier auth.Verifier
	upgrader websocket.Upgrader
}

// NewGate 构造握手闸门。checkOrigin 为 nil 时放行所有来源。
func NewGate(verifier auth.Verifier, checkOrigin func(r *http.Request) bool) *Gate {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gate{
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Admit 执行握手。claimedUserID 为路径中声明的身份，传空跳过核对。
//
// 行为：
//   - 先升级再校验，失败时通过应用关闭码告知客户端具体原因：
//     4001 缺少凭证，4002 凭证非法或过期，4003 声明身份与凭证不符；
//   - 返回的连接归调用方所有，校验失败时连接已被关闭。
func (g *Gate) Admit(w http.ResponseWriter, r *http.Request, claimedUserID string) (*websocket.Conn, string, error) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已写出 HTTP 错误响应。
		return nil, "", merr.WrapErrUpgradeFailed(err)
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		g.reject(conn, CloseCredentialMissing, "missing token")
		return nil, "", merr.WrapErrCredentialMissing()
	}

	userID, err := g.verifier.Verify(token)
	if err != nil {
		g.reject(conn, CloseCredentialInvalid, "invalid token")
		return nil, "", err
	}

	if claimedUserID != "" && claimedUserID != userID {
		g.reject(conn, CloseIdentityMismatch, "identity mismatch")
		return nil, "", merr.WrapErrIdentityMismatch(claimedUserID, userID)
	}

	return conn, userID, nil
}

func (g *Gate) reject(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(closeWriteTimeout)
	if err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		log.With(log.FieldComponent("gate")).
			Debug("write close frame failed", zap.Error(err))
	}
	_ = conn.Close()
}
