package gate

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/iris-garden-go/internal/auth"
	"github.com/lk2023060901/iris-garden-go/pkg/log"
	"github.com/lk2023060901/iris-garden-go/pkg/util/merr"
)

const testSecret = "gate-test-secret"

// readCloseCode 读到对端关闭帧并返回关闭码。
func readCloseCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	ce, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	return ce.Code
}

func newGateServer(t *testing.T, claimed string) (*httptest.Server, chan error) {
	t.Helper()
	log.SetupTestLogger(t)

	g := NewGate(auth.NewJWTVerifier(testSecret), nil)
	errCh := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, userID, err := g.Admit(w, r, claimed)
		errCh <- err
		if err != nil {
			return
		}
		// 握手通过后回写身份，便于客户端断言。
		_ = conn.WriteMessage(websocket.TextMessage, []byte(userID))
		_ = conn.Close()
	}))
	t.Cleanup(srv.Close)
	return srv, errCh
}

func wsURL(srv *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	if query != "" {
		u += "?" + query
	}
	return u
}

func TestAdmitValidToken(t *testing.T) {
	srv, errCh := newGateServer(t, "")
	token, err := auth.Issue(testSecret, "u-1", time.Minute)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token="+token), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, <-errCh)
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "u-1", string(data))
}

func TestAdmitMissingToken(t *testing.T) {
	srv, errCh := newGateServer(t, "")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.ErrorIs(t, <-errCh, merr.ErrCredentialMissing)
	assert.Equal(t, CloseCredentialMissing, readCloseCode(t, conn))
}

func TestAdmitInvalidToken(t *testing.T) {
	srv, errCh := newGateServer(t, "")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=garbage"), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.ErrorIs(t, <-errCh, merr.ErrCredentialInvalid)
	assert.Equal(t, CloseCredentialInvalid, readCloseCode(t, conn))
}

func TestAdmitExpiredToken(t *testing.T) {
	srv, errCh := newGateServer(t, "")
	token, err := auth.Issue(testSecret, "u-1", -time.Minute)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token="+token), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.ErrorIs(t, <-errCh, merr.ErrCredentialInvalid)
	assert.Equal(t, CloseCredentialInvalid, readCloseCode(t, conn))
}

func TestAdmitIdentityMismatch(t *testing.T) {
	srv, errCh := newGateServer(t, "u-2")
	token, err := auth.Issue(testSecret, "u-1", time.Minute)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token="+token), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.ErrorIs(t, <-errCh, merr.ErrIdentityMismatch)
	assert.Equal(t, CloseIdentityMismatch, readCloseCode(t, conn))
}

func TestAdmitClaimedIdentityMatches(t *testing.T) {
	srv, errCh := newGateServer(t, "u-1")
	token, err := auth.Issue(testSecret, "u-1", time.Minute)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token="+token), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, <-errCh)
}
