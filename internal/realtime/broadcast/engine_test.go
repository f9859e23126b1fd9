package broadcast

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/iris-garden-go/internal/realtime/protocol"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/room"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/session"
	"github.com/lk2023060901/iris-garden-go/pkg/log"
	"github.com/lk2023060901/iris-garden-go/pkg/util/merr"
)

type stubSession struct {
	userID string

	mu       sync.Mutex
	payloads [][]byte
	sendErr  error
}

func (s *stubSession) UserID() string           { return s.userID }
func (s *stubSession) Context() context.Context { return context.Background() }
func (s *stubSession) RemoteAddr() net.Addr     { return &net.TCPAddr{} }
func (s *stubSession) Close() error             { return nil }

func (s *stubSession) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *stubSession) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

// recordingStrategy 记录对端发布调用，供断言使用。
type recordingStrategy struct {
	mu        sync.Mutex
	published []*protocol.Envelope
	excludes  []string
}

func (r *recordingStrategy) PublishGroup(_ context.Context, env *protocol.Envelope, exclude string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, env)
	r.excludes = append(r.excludes, exclude)
}

func (r *recordingStrategy) Close() {}

func (r *recordingStrategy) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published)
}

type fixture struct {
	registry *session.Registry
	rooms    *room.Index
	strategy *recordingStrategy
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log.SetupTestLogger(t)
	f := &fixture{
		registry: session.NewRegistry(),
		rooms:    room.NewIndex(),
		strategy: &recordingStrategy{},
	}
	f.engine = NewEngine(f.registry, f.rooms, f.strategy)
	return f
}

func (f *fixture) online(userID string) *stubSession {
	sess := &stubSession{userID: userID}
	f.registry.Register(userID, sess)
	return sess
}

func groupEnvelope(sender, group string) *protocol.Envelope {
	return &protocol.Envelope{ID: "m-1", SenderID: sender, GroupID: group, Content: "hi"}
}

func TestSendToUser(t *testing.T) {
	f := newFixture(t)
	sess := f.online("u-1")

	env := &protocol.Envelope{ID: "m-1", SenderID: "u-2", ReceiverID: "u-1"}
	assert.True(t, f.engine.SendToUser(context.Background(), env, "u-1"))
	assert.Equal(t, 1, sess.received())

	assert.False(t, f.engine.SendToUser(context.Background(), env, "offline"))
}

func TestBroadcastToGroupExcludesSender(t *testing.T) {
	f := newFixture(t)
	sender := f.online("u-1")
	peer := f.online("u-2")
	outsider := f.online("u-3")
	f.rooms.Join("u-1", "g-1")
	f.rooms.Join("u-2", "g-1")

	n := f.engine.BroadcastToGroup(context.Background(), groupEnvelope("u-1", "g-1"), "g-1", "u-1")

	assert.Equal(t, 1, n)
	assert.Equal(t, 0, sender.received(), "sender must not receive its own message")
	assert.Equal(t, 1, peer.received())
	assert.Equal(t, 0, outsider.received(), "non-member must not receive group message")
}

func TestBroadcastToGroupPublishesEvenWithoutLocalRoom(t *testing.T) {
	f := newFixture(t)

	n := f.engine.BroadcastToGroup(context.Background(), groupEnvelope("u-1", "g-absent"), "g-absent", "u-1")

	assert.Equal(t, 0, n)
	require.Equal(t, 1, f.strategy.count(), "peers on other instances may hold members")
	assert.Equal(t, "u-1", f.strategy.excludes[0])
}

func TestBroadcastToGroupFailedSendDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	broken := f.online("u-1")
	broken.sendErr = merr.WrapErrSendQueueFull("u-1", 0)
	healthy := f.online("u-2")
	f.rooms.Join("u-1", "g-1")
	f.rooms.Join("u-2", "g-1")

	n := f.engine.BroadcastToGroup(context.Background(), groupEnvelope("u-3", "g-1"), "g-1", "")

	assert.Equal(t, 1, n)
	assert.Equal(t, 1, healthy.received())
}

func TestDeliverRoutesGroup(t *testing.T) {
	f := newFixture(t)
	sender := f.online("u-1")
	peer := f.online("u-2")
	f.rooms.Join("u-1", "g-1")
	f.rooms.Join("u-2", "g-1")

	require.NoError(t, f.engine.Deliver(context.Background(), groupEnvelope("u-1", "g-1")))
	assert.Equal(t, 0, sender.received())
	assert.Equal(t, 1, peer.received())
}

func TestDeliverRoutesDirect(t *testing.T) {
	f := newFixture(t)
	sender := f.online("u-1")
	receiver := f.online("u-2")

	env := &protocol.Envelope{ID: "m-1", SenderID: "u-1", ReceiverID: "u-2", Content: "hi"}
	require.NoError(t, f.engine.Deliver(context.Background(), env))

	assert.Equal(t, 0, sender.received(), "sender side reads the creation response instead")
	assert.Equal(t, 1, receiver.received())
	assert.Equal(t, 0, f.strategy.count(), "direct delivery never goes through the bridge")
}

func TestDeliverMissingReceiver(t *testing.T) {
	f := newFixture(t)
	err := f.engine.Deliver(context.Background(), &protocol.Envelope{ID: "m-1", SenderID: "u-1"})
	assert.ErrorIs(t, err, merr.ErrParameterMissing)
}

func TestBroadcastPresence(t *testing.T) {
	f := newFixture(t)
	self := f.online("u-1")
	peerA := f.online("u-2")
	peerB := f.online("u-3")

	f.engine.BroadcastPresence(context.Background(), "u-1", true, "u-1")

	assert.Equal(t, 0, self.received())
	assert.Equal(t, 1, peerA.received())
	assert.Equal(t, 1, peerB.received())
}

func TestDeliverRemote(t *testing.T) {
	f := newFixture(t)
	member := f.online("u-2")
	excluded := f.online("u-3")
	f.rooms.Join("u-2", "g-1")
	f.rooms.Join("u-3", "g-1")

	f.engine.DeliverRemote(groupEnvelope("u-1", "g-1"), "u-3")

	assert.Equal(t, 1, member.received())
	assert.Equal(t, 0, excluded.received())
	assert.Equal(t, 0, f.strategy.count(), "remote delivery must not be re-published")
}

func TestConcurrentGroupBroadcasts(t *testing.T) {
	f := newFixture(t)
	receiver := f.online("u-r")
	f.rooms.Join("u-r", "g-1")

	const senders = 8
	const perSender = 25

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				f.engine.BroadcastToGroup(context.Background(), groupEnvelope("u-s", "g-1"), "g-1", "u-s")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, senders*perSender, receiver.received())
}
