package router

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/chatroom-garden-go/internal/protocol"
	"github.com/lk2023060901/chatroom-garden-go/internal/registry"
	"github.com/lk2023060901/chatroom-garden-go/pkg/log"
	"github.com/lk2023060901/chatroom-garden-go/pkg/util/merr"
)

// mockPeer 记录投递到它的消息；failing 为 true 时 Send 恒定失败，
// 模拟发送队列已满的慢会话。
type mockPeer struct {
	username string
	failing  bool

	mu   sync.Mutex
	msgs []*protocol.Message
}

func (p *mockPeer) Username() string { return p.username }

func (p *mockPeer) Send(msg *protocol.Message) error {
	if p.failing {
		return merr.WrapErrSendQueueFull(p.username, 0)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *mockPeer) Kick() {}

func (p *mockPeer) received() []*protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*protocol.Message(nil), p.msgs...)
}

type RouterSuite struct {
	suite.Suite

	registry *registry.Registry
	router   *Router
}

func (s *RouterSuite) SetupTest() {
	log.SetupTestLogger(s.T())

	s.registry = registry.New(context.Background(), nil)
	s.router = New(s.registry, 8)
}

func (s *RouterSuite) TearDownTest() {
	s.router.Close()
}

func (s *RouterSuite) admit(username string, failing bool) *mockPeer {
	p := &mockPeer{username: username, failing: failing}
	s.Require().NoError(s.registry.Admit(username, p))
	return p
}

func (s *RouterSuite) TestBroadcast() {
	alice := s.admit("alice", false)
	bob := s.admit("bob", false)

	msg := protocol.NewMessage(protocol.TypeChat, "alice", "hello")
	delivered := s.router.Broadcast(msg)

	s.Equal(2, delivered)
	s.Len(alice.received(), 1)
	s.Len(bob.received(), 1)
	s.Equal("hello", bob.received()[0].Content)
}

func (s *RouterSuite) TestBroadcastFailureIsolation() {
	s.admit("alice", false)
	s.admit("bob", true)
	carol := s.admit("carol", false)

	delivered := s.router.Broadcast(protocol.NewMessage(protocol.TypeChat, "alice", "hi"))

	// 一个接收方失败不影响其余投递。
	s.Equal(2, delivered)
	s.Len(carol.received(), 1)
}

func (s *RouterSuite) TestBroadcastEmpty() {
	delivered := s.router.Broadcast(protocol.NewMessage(protocol.TypeChat, "alice", "hi"))
	s.Zero(delivered)
}

func (s *RouterSuite) TestDeliverPrivate() {
	alice := s.admit("alice", false)
	bob := s.admit("bob", false)

	msg := protocol.NewPrivateMessage("alice", "bob", "悄悄话")
	s.NoError(s.router.DeliverPrivate(msg))

	// 接收方收到一次，发送方收到一次回显。
	s.Require().Len(bob.received(), 1)
	s.Equal("悄悄话", bob.received()[0].Content)
	s.Require().Len(alice.received(), 1)
	s.Equal("悄悄话", alice.received()[0].Content)
}

func (s *RouterSuite) TestDeliverPrivateOffline() {
	alice := s.admit("alice", false)
	bob := s.admit("bob", false)

	msg := protocol.NewPrivateMessage("alice", "ghost", "anyone there")
	err := s.router.DeliverPrivate(msg)
	s.ErrorIs(err, merr.ErrUserOffline)

	// 只有发送方收到一条说明性响应，其他会话无感知。
	s.Require().Len(alice.received(), 1)
	s.Equal(protocol.TypeSystemResponse, alice.received()[0].Type)
	s.Contains(alice.received()[0].Content, "ghost")
	s.Empty(bob.received())
}

func (s *RouterSuite) TestDeliverPrivateOfflineSenderGone() {
	// 发送方也不在线：不投递任何消息，仅报错。
	msg := protocol.NewPrivateMessage("alice", "ghost", "hello")
	err := s.router.DeliverPrivate(msg)
	s.ErrorIs(err, merr.ErrUserOffline)
}

func (s *RouterSuite) TestDeliverPrivateSelfNoDoubleEcho() {
	alice := s.admit("alice", false)

	msg := protocol.NewPrivateMessage("alice", "alice", "note to self")
	s.NoError(s.router.DeliverPrivate(msg))

	// sender == receiver 时只投递一次。
	s.Len(alice.received(), 1)
}

func (s *RouterSuite) TestDeliverPrivateEmptyReceiver() {
	msg := protocol.NewMessage(protocol.TypePrivateChat, "alice", "hello")
	err := s.router.DeliverPrivate(msg)
	s.ErrorIs(err, merr.ErrInvalidMessage)
}

func (s *RouterSuite) TestBroadcastUserList() {
	bob := s.admit("bob", false)
	alice := s.admit("alice", false)

	delivered := s.router.BroadcastUserList()
	s.Equal(2, delivered)

	s.Require().Len(alice.received(), 1)
	got := alice.received()[0]
	s.Equal(protocol.TypeUserListUpdate, got.Type)
	s.Equal("alice,bob", got.Content)
	s.Require().Len(bob.received(), 1)
	s.Equal("alice,bob", bob.received()[0].Content)
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}
