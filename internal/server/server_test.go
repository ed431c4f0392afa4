package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/chatroom-garden-go/internal/protocol"
	"github.com/lk2023060901/chatroom-garden-go/pkg/log"
)

const testWait = 5 * time.Second

// testClient 为测试用的裸 TCP 客户端。
type testClient struct {
	conn  net.Conn
	codec *protocol.Codec
}

type ServerSuite struct {
	suite.Suite

	srv     *Server
	clients []*testClient
}

func (s *ServerSuite) SetupTest() {
	log.SetupTestLogger(s.T())
	s.srv = s.startServer(filepath.Join(s.T().TempDir(), "chat.db"))
}

func (s *ServerSuite) TearDownTest() {
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.clients = nil
	s.srv.Shutdown()
}

func (s *ServerSuite) startServer(storePath string) *Server {
	cfg := DefaultConfig()
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Store.Path = storePath

	srv, err := New(context.Background(), cfg)
	s.Require().NoError(err)

	go func() {
		_ = srv.Serve()
	}()
	s.Require().Eventually(func() bool {
		return srv.Addr() != nil
	}, testWait, 10*time.Millisecond)
	return srv
}

func (s *ServerSuite) dial() *testClient {
	conn, err := net.Dial("tcp", s.srv.Addr().String())
	s.Require().NoError(err)

	c := &testClient{conn: conn, codec: protocol.NewCodec(0)}
	s.clients = append(s.clients, c)
	return c
}

func (s *ServerSuite) write(c *testClient, msg *protocol.Message) {
	s.Require().NoError(c.conn.SetWriteDeadline(time.Now().Add(testWait)))
	s.Require().NoError(c.codec.WriteMessage(c.conn, msg))
}

func (s *ServerSuite) read(c *testClient) *protocol.Message {
	s.Require().NoError(c.conn.SetReadDeadline(time.Now().Add(testWait)))
	msg, err := c.codec.ReadMessage(c.conn)
	s.Require().NoError(err)
	return msg
}

// readType 跳过其它帧（如异步的在线列表更新）直到读到目标类型。
func (s *ServerSuite) readType(c *testClient, msgType string) *protocol.Message {
	for i := 0; i < 32; i++ {
		msg := s.read(c)
		if msg.Type == msgType {
			return msg
		}
	}
	s.Require().FailNowf("message type not seen", "expected %s", msgType)
	return nil
}

func (s *ServerSuite) login(c *testClient, username, secret string) {
	s.write(c, protocol.NewMessage(protocol.TypeLogin, username, username+":"+secret))
	msg := s.readType(c, protocol.TypeLoginSuccess)
	s.Require().Equal(protocol.SystemSender, msg.Sender)
}

func (s *ServerSuite) TestLoginRegistersOnline() {
	c := s.dial()
	s.login(c, "alice", "password")

	s.Require().Eventually(func() bool {
		return s.srv.OnlineCount() == 1
	}, testWait, 10*time.Millisecond)
	s.Equal([]string{"alice"}, s.srv.OnlineUsernames())
}

func (s *ServerSuite) TestLoginWrongSecret() {
	c := s.dial()
	s.write(c, protocol.NewMessage(protocol.TypeLogin, "alice", "alice:nope"))

	msg := s.readType(c, protocol.TypeLoginFailed)
	s.Contains(msg.Content, "用户名或密码错误")
	s.Equal(0, s.srv.OnlineCount())
}

func (s *ServerSuite) TestDuplicateLoginRejected() {
	first := s.dial()
	s.login(first, "alice", "password")

	second := s.dial()
	s.write(second, protocol.NewMessage(protocol.TypeLogin, "alice", "alice:password"))

	msg := s.readType(second, protocol.TypeLoginFailed)
	s.Contains(msg.Content, "已在线")
	s.Equal(1, s.srv.OnlineCount())
}

func (s *ServerSuite) TestChatBroadcast() {
	alice := s.dial()
	s.login(alice, "alice", "password")
	bob := s.dial()
	s.login(bob, "bob", "123")

	s.write(alice, protocol.NewMessage(protocol.TypeChat, "alice", "大家好"))

	got := s.readType(bob, protocol.TypeChat)
	s.Equal("alice", got.Sender)
	s.Equal("大家好", got.Content)

	// 广播对发送方自身同样生效。
	echo := s.readType(alice, protocol.TypeChat)
	s.Equal("大家好", echo.Content)
}

func (s *ServerSuite) TestPrivateChatDeliversAndEchoes() {
	alice := s.dial()
	s.login(alice, "alice", "password")
	bob := s.dial()
	s.login(bob, "bob", "123")

	s.write(alice, protocol.NewPrivateMessage("alice", "bob", "悄悄话"))

	got := s.readType(bob, protocol.TypePrivateChat)
	s.Equal("alice", got.Sender)
	s.Equal("悄悄话", got.Content)

	echo := s.readType(alice, protocol.TypePrivateChat)
	s.Equal("悄悄话", echo.Content)
}

func (s *ServerSuite) TestPrivateChatOfflineReceiver() {
	alice := s.dial()
	s.login(alice, "alice", "password")

	s.write(alice, protocol.NewPrivateMessage("alice", "ghost", "在吗"))

	msg := s.readType(alice, protocol.TypeSystemResponse)
	s.Contains(msg.Content, "ghost")
	s.Contains(msg.Content, "不在线")
}

func (s *ServerSuite) TestQuitCommand() {
	alice := s.dial()
	s.login(alice, "alice", "password")

	s.write(alice, protocol.NewMessage(protocol.TypeSystemCommand, "alice", "quit"))

	msg := s.readType(alice, protocol.TypeSystemResponse)
	s.Contains(msg.Content, "再见")

	// 告别消息之后服务端关闭连接。
	s.Require().NoError(alice.conn.SetReadDeadline(time.Now().Add(testWait)))
	for {
		if _, err := alice.codec.ReadMessage(alice.conn); err != nil {
			break
		}
	}
	s.Require().Eventually(func() bool {
		return s.srv.OnlineCount() == 0
	}, testWait, 10*time.Millisecond)
}

func (s *ServerSuite) TestLogoutUpdatesUserList() {
	alice := s.dial()
	s.login(alice, "alice", "password")
	bob := s.dial()
	s.login(bob, "bob", "123")

	s.write(alice, protocol.NewMessage(protocol.TypeLogout, "alice", ""))

	// bob 最终会收到只剩自己的在线列表。
	s.Require().Eventually(func() bool {
		return s.srv.OnlineCount() == 1
	}, testWait, 10*time.Millisecond)
	for {
		msg := s.readType(bob, protocol.TypeUserListUpdate)
		if msg.Content == "bob" {
			break
		}
	}
}

func (s *ServerSuite) TestAllUsersAdminView() {
	alice := s.dial()
	s.login(alice, "alice", "password")

	s.Require().Eventually(func() bool {
		return s.srv.OnlineCount() == 1
	}, testWait, 10*time.Millisecond)

	users := s.srv.AllUsers()
	s.Require().NotEmpty(users)

	online := make(map[string]bool, len(users))
	for _, u := range users {
		online[u.Username] = u.Online
	}
	s.True(online["alice"])
	s.False(online["bob"])
}

func (s *ServerSuite) TestShutdownClosesSessions() {
	alice := s.dial()
	s.login(alice, "alice", "password")

	addr := s.srv.Addr().String()
	s.srv.Shutdown()

	// 存活会话被关闭，连接读到 EOF。
	s.Require().NoError(alice.conn.SetReadDeadline(time.Now().Add(testWait)))
	for {
		if _, err := alice.codec.ReadMessage(alice.conn); err != nil {
			break
		}
	}
	s.Equal(0, s.srv.OnlineCount())

	// 监听已关闭，新连接无法建立会话。
	conn, err := net.Dial("tcp", addr)
	if err == nil {
		conn.Close()
	}
}

func (s *ServerSuite) TestStoreFallbackToMemory() {
	// 以目录作为库文件路径使存储打开失败，服务退回内存账户集。
	srv := s.startServer(s.T().TempDir())
	defer srv.Shutdown()

	conn, err := net.Dial("tcp", srv.Addr().String())
	s.Require().NoError(err)
	c := &testClient{conn: conn, codec: protocol.NewCodec(0)}
	s.clients = append(s.clients, c)

	s.write(c, protocol.NewMessage(protocol.TypeLogin, "alice", "alice:password"))
	msg := s.readType(c, protocol.TypeLoginSuccess)
	s.Equal(protocol.SystemSender, msg.Sender)
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}
