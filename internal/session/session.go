package session

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/chatroom-garden-go/internal/protocol"
	"github.com/lk2023060901/chatroom-garden-go/internal/registry"
	"github.com/lk2023060901/chatroom-garden-go/pkg/log"
	"github.com/lk2023060901/chatroom-garden-go/pkg/metrics"
	"github.com/lk2023060901/chatroom-garden-go/pkg/util/merr"
)

// 会话状态。
//
// 状态机：
//
//	Connected → Authenticating → Active → Closing → Closed
//
// Authenticating 阶段允许多次登录尝试；Closing → Closed 的清理路径
// 在任何退出分支上都会执行。
const (
	StateConnected int32 = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

var stateNames = map[int32]string{
	StateConnected:      "connected",
	StateAuthenticating: "authenticating",
	StateActive:         "active",
	StateClosing:        "closing",
	StateClosed:         "closed",
}

// Dispatcher 为会话投递聊天消息所需的路由能力。
type Dispatcher interface {
	// Broadcast 将消息广播给全部在线会话，返回成功写入的会话数。
	Broadcast(msg *protocol.Message) int
	// DeliverPrivate 投递定向消息；接收方不在线时通知发送方并返回错误。
	DeliverPrivate(msg *protocol.Message) error
}

// defaultSendQueueSize 为每个会话的发送队列容量。
const defaultSendQueueSize = 256

// drainTimeout 为主动退出路径上等待发送队列清空的最长时间。
const drainTimeout = 500 * time.Millisecond

// Session 为一条已接受连接的服务器侧状态。
//
// 一个会话由两个协程驱动：Run 所在协程顺序读取并分发消息；
// sendLoop 协程独占底层连接的写路径，避免并发写导致的报文交叉。
type Session struct {
	conn  net.Conn
	codec *protocol.Codec

	registry   *registry.Registry
	dispatcher Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	// username 仅在认证成功后被绑定一次。
	username atomic.String

	state    atomic.Int32
	quitting atomic.Bool

	// sendQueue 不在关闭时 close，发送协程随 ctx 取消退出，
	// 避免与并发 Send 产生“向已关闭 channel 发送”的竞争。
	sendQueue chan *protocol.Message

	// pending 为已入队但尚未写完的消息数，供 drainSend 判断队列是否清空。
	pending atomic.Int32

	closeOnce sync.Once

	log.Binder
}

// 确保 Session 可以作为注册表中的在线句柄使用。
var _ registry.Peer = (*Session)(nil)

// New 创建一个会话并启动其发送协程。
// queueSize 为 0 时使用默认发送队列容量。
func New(parent context.Context, conn net.Conn, codec *protocol.Codec,
	reg *registry.Registry, disp Dispatcher, queueSize int,
) *Session {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}

	s := &Session{
		conn:       conn,
		codec:      codec,
		registry:   reg,
		dispatcher: disp,
		ctx:        ctx,
		cancel:     cancel,
		sendQueue:  make(chan *protocol.Message, queueSize),
	}
	s.state.Store(StateConnected)
	s.SetLogger(log.With(
		log.FieldModule("session"),
		log.FieldRemoteAddr(conn.RemoteAddr().String()),
	))

	go s.sendLoop()
	return s
}

// Username 实现 registry.Peer.Username。认证前返回空串。
func (s *Session) Username() string {
	return s.username.Load()
}

// State 返回当前状态，供测试与管理面观察。
func (s *Session) State() int32 {
	return s.state.Load()
}

// Send 实现 registry.Peer.Send。
//
// 仅将消息投递到会话级发送队列：队列满或会话已关闭时立刻失败，
// 不阻塞调用方，保证一个慢会话不会拖住广播路径。
func (s *Session) Send(msg *protocol.Message) error {
	select {
	case <-s.ctx.Done():
		return merr.WrapErrSessionClosed(s.Username())
	default:
	}

	select {
	case s.sendQueue <- msg:
		s.pending.Inc()
		return nil
	case <-s.ctx.Done():
		return merr.WrapErrSessionClosed(s.Username())
	default:
		metrics.MessagesDropped.WithLabelValues("queue_full").Inc()
		return merr.WrapErrSendQueueFull(s.Username(), len(s.sendQueue))
	}
}

// Kick 实现 registry.Peer.Kick。
func (s *Session) Kick() {
	_ = s.Close()
}

// Close 关闭会话并释放全部资源。幂等；每条退出路径都会走到这里。
// 若会话已绑定身份，则从注册表摘除（触发下线广播）。
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(StateClosing)

		s.cancel()
		err = s.conn.Close()

		if username := s.Username(); username != "" {
			s.registry.Evict(username)
		}

		s.state.Store(StateClosed)
		s.Logger().Debug("session closed", log.FieldUser(s.Username()))
	})
	return err
}

// Run 驱动会话状态机直到连接结束，返回时会话必定处于 Closed 状态。
// 应在独立协程中调用。
func (s *Session) Run() {
	defer s.Close()

	s.state.Store(StateAuthenticating)

	if !s.authenticate() {
		return
	}

	s.state.Store(StateActive)
	s.messageLoop()

	// 主动退出路径上给发送协程留出清空队列的时间，
	// 保证告别消息先于连接关闭发出。
	if s.quitting.Load() {
		s.drainSend()
	}
}

// authenticate 为登录阶段的读循环。
// 返回 true 表示身份已绑定且已被注册表接纳。
func (s *Session) authenticate() bool {
	for {
		msg, err := s.codec.ReadMessage(s.conn)
		if err != nil {
			s.logReadFailure("login", err)
			return false
		}

		if msg.Type != protocol.TypeLogin {
			continue
		}
		metrics.MessagesReceived.WithLabelValues(msg.Type).Inc()

		username, secret, ok := strings.Cut(msg.Content, ":")
		if !ok {
			_ = s.Send(protocol.NewMessage(protocol.TypeLoginFailed,
				protocol.SystemSender, "登录格式错误，应为 username:secret"))
			continue
		}

		addr := s.conn.RemoteAddr().String()
		if err := s.registry.Authenticate(s.ctx, username, secret, addr); err != nil {
			_ = s.Send(protocol.NewMessage(protocol.TypeLoginFailed,
				protocol.SystemSender, "用户名或密码错误，请重试"))
			continue
		}

		if err := s.registry.Admit(username, s); err != nil {
			_ = s.Send(protocol.NewMessage(protocol.TypeLoginFailed,
				protocol.SystemSender, "用户 "+username+" 已在线，拒绝重复登录"))
			continue
		}

		s.username.Store(username)
		_ = s.Send(protocol.NewMessage(protocol.TypeLoginSuccess,
			protocol.SystemSender, "登录成功！欢迎进入聊天室！"))
		return true
	}
}

// messageLoop 为 Active 状态的主循环，顺序读取并分发消息。
func (s *Session) messageLoop() {
	for {
		msg, err := s.codec.ReadMessage(s.conn)
		if err != nil {
			s.logReadFailure("message", err)
			return
		}
		metrics.MessagesReceived.WithLabelValues(msg.Type).Inc()

		switch msg.Type {
		case protocol.TypeChat:
			// 空内容静默丢弃：不是错误，也不投递。
			if strings.TrimSpace(msg.Content) == "" {
				continue
			}
			s.dispatcher.Broadcast(msg)

		case protocol.TypePrivateChat:
			if strings.TrimSpace(msg.Content) == "" {
				continue
			}
			if msg.Receiver == s.Username() {
				_ = s.Send(protocol.NewSystemResponse("不能给自己发送私聊消息"))
				continue
			}
			_ = s.dispatcher.DeliverPrivate(msg)

		case protocol.TypeSystemCommand:
			if s.handleCommand(msg.Content) {
				return
			}

		case protocol.TypeLogout:
			s.quitting.Store(true)
			return

		default:
			// 未知类型只记录，不致命。
			s.Logger().Warn("unknown message type ignored",
				log.FieldUser(s.Username()), log.FieldMessageType(msg.Type))
		}
	}
}

// handleCommand 处理系统命令，返回 true 表示会话应当结束。
func (s *Session) handleCommand(content string) bool {
	command := strings.ToLower(strings.TrimSpace(content))

	switch command {
	case "list":
		_ = s.Send(protocol.NewSystemResponse(s.onlineListText()))

	case "quit":
		_ = s.Send(protocol.NewSystemResponse("再见！您已退出聊天室。"))
		s.quitting.Store(true)
		return true

	case "anonymous":
		_ = s.Send(protocol.NewMessage(protocol.TypeAnonymousToggle,
			protocol.SystemSender, "匿名状态已切换"))

	case "showanonymous":
		_ = s.Send(protocol.NewSystemResponse("匿名状态查询请求"))

	default:
		// 未知命令只回显给发送方。
		_ = s.Send(protocol.NewSystemResponse("未知命令: " + command))
	}
	return false
}

func (s *Session) onlineListText() string {
	var sb strings.Builder
	sb.WriteString("在线用户列表：\n")

	names := s.registry.OnlineUsernames()
	if len(names) == 0 {
		sb.WriteString("当前没有用户在线\n")
		return sb.String()
	}
	for _, name := range names {
		sb.WriteString("- ")
		sb.WriteString(name)
		sb.WriteString("\n")
	}
	return sb.String()
}

// logReadFailure 区分主动退出与异常断连的日志级别；
// 解码类失败意味着帧边界不再可信，单独标记。
func (s *Session) logReadFailure(phase string, err error) {
	if s.quitting.Load() || s.ctx.Err() != nil {
		s.Logger().Info("connection closed",
			log.FieldUser(s.Username()), zap.String("phase", phase))
		return
	}

	if errors.IsAny(err, merr.ErrDecodeFailed, merr.ErrFrameTooLarge) {
		s.Logger().Warn("protocol decode failed, closing session",
			log.FieldUser(s.Username()), zap.String("phase", phase), zap.Error(err))
		return
	}

	s.Logger().Warn("connection lost",
		log.FieldUser(s.Username()), zap.String("phase", phase), zap.Error(err))
}

// sendLoop 为会话的专职发送协程，发送路径仅在此协程中执行。
func (s *Session) sendLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.sendQueue:
			err := s.codec.WriteMessage(s.conn, msg)
			s.pending.Dec()
			if err != nil {
				// 写失败视为会话异常，取消上下文触发上层清理。
				s.Logger().Warn("write failed",
					log.FieldUser(s.Username()), zap.Error(err))
				s.cancel()
				return
			}
			metrics.MessagesDelivered.WithLabelValues(msg.Type).Inc()
		}
	}
}

// drainSend 等待在途消息全部写出或超时，用于主动退出前送出告别消息。
func (s *Session) drainSend() {
	deadline := time.Now().Add(drainTimeout)
	for s.pending.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

// StateName 返回状态的可读名称，供日志与测试使用。
func StateName(state int32) string {
	if name, ok := stateNames[state]; ok {
		return name
	}
	return "unknown"
}
