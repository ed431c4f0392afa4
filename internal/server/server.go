package server

import (
	"context"
	"net"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/chatroom-garden-go/internal/protocol"
	"github.com/lk2023060901/chatroom-garden-go/internal/registry"
	"github.com/lk2023060901/chatroom-garden-go/internal/router"
	"github.com/lk2023060901/chatroom-garden-go/internal/session"
	"github.com/lk2023060901/chatroom-garden-go/internal/store"
	"github.com/lk2023060901/chatroom-garden-go/pkg/log"
	"github.com/lk2023060901/chatroom-garden-go/pkg/metrics"
	"github.com/lk2023060901/chatroom-garden-go/pkg/util/merr"
	"github.com/lk2023060901/chatroom-garden-go/pkg/util/typeutil"
)

// Server 为聊天服务的顶层组件，负责监听端口、
// 为每条连接派生会话，并串联注册表与消息路由。
type Server struct {
	cfg *Config

	store    *store.Store
	registry *registry.Registry
	router   *router.Router
	codec    *protocol.Codec

	ctx    context.Context
	cancel context.CancelFunc

	listenerMu sync.Mutex
	listener   net.Listener

	// liveMu 保护 live。会话结束时自行从集合中摘除。
	liveMu sync.Mutex
	live   typeutil.Set[*session.Session]

	wg        sync.WaitGroup
	closing   atomic.Bool
	closeOnce sync.Once

	log.Binder
}

// New 按配置构建服务实例。
//
// 账户库打开失败不阻止启动：记录告警后退回纯内存模式，
// 并用默认账户集补齐，保证服务仍然可用。
func New(ctx context.Context, cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	s := &Server{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		codec:  protocol.NewCodec(cfg.Server.MaxFrameSize),
		live:   typeutil.NewSet[*session.Session](),
	}
	s.SetLogger(log.With(log.FieldModule("server")))

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		s.Logger().Warn("open credential store failed, falling back to in-memory accounts",
			zap.String("path", cfg.Store.Path), zap.Error(err))
		st = nil
	}
	s.store = st
	s.registry = registry.New(ctx, st)

	if st == nil {
		for _, account := range store.DefaultAccounts() {
			if err := s.registry.RegisterAccount(ctx, account[0], account[1]); err != nil {
				s.Logger().Warn("seed in-memory default account failed",
					log.FieldUser(account[0]), zap.Error(err))
			}
		}
	}

	s.router = router.New(s.registry, cfg.Server.BroadcastPoolSize)

	// 在线成员变化统一由路由层广播给所有会话。
	s.registry.SetNotifier(func(username string, online bool) {
		s.Logger().Info("online set changed",
			log.FieldUser(username), zap.Bool("online", online))
		s.router.BroadcastUserList()
	})

	return s, nil
}

// Serve 开始监听并阻塞处理连接，直到 Shutdown 被调用或监听出错。
// 正常关停时返回 nil。
func (s *Server) Serve() error {
	if s.closing.Load() {
		return merr.ErrServerClosed
	}

	ln, err := net.Listen("tcp", s.cfg.Server.ListenAddress)
	if err != nil {
		return errors.Wrapf(err, "listen on %q", s.cfg.Server.ListenAddress)
	}

	s.listenerMu.Lock()
	if s.closing.Load() {
		s.listenerMu.Unlock()
		ln.Close()
		return merr.ErrServerClosed
	}
	s.listener = ln
	s.listenerMu.Unlock()

	s.Logger().Info("server listening", zap.String("address", ln.Addr().String()))
	return s.acceptLoop(ln)
}

// Addr 返回实际监听地址。未开始监听时返回 nil。
func (s *Server) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// 关停过程中监听被主动关闭，按正常退出处理。
			if s.closing.Load() || s.ctx.Err() != nil {
				s.Logger().Info("accept loop exited")
				return nil
			}
			s.Logger().Error("accept connection failed", zap.Error(err))
			return err
		}

		// 关停开始后不再接纳新连接。
		if s.closing.Load() {
			conn.Close()
			continue
		}

		metrics.AcceptedConnections.Inc()
		s.Logger().Info("connection accepted",
			log.FieldRemoteAddr(conn.RemoteAddr().String()))

		sess := session.New(s.ctx, conn, s.codec, s.registry, s.router,
			s.cfg.Server.SendQueueSize)

		s.wg.Add(1)
		if !s.track(sess) {
			// 与关停竞争落败的连接就地拆除。
			sess.Close()
			s.wg.Done()
			continue
		}
		go func() {
			defer s.wg.Done()
			sess.Run()
			s.untrack(sess)
		}()
	}
}

// track 将会话纳入存活集合。关停已开始时拒绝纳入并返回 false，
// 保证 Shutdown 的快照覆盖所有需要关闭的会话。
func (s *Server) track(sess *session.Session) bool {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.live.Insert(sess)
	return true
}

func (s *Server) untrack(sess *session.Session) {
	s.liveMu.Lock()
	s.live.Remove(sess)
	s.liveMu.Unlock()
}

// liveSessions 返回当前存活会话的快照。
func (s *Server) liveSessions() []*session.Session {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	return s.live.Collect()
}

// OnlineUsernames 返回当前在线用户名，按字典序排列。
func (s *Server) OnlineUsernames() []string {
	return s.registry.OnlineUsernames()
}

// AllUsers 返回全部账户的管理视图快照。
func (s *Server) AllUsers() []registry.UserRecord {
	return s.registry.AllUsers()
}

// OnlineCount 返回当前在线会话数。
func (s *Server) OnlineCount() int {
	return s.registry.OnlineCount()
}

// Shutdown 有序关停：先停止接纳新连接，再逐一关闭存活会话并等待
// 其完成拆除，最后关闭监听与底层资源。可重复调用。
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		s.Logger().Info("server shutting down",
			zap.Int("live_sessions", len(s.liveSessions())))
		s.closing.Store(true)

		s.liveMu.Lock()
		sessions := s.live.Collect()
		s.liveMu.Unlock()
		for _, sess := range sessions {
			sess.Kick()
		}
		s.wg.Wait()

		s.listenerMu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.listenerMu.Unlock()

		s.cancel()
		s.router.Close()
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.Logger().Warn("close credential store failed", zap.Error(err))
			}
		}
		s.Logger().Info("server stopped")
	})
}
