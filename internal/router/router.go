package router

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/chatroom-garden-go/internal/protocol"
	"github.com/lk2023060901/chatroom-garden-go/internal/registry"
	"github.com/lk2023060901/chatroom-garden-go/pkg/log"
	"github.com/lk2023060901/chatroom-garden-go/pkg/metrics"
	"github.com/lk2023060901/chatroom-garden-go/pkg/util/conc"
	"github.com/lk2023060901/chatroom-garden-go/pkg/util/merr"
)

// defaultPoolSize 为广播扇出协程池的容量。
const defaultPoolSize = 64

// Router 为无状态的消息分发层。
//
// 投递目标来自注册表的在线快照；任何投递 I/O 都发生在注册表锁之外，
// 单个接收方的失败被隔离记录，不影响其余接收方。
type Router struct {
	registry *registry.Registry
	pool     *conc.Pool[struct{}]

	log.Binder
}

// New 创建路由器。poolSize 为 0 时使用默认扇出池容量。
func New(reg *registry.Registry, poolSize int) *Router {
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	r := &Router{
		registry: reg,
		pool:     conc.NewPool[struct{}](poolSize, conc.WithConcealPanic(true)),
	}
	r.SetLogger(log.With(log.FieldModule("router")))
	return r
}

// Close 释放扇出协程池。
func (r *Router) Close() {
	r.pool.Release()
}

// Broadcast 将消息投递给快照时刻的全部在线会话，返回成功写入的会话数。
// 单个会话投递失败只记录告警，不中断其余投递。
func (r *Router) Broadcast(msg *protocol.Message) int {
	if msg == nil {
		return 0
	}

	start := time.Now()
	peers := r.registry.AllSessions()

	futures := make([]*conc.Future[struct{}], 0, len(peers))
	for _, peer := range peers {
		p := peer
		futures = append(futures, r.pool.Submit(func() (struct{}, error) {
			return struct{}{}, p.Send(msg)
		}))
	}

	delivered := 0
	for i, future := range futures {
		if err := future.Err(); err != nil {
			r.Logger().Warn("broadcast delivery failed",
				log.FieldUser(peers[i].Username()), zap.Error(err))
			continue
		}
		delivered++
	}

	metrics.BroadcastLatency.Observe(float64(time.Since(start).Milliseconds()))
	r.Logger().Debug("broadcast",
		log.FieldMessageType(msg.Type),
		zap.Int("delivered", delivered),
		zap.Int("total", len(peers)))
	return delivered
}

// DeliverPrivate 投递一条定向消息。
//
// 接收方不在线时，仅向发送方（若在线）回送一条说明性 SYSTEM_RESPONSE
// 并返回 ErrUserOffline。接收方在线时投递给接收方；若发送方在线且
// 与接收方不同，再回显一份给发送方作为投递确认。
func (r *Router) DeliverPrivate(msg *protocol.Message) error {
	if msg == nil {
		return merr.WrapErrInvalidMessage("message is nil")
	}
	if strings.TrimSpace(msg.Receiver) == "" {
		return merr.WrapErrInvalidMessage("receiver is empty")
	}

	receiver, receiverOnline := r.registry.Lookup(msg.Receiver)
	sender, senderOnline := r.registry.Lookup(msg.Sender)

	if !receiverOnline {
		if senderOnline {
			notice := protocol.NewSystemResponse("用户 " + msg.Receiver + " 不在线")
			if err := sender.Send(notice); err != nil {
				r.Logger().Warn("offline notice delivery failed",
					log.FieldUser(msg.Sender), zap.Error(err))
			}
		}
		metrics.MessagesDropped.WithLabelValues("receiver_offline").Inc()
		return merr.WrapErrUserOffline(msg.Receiver)
	}

	if err := receiver.Send(msg); err != nil {
		r.Logger().Warn("private delivery failed",
			log.FieldUser(msg.Receiver), zap.Error(err))
		return err
	}

	// 回显给发送方作为投递确认（至少一次）。
	if senderOnline && msg.Sender != msg.Receiver {
		if err := sender.Send(msg); err != nil {
			r.Logger().Warn("private echo failed",
				log.FieldUser(msg.Sender), zap.Error(err))
		}
	}

	r.Logger().Debug("private message delivered",
		log.FieldUser(msg.Sender), zap.String("receiver", msg.Receiver))
	return nil
}

// BroadcastUserList 广播一份自洽的在线用户名快照。
// 应在注册表报告一次在线成员净变化后调用。
func (r *Router) BroadcastUserList() int {
	names := r.registry.OnlineUsernames()
	msg := protocol.NewMessage(protocol.TypeUserListUpdate,
		protocol.SystemSender, strings.Join(names, ","))

	delivered := r.Broadcast(msg)
	r.Logger().Debug("user list update broadcast",
		zap.Int("online", len(names)), zap.Int("delivered", delivered))
	return delivered
}
