package registry

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/lk2023060901/chatroom-garden-go/internal/protocol"
	"github.com/lk2023060901/chatroom-garden-go/internal/store"
	"github.com/lk2023060901/chatroom-garden-go/pkg/log"
	"github.com/lk2023060901/chatroom-garden-go/pkg/metrics"
	"github.com/lk2023060901/chatroom-garden-go/pkg/util/merr"
)

// Peer 为注册表眼中的一个在线会话句柄。
// 由会话层实现；注册表只通过该接口投递消息和强制下线。
type Peer interface {
	// Username 返回会话绑定的用户名。
	Username() string
	// Send 将消息排入会话的发送队列，不阻塞调用方。
	Send(msg *protocol.Message) error
	// Kick 强制关闭会话，触发其正常的清理路径。
	Kick()
}

// Notifier 在在线成员发生净变化（一次 Admit 或一次 Evict）后被调用。
// 回调在锁外执行。
type Notifier func(username string, online bool)

// UserRecord 为一条账户的管理视图快照。
type UserRecord struct {
	Username    string
	Online      bool
	LastAddress string
}

type credential struct {
	secretHash  string
	lastAddress string
}

// Registry 同时持有持久化账户集与在线会话表。
//
// 两张表由同一把读写锁保护；所有修改操作各自原子，调用方不会观察到
// 半完成的 Admit/Evict。通知回调与持久化写入都发生在锁外。
type Registry struct {
	mu     sync.RWMutex
	creds  map[string]*credential
	online map[string]Peer

	store    *store.Store
	notifier Notifier

	log.Binder
}

// New 创建注册表并从存储加载账户集。
//
// 存储为空时先播种默认账户；存储读取失败时记录告警并退回空账户集，
// 而不是拒绝启动。st 允许为 nil（纯内存模式，供测试使用）。
func New(ctx context.Context, st *store.Store) *Registry {
	r := &Registry{
		creds:  make(map[string]*credential),
		online: make(map[string]Peer),
		store:  st,
	}
	r.SetLogger(log.With(log.FieldModule("registry")))

	if st == nil {
		return r
	}

	if seeded, err := st.SeedDefaults(ctx); err != nil {
		r.Logger().Warn("seed default accounts failed", zap.Error(err))
	} else if seeded > 0 {
		r.Logger().Info("first run, default accounts created", zap.Int("count", seeded))
	}

	creds, err := st.LoadAll(ctx)
	if err != nil {
		r.Logger().Warn("load credentials failed, starting with empty credential set",
			zap.Error(err))
		return r
	}
	for _, c := range creds {
		r.creds[c.Username] = &credential{
			secretHash:  c.SecretHash,
			lastAddress: c.LastAddress,
		}
	}
	r.Logger().Info("credentials loaded", zap.Int("count", len(creds)))
	return r
}

// SetNotifier 注册在线成员变化回调。应在接受连接之前调用一次。
func (r *Registry) SetNotifier(fn Notifier) {
	r.notifier = fn
}

// Authenticate 校验用户名与口令。
// 成功时记录最近登录地址（内存立即生效，落盘失败仅告警）。
// 认证成功不代表会话已被接纳，接纳由 Admit 单独完成。
func (r *Registry) Authenticate(ctx context.Context, username, secret, addr string) error {
	r.mu.RLock()
	cred, ok := r.creds[username]
	r.mu.RUnlock()

	if !ok || !store.VerifySecret(cred.secretHash, secret) {
		metrics.AuthAttempts.WithLabelValues("failed").Inc()
		r.Logger().Warn("authentication failed",
			log.FieldUser(username), log.FieldRemoteAddr(addr))
		return merr.WrapErrAuthenticationFailed(username)
	}

	r.mu.Lock()
	cred.lastAddress = addr
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpdateLastAddress(ctx, username, addr); err != nil {
			r.Logger().Warn("record last address failed",
				log.FieldUser(username), zap.Error(err))
		}
	}

	metrics.AuthAttempts.WithLabelValues("success").Inc()
	r.Logger().Info("authentication succeeded",
		log.FieldUser(username), log.FieldRemoteAddr(addr))
	return nil
}

// Admit 原子地将会话插入在线表。
// 用户名已在线时返回 ErrDuplicateSession 且不产生任何状态变化。
func (r *Registry) Admit(username string, p Peer) error {
	r.mu.Lock()
	if _, exists := r.online[username]; exists {
		r.mu.Unlock()
		r.Logger().Warn("duplicate login rejected", log.FieldUser(username))
		return merr.WrapErrDuplicateSession(username)
	}
	r.online[username] = p
	count := len(r.online)
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(count))
	r.Logger().Info("user online",
		log.FieldUser(username), zap.Int("onlineCount", count))

	if r.notifier != nil {
		r.notifier(username, true)
	}
	return nil
}

// Evict 将用户名移出在线表；幂等，键不存在时静默返回。
// 只有真正移除了条目才触发一次下线通知。
func (r *Registry) Evict(username string) {
	r.mu.Lock()
	_, existed := r.online[username]
	if existed {
		delete(r.online, username)
	}
	count := len(r.online)
	r.mu.Unlock()

	if !existed {
		return
	}

	metrics.OnlineUsers.Set(float64(count))
	r.Logger().Info("user offline",
		log.FieldUser(username), zap.Int("onlineCount", count))

	if r.notifier != nil {
		r.notifier(username, false)
	}
}

// Lookup 返回用户名对应的在线会话。
func (r *Registry) Lookup(username string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.online[username]
	return p, ok
}

// OnlineUsernames 返回在线用户名的有序快照。
// 快照可独立于并发修改安全遍历。
func (r *Registry) OnlineUsernames() []string {
	r.mu.RLock()
	names := maps.Keys(r.online)
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// AllSessions 返回当前全部在线会话的快照，供广播使用。
func (r *Registry) AllSessions() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return maps.Values(r.online)
}

// OnlineCount 返回当前在线会话数。
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.online)
}

// RegisterAccount 注册新账户并持久化。
// 用户名已存在时返回 ErrUserAlreadyExists。
func (r *Registry) RegisterAccount(ctx context.Context, username, secret string) error {
	r.mu.RLock()
	_, exists := r.creds[username]
	r.mu.RUnlock()
	if exists {
		return merr.WrapErrUserAlreadyExists(username)
	}

	var hash string
	if r.store != nil {
		var err error
		hash, err = r.store.Insert(ctx, username, secret)
		if err != nil {
			return err
		}
	} else {
		var err error
		hash, err = store.HashSecret(secret)
		if err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.creds[username]; exists {
		return merr.WrapErrUserAlreadyExists(username)
	}
	r.creds[username] = &credential{secretHash: hash}
	r.Logger().Info("account registered", log.FieldUser(username))
	return nil
}

// AllUsers 返回全部账户的管理视图快照，按用户名排序。
func (r *Registry) AllUsers() []UserRecord {
	r.mu.RLock()
	records := make([]UserRecord, 0, len(r.creds))
	for username, cred := range r.creds {
		_, online := r.online[username]
		records = append(records, UserRecord{
			Username:    username,
			Online:      online,
			LastAddress: cred.lastAddress,
		})
	}
	r.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].Username < records[j].Username
	})
	return records
}
