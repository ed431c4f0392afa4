package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/lk2023060901/chatroom-garden-go/pkg/log"
	"github.com/lk2023060901/chatroom-garden-go/pkg/util/merr"
	"github.com/lk2023060901/chatroom-garden-go/pkg/util/retry"
)

// Credential 为一条持久化的账户记录。
type Credential struct {
	Username    string
	SecretHash  string
	LastAddress string
}

// defaultAccounts 为首次启动（空库）时写入的默认账户。
var defaultAccounts = [][2]string{
	{"admin", "123456"}, {"alice", "password"}, {"bob", "123"}, {"charlie", "abc"},
	{"diana", "pass"}, {"eve", "secret"}, {"frank", "test"}, {"grace", "hello"},
	{"henry", "world"}, {"iris", "java"}, {"jack", "swing"}, {"kate", "chat"},
}

// DefaultAccounts 返回默认账户的用户名/口令对（副本）。
// 存储不可用、退回纯内存模式时由上层用它补齐账户集。
func DefaultAccounts() [][2]string {
	accounts := make([][2]string, len(defaultAccounts))
	copy(accounts, defaultAccounts)
	return accounts
}

// Store 基于 sqlite 的账户存储。
//
// 口令以 bcrypt 散列形式落盘，明文口令只在认证与注册路径上短暂存在。
// 写操作内部带重试，应对 sqlite 的 busy 竞争。
type Store struct {
	db *sql.DB

	log.Binder
}

// Open 打开（或创建）指定路径上的账户库并初始化表结构。
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, merr.WrapErrPersistenceFailed("open", err)
	}

	s := &Store{db: db}
	s.SetLogger(log.With(log.FieldModule("store")))

	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init() error {
	query := `CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		secret_hash TEXT NOT NULL,
		last_address TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`
	if _, err := s.db.Exec(query); err != nil {
		return merr.WrapErrPersistenceFailed("init", err)
	}
	return nil
}

// LoadAll 返回库中全部账户记录。
func (s *Store) LoadAll(ctx context.Context) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT username, secret_hash, last_address FROM users ORDER BY username")
	if err != nil {
		return nil, merr.WrapErrPersistenceFailed("load", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.Username, &c.SecretHash, &c.LastAddress); err != nil {
			return nil, merr.WrapErrPersistenceFailed("load", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, merr.WrapErrPersistenceFailed("load", err)
	}
	return creds, nil
}

// Insert 将新账户写入库中，口令经 bcrypt 散列后存储，返回散列值。
// 用户名已存在时返回 ErrUserAlreadyExists。
func (s *Store) Insert(ctx context.Context, username, secret string) (string, error) {
	hashed, err := HashSecret(secret)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	err = retry.Do(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO users (username, secret_hash, created_at) VALUES (?, ?, ?)",
			username, hashed, now)
		if err == nil {
			return nil
		}
		if isUniqueViolation(err) {
			return retry.Unrecoverable(merr.WrapErrUserAlreadyExists(username))
		}
		return merr.WrapErrPersistenceFailed("insert", err)
	}, retry.Attempts(3), retry.Sleep(50*time.Millisecond))
	if err != nil {
		return "", err
	}
	return hashed, nil
}

// UpdateLastAddress 记录账户最近一次登录成功的客户端地址。
func (s *Store) UpdateLastAddress(ctx context.Context, username, addr string) error {
	return retry.Do(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE users SET last_address = ? WHERE username = ?", addr, username)
		if err != nil {
			return merr.WrapErrPersistenceFailed("update", err)
		}
		return nil
	}, retry.Attempts(3), retry.Sleep(50*time.Millisecond))
}

// Count 返回库中账户总数。
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count)
	if err != nil {
		return 0, merr.WrapErrPersistenceFailed("count", err)
	}
	return count, nil
}

// SeedDefaults 在空库上写入默认账户，返回写入条数。
// 库非空时不做任何修改。
func (s *Store) SeedDefaults(ctx context.Context) (int, error) {
	count, err := s.Count(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}

	seeded := 0
	for _, account := range defaultAccounts {
		if _, err := s.Insert(ctx, account[0], account[1]); err != nil {
			return seeded, err
		}
		seeded++
	}
	s.Logger().Info("seeded default accounts", zap.Int("count", seeded))
	return seeded, nil
}

// HashSecret 生成口令的 bcrypt 散列。
func HashSecret(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", merr.WrapErrPersistenceFailed("hash", err)
	}
	return string(hashed), nil
}

// VerifySecret 校验明文口令与散列是否匹配。
func VerifySecret(secretHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(secret)) == nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// go-sqlite3 的唯一键冲突错误文本固定包含该前缀。
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
