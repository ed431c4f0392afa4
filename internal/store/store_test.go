package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/chatroom-garden-go/pkg/log"
	"github.com/lk2023060901/chatroom-garden-go/pkg/util/merr"
)

type StoreSuite struct {
	suite.Suite

	store *Store
}

func (s *StoreSuite) SetupTest() {
	log.SetupTestLogger(s.T())

	st, err := Open(filepath.Join(s.T().TempDir(), "users.db"))
	s.Require().NoError(err)
	s.store = st
}

func (s *StoreSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *StoreSuite) mustInsert(username, secret string) string {
	hash, err := s.store.Insert(context.Background(), username, secret)
	s.Require().NoError(err)
	return hash
}

func (s *StoreSuite) TestInsertAndLoad() {
	ctx := context.Background()

	hash := s.mustInsert("alice", "password")
	s.mustInsert("bob", "123")

	creds, err := s.store.LoadAll(ctx)
	s.NoError(err)
	s.Len(creds, 2)
	s.Equal("alice", creds[0].Username)
	s.Equal(hash, creds[0].SecretHash)
	s.Equal("bob", creds[1].Username)

	// 落盘的是散列而非明文。
	s.NotEqual("password", creds[0].SecretHash)
	s.True(VerifySecret(creds[0].SecretHash, "password"))
	s.False(VerifySecret(creds[0].SecretHash, "wrong"))
}

func (s *StoreSuite) TestInsertDuplicate() {
	ctx := context.Background()

	s.mustInsert("alice", "password")
	_, err := s.store.Insert(ctx, "alice", "other")
	s.ErrorIs(err, merr.ErrUserAlreadyExists)
}

func (s *StoreSuite) TestUpdateLastAddress() {
	ctx := context.Background()

	s.mustInsert("alice", "password")
	s.NoError(s.store.UpdateLastAddress(ctx, "alice", "10.0.0.7:52113"))

	creds, err := s.store.LoadAll(ctx)
	s.NoError(err)
	s.Require().Len(creds, 1)
	s.Equal("10.0.0.7:52113", creds[0].LastAddress)
}

func (s *StoreSuite) TestSeedDefaults() {
	ctx := context.Background()

	seeded, err := s.store.SeedDefaults(ctx)
	s.NoError(err)
	s.Equal(len(defaultAccounts), seeded)

	creds, err := s.store.LoadAll(ctx)
	s.NoError(err)
	s.Len(creds, len(defaultAccounts))

	// 二次播种不应重复写入。
	seeded, err = s.store.SeedDefaults(ctx)
	s.NoError(err)
	s.Zero(seeded)
}

func (s *StoreSuite) TestCount() {
	ctx := context.Background()

	count, err := s.store.Count(ctx)
	s.NoError(err)
	s.Zero(count)

	s.mustInsert("alice", "password")
	count, err = s.store.Count(ctx)
	s.NoError(err)
	s.Equal(1, count)
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}
