// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
)

type ErrSuite struct {
	suite.Suite
}

func (s *ErrSuite) TestCode() {
	err := WrapErrUserNotFound("alice")
	errors.Wrap(err, "failed to deliver message")
	s.ErrorIs(err, ErrUserNotFound)
	s.Equal(Code(ErrUserNotFound), Code(err))
	s.Equal(TimeoutCode, Code(context.DeadlineExceeded))
	s.Equal(CanceledCode, Code(context.Canceled))
	s.Equal(errUnexpected.errCode, Code(errUnexpected))
	s.Equal(int32(0), Code(nil))

	sameCodeErr := newChatError("new error", ErrUserNotFound.errCode, false)
	s.True(sameCodeErr.Is(ErrUserNotFound))
}

func (s *ErrSuite) TestWrap() {
	// Auth 相关错误。
	s.ErrorIs(WrapErrAuthenticationFailed("alice", "bad secret"), ErrAuthenticationFailed)
	s.ErrorIs(WrapErrDuplicateSession("alice", "second login"), ErrDuplicateSession)

	// 用户相关错误。
	s.ErrorIs(WrapErrUserNotFound("ghost", "failed to lookup"), ErrUserNotFound)
	s.ErrorIs(WrapErrUserAlreadyExists("alice", "failed to register"), ErrUserAlreadyExists)
	s.ErrorIs(WrapErrUserOffline("ghost", "failed to deliver private message"), ErrUserOffline)

	// 会话相关错误。
	s.ErrorIs(WrapErrSessionClosed("alice", "send after close"), ErrSessionClosed)
	s.ErrorIs(WrapErrSendQueueFull("alice", 1024, "slow consumer"), ErrSendQueueFull)

	// 协议相关错误。
	s.ErrorIs(WrapErrDecodeFailed(errors.New("unexpected EOF")), ErrDecodeFailed)
	s.ErrorIs(WrapErrFrameTooLarge(1<<21, 1<<20), ErrFrameTooLarge)
	s.ErrorIs(WrapErrUnknownMessageType("GARBAGE"), ErrUnknownMessageType)
	s.ErrorIs(WrapErrUnknownCommand("frobnicate"), ErrUnknownCommand)
	s.ErrorIs(WrapErrInvalidMessage("receiver is empty"), ErrInvalidMessage)

	// 持久化相关错误。
	s.ErrorIs(WrapErrPersistenceFailed("load", errors.New("database is locked")), ErrPersistenceFailed)
}

func (s *ErrSuite) TestIsRetryable() {
	s.True(IsRetryableErr(ErrAuthenticationFailed))
	s.True(IsRetryableErr(ErrDuplicateSession))
	s.True(IsRetryableErr(WrapErrUserOffline("ghost")))
	s.True(IsRetryableErr(WrapErrPersistenceFailed("save", errors.New("busy"))))
	s.False(IsRetryableErr(ErrDecodeFailed))
	s.False(IsRetryableErr(ErrSessionClosed))
	s.False(IsRetryableErr(errors.New("plain error")))
}

func (s *ErrSuite) TestCombine() {
	var (
		errFirst  = errors.New("first")
		errSecond = errors.New("second")
		errThird  = errors.New("third")
	)

	err := Combine(errFirst, errSecond)
	s.True(errors.Is(err, errFirst))
	s.True(errors.Is(err, errSecond))
	s.False(errors.Is(err, errThird))

	s.Equal("first: second", err.Error())
}

func (s *ErrSuite) TestCombineWithNil() {
	err := errors.New("non-nil")

	err = Combine(nil, err)
	s.NotNil(err)
}

func (s *ErrSuite) TestCombineOnlyNil() {
	err := Combine(nil, nil)
	s.Nil(err)
}

func (s *ErrSuite) TestCombineCode() {
	err := Combine(WrapErrUserOffline("ghost"), WrapErrUserNotFound("ghost"))
	s.Equal(Code(ErrUserNotFound), Code(err))
}

func TestErrors(t *testing.T) {
	suite.Run(t, new(ErrSuite))
}
