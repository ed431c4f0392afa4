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
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Auth related
	ErrAuthenticationFailed = newChatError("authentication failed", 1, true) // bad credentials, client may retry
	ErrDuplicateSession     = newChatError("user already online", 2, true)
	ErrNotAuthenticated     = newChatError("not authenticated", 3, false)

	// User related
	ErrUserNotFound      = newChatError("user not found", 100, false)
	ErrUserAlreadyExists = newChatError("user already exists", 101, false)
	ErrUserOffline       = newChatError("user not online", 102, true) // recipient may come back, sender may retry

	// Session related
	ErrSessionClosed   = newChatError("session closed", 200, false)
	ErrSendQueueFull   = newChatError("session send queue full", 201, true)
	ErrSessionNotFound = newChatError("session not found", 202, false)

	// Protocol related
	ErrDecodeFailed       = newChatError("message decode failed", 300, false) // framing trust is lost, fatal to the session
	ErrFrameTooLarge      = newChatError("frame exceeds size limit", 301, false)
	ErrUnknownMessageType = newChatError("unknown message type", 302, false)
	ErrUnknownCommand     = newChatError("unknown system command", 303, false)
	ErrInvalidMessage     = newChatError("invalid message", 304, false)

	// Persistence related
	ErrPersistenceFailed = newChatError("credential store operation failed", 400, true)

	// Server related
	ErrServerClosed = newChatError("server closed", 500, false)

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to chatError
	errUnexpected = newChatError("unexpected error", (1<<16)-1, false)
)

type chatError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
}

func newChatError(msg string, code int32, retriable bool) chatError {
	return chatError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}
}

func (e chatError) code() int32 {
	return e.errCode
}

func (e chatError) Error() string {
	return e.msg
}

func (e chatError) Detail() string {
	return e.detail
}

func (e chatError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(chatError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// To make merr work for multi errors,
	// we need cause of multi errors, which defined as the last error
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
