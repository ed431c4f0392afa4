// Copyright (C) 2019-2020 Zilliz. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software distributed under the License
// is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
// or implied. See the License for the specific language governing permissions and limitations under the License.

package retry

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lk2023060901/chatroom-garden-go/pkg/log"
	"github.com/lk2023060901/chatroom-garden-go/pkg/util/merr"
)

func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return file + ":" + strconv.Itoa(line)
}

func newBackOff(ctx context.Context, c *config) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.sleep
	bo.MaxInterval = c.maxSleepTime
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	// MaxElapsedTime 置零后退避周期不受总时长限制，只受重试次数和 ctx 控制。
	bo.MaxElapsedTime = 0
	bo.Reset()

	var b backoff.BackOff = backoff.WithContext(bo, ctx)
	if c.attempts > 0 {
		b = backoff.WithMaxRetries(b, c.attempts-1)
	}
	return b
}

// Do 使用重试机制执行指定函数。
// fn 为待执行的函数。
// opts 用于控制最大重试次数、初始休眠时间等行为。
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	log := log.Ctx(ctx)
	c := newDefaultConfig()

	for _, opt := range opts {
		opt(c)
	}

	caller := getCaller(2)
	retried := uint64(0)

	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}

		if !IsRecoverable(err) {
			log.Warn("retry func failed, not be recoverable",
				zap.Uint64("retried", retried),
				zap.Uint64("attempt", c.attempts),
				zap.String("caller", caller),
			)
			return backoff.Permanent(err)
		}
		if c.isRetryErr != nil && !c.isRetryErr(err) {
			log.Warn("retry func failed, not be retryable",
				zap.Uint64("retried", retried),
				zap.Uint64("attempt", c.attempts),
				zap.String("caller", caller),
			)
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		if retried%4 == 0 {
			log.Warn("retry func failed",
				zap.Uint64("retried", retried),
				zap.Duration("nextSleep", next),
				zap.Error(err),
				zap.String("caller", caller))
		}
		retried++
	}

	err := backoff.RetryNotify(wrapped, newBackOff(ctx, c), notify)
	if err == nil {
		return nil
	}

	if errors.IsAny(err, context.Canceled, context.DeadlineExceeded) {
		log.Warn("retry func failed, ctx done",
			zap.Uint64("retried", retried),
			zap.Uint64("attempt", c.attempts),
			zap.String("caller", caller),
		)
		return err
	}

	if retried >= c.attempts {
		log.Warn("retry func failed, reach max retry",
			zap.Uint64("attempt", c.attempts),
			zap.String("caller", caller),
		)
	}
	return err
}

// errUnrecoverable 表示不可恢复错误的标记实例。
var errUnrecoverable = errors.New("unrecoverable error")

// Unrecoverable 将错误包装为不可恢复错误，使重试逻辑能够快速返回。
func Unrecoverable(err error) error {
	return merr.Combine(err, errUnrecoverable)
}

// IsRecoverable 判断给定错误是否为“可恢复”错误。
func IsRecoverable(err error) bool {
	return !errors.Is(err, errUnrecoverable)
}
