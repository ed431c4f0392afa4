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

import "time"

type config struct {
	attempts     uint64
	sleep        time.Duration
	maxSleepTime time.Duration
	isRetryErr   func(err error) bool
}

func newDefaultConfig() *config {
	return &config{
		attempts:     uint64(10),
		sleep:        200 * time.Millisecond,
		maxSleepTime: 3 * time.Second,
	}
}

// Option 用于调整重试行为的可选参数。
type Option func(c *config)

// Attempts 设置最大重试次数。
func Attempts(attempts uint64) Option {
	return func(c *config) {
		c.attempts = attempts
	}
}

// Sleep 设置初始休眠时间。
// 若初始休眠时间的三倍超过最大休眠时间，则同步放大最大休眠时间。
func Sleep(sleep time.Duration) Option {
	return func(c *config) {
		c.sleep = sleep
		if c.sleep*3 > c.maxSleepTime {
			c.maxSleepTime = 3 * c.sleep
		}
	}
}

// MaxSleepTime 设置最大休眠时间。
// 若最大休眠时间小于初始休眠时间的三倍，则按初始休眠时间的三倍取值。
func MaxSleepTime(maxSleepTime time.Duration) Option {
	return func(c *config) {
		if c.sleep*3 > maxSleepTime {
			c.maxSleepTime = 3 * c.sleep
		} else {
			c.maxSleepTime = maxSleepTime
		}
	}
}

// RetryErr 设置判断错误是否需要重试的回调。
func RetryErr(isRetryErr func(err error) bool) Option {
	return func(c *config) {
		c.isRetryErr = isRetryErr
	}
}
