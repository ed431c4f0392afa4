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

package metrics

import (
	// #nosec
	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// chatNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	chatNamespace = "chatroom"

	// 以下为当前使用的通用标签名。
	messageTypeLabelName = "message_type"
	resultLabelName      = "result"
	reasonLabelName      = "reason"
)

var (
	// buckets 为消息投递耗时直方图的桶划分，单位为毫秒。
	// 实际桶分布为：
	// [1 2 4 8 16 32 64 128 256 512 1024 2048 4096 8192 16384 32768 65536 1.31072e+05]
	buckets = prometheus.ExponentialBuckets(1, 2, 18)

	OnlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: chatNamespace,
			Name:      "online_users",
			Help:      "number of authenticated sessions currently online",
		})

	AcceptedConnections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: chatNamespace,
			Name:      "accepted_connections_total",
			Help:      "total number of TCP connections accepted",
		})

	AuthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: chatNamespace,
			Name:      "auth_attempts_total",
			Help:      "total number of login attempts by result",
		}, []string{resultLabelName})

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: chatNamespace,
			Name:      "messages_received_total",
			Help:      "total number of messages received from clients by type",
		}, []string{messageTypeLabelName})

	MessagesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: chatNamespace,
			Name:      "messages_delivered_total",
			Help:      "total number of messages written to client sessions by type",
		}, []string{messageTypeLabelName})

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: chatNamespace,
			Name:      "messages_dropped_total",
			Help:      "total number of messages dropped before delivery by reason",
		}, []string{reasonLabelName})

	BroadcastLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: chatNamespace,
			Name:      "broadcast_latency_milliseconds",
			Help:      "time to fan a message out to all online sessions",
			Buckets:   buckets,
		})

	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标。
// 通常应在 init 函数中调用。
func Register(r prometheus.Registerer) {
	r.MustRegister(OnlineUsers)
	r.MustRegister(AcceptedConnections)
	r.MustRegister(AuthAttempts)
	r.MustRegister(MessagesReceived)
	r.MustRegister(MessagesDelivered)
	r.MustRegister(MessagesDropped)
	r.MustRegister(BroadcastLatency)
	metricRegisterer = r
}
