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
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// irisNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	irisNamespace = "iris"

	// 以下为当前使用的通用标签名。
	targetLabelName = "target" // user / group / presence
	resultLabelName = "result" // ok / failed / skipped
)

var (
	// buckets 为扇出耗时直方图的桶划分，单位为毫秒。
	buckets = prometheus.ExponentialBuckets(0.25, 2, 16)

	NumSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: irisNamespace,
			Name:      "num_sessions",
			Help:      "number of live client sessions",
		})

	NumRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: irisNamespace,
			Name:      "num_rooms",
			Help:      "number of active group rooms",
		})

	BroadcastTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: irisNamespace,
			Name:      "broadcast_total",
			Help:      "number of broadcast operations by target kind",
		}, []string{targetLabelName})

	DeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: irisNamespace,
			Name:      "delivered_total",
			Help:      "per-recipient delivery attempts by result",
		}, []string{resultLabelName})

	FanoutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: irisNamespace,
			Name:      "fanout_duration_ms",
			Help:      "time to fan one envelope out to all local recipients, in milliseconds",
			Buckets:   buckets,
		}, []string{targetLabelName})

	BridgePublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: irisNamespace,
			Name:      "bridge_publish_total",
			Help:      "bridge publish attempts by result",
		}, []string{resultLabelName})

	BridgeConsumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: irisNamespace,
			Name:      "bridge_consume_total",
			Help:      "bridge messages consumed by result",
		}, []string{resultLabelName})

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
// 通常应在进程初始化阶段调用一次。
func Register(r prometheus.Registerer) {
	r.MustRegister(NumSessions)
	r.MustRegister(NumRooms)
	r.MustRegister(BroadcastTotal)
	r.MustRegister(DeliveredTotal)
	r.MustRegister(FanoutDuration)
	r.MustRegister(BridgePublishTotal)
	r.MustRegister(BridgeConsumeTotal)
	metricRegisterer = r
}
