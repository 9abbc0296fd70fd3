// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Stage metrics. Each stage has its own registry so that stages in one process do not collide.

package hemi

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type stageMetrics struct {
	registry *prometheus.Registry

	connsAccepted prometheus.Counter
	connsOpen     prometheus.Gauge
	requests      *prometheus.CounterVec
	parseErrors   prometheus.Counter
	bytesRead     prometheus.Counter
	bytesWritten  prometheus.Counter
	cgiStarted    prometheus.Counter
	cgiRunning    prometheus.Gauge
	cgiTimeouts   prometheus.Counter
	cgiOrphans    prometheus.Gauge
	cgiPipes      prometheus.Gauge
}

func newStageMetrics() *stageMetrics {
	m := &stageMetrics{registry: prometheus.NewRegistry()}
	m.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(m.registry)

	m.connsAccepted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "webserv",
		Subsystem: "connections",
		Name:      "accepted_total",
		Help:      "Total number of accepted client connections",
	})
	m.connsOpen = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "webserv",
		Subsystem: "connections",
		Name:      "open",
		Help:      "Number of client connections currently open",
	})
	m.requests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webserv",
		Subsystem: "http",
		Name:      "responses_total",
		Help:      "Total number of responses by status code",
	}, []string{"code"})
	m.parseErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "webserv",
		Subsystem: "http",
		Name:      "parse_errors_total",
		Help:      "Total number of malformed requests",
	})
	m.bytesRead = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "webserv",
		Subsystem: "http",
		Name:      "read_bytes_total",
		Help:      "Total bytes read from clients",
	})
	m.bytesWritten = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "webserv",
		Subsystem: "http",
		Name:      "written_bytes_total",
		Help:      "Total bytes written to clients",
	})
	m.cgiStarted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "webserv",
		Subsystem: "cgi",
		Name:      "started_total",
		Help:      "Total number of cgi children started",
	})
	m.cgiRunning = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "webserv",
		Subsystem: "cgi",
		Name:      "running",
		Help:      "Number of cgi exchanges in flight",
	})
	m.cgiTimeouts = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "webserv",
		Subsystem: "cgi",
		Name:      "timeouts_total",
		Help:      "Total number of cgi children killed on timeout",
	})
	m.cgiOrphans = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "webserv",
		Subsystem: "cgi",
		Name:      "orphans",
		Help:      "Number of killed cgi children not reaped yet",
	})
	m.cgiPipes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "webserv",
		Subsystem: "cgi",
		Name:      "pipes_open",
		Help:      "Number of cgi pipe ends registered in the event loop",
	})
	return m
}

func (m *stageMetrics) onResponse(status int16) {
	m.requests.WithLabelValues(strconv.Itoa(int(status))).Inc()
}
