// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequests counts inbound webhook requests by terminal outcome
	// (rejected_signature, rejected_payload, ignored_address, ignored_tamper,
	// ignored_duplicate, ignored_event, accepted, error).
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbound_webhook_requests_total",
			Help: "Inbound email webhook requests by outcome",
		},
		[]string{"outcome"},
	)

	WebhookDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inbound_webhook_ack_duration_seconds",
			Help:    "Time from request receipt to acknowledgement",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// ProcessingDuration observes the async continuation by final status.
	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inbound_email_processing_duration_seconds",
			Help:    "Duration of asynchronous inbound email processing",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	Attachments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbound_attachments_total",
			Help: "Attachments handled by result (accepted, rejected, failed)",
		},
		[]string{"result"},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbound_notifications_total",
			Help: "Notifications created for inbound replies by result",
		},
		[]string{"result"},
	)

	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inbound_dispatch_queue_depth",
			Help: "Jobs waiting in the dispatcher queue",
		},
	)

	DispatchPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inbound_dispatch_panics_total",
			Help: "Panics recovered inside dispatched jobs",
		},
	)

	WebhookLogsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inbound_webhook_logs_purged_total",
			Help: "webhook_logs rows removed by the retention sweeper",
		},
	)
)
