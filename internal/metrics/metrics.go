// Package metrics declares Prometheus collectors for the gateway and message pipeline: active connection gauge,
// messages-sent counter, cache hit/miss counters, and a rate-limit rejection counter. No other package in this module
// imports it or updates these collectors, so the server's /metrics output does not include them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks the number of currently identified gateway WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulsechat",
		Subsystem: "gateway",
		Name:      "active_connections",
		Help:      "Number of currently identified WebSocket connections.",
	})

	// MessagesSent counts messages successfully persisted and broadcast, partitioned by conversation type.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsechat",
		Subsystem: "message",
		Name:      "sent_total",
		Help:      "Number of messages successfully sent, by conversation type.",
	}, []string{"conversation_type"})

	// CacheHits and CacheMisses count cache-aside lookups, partitioned by cache name (recent_messages, unread,
	// delivery_status).
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsechat",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Number of cache lookups that were satisfied from cache.",
	}, []string{"cache"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsechat",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Number of cache lookups that fell through to the store of record.",
	}, []string{"cache"})

	// RateLimitRejections counts requests rejected by the rate limiter, partitioned by limiter name (send, api).
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsechat",
		Subsystem: "ratelimit",
		Name:      "rejections_total",
		Help:      "Number of requests rejected by a rate limiter.",
	}, []string{"limiter"})
)
