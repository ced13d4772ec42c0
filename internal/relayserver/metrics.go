package relayserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	connections   prometheus.Gauge
	rooms         prometheus.Gauge
	updates       *prometheus.CounterVec
	authFailures  *prometheus.CounterVec
	persists      *prometheus.CounterVec
	persistTime   prometheus.Histogram
	slowMembers   prometheus.Counter
	busMessages   *prometheus.CounterVec
	roomLoadFails prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "onyx_relay_connections",
			Help: "Authenticated websocket connections currently joined to a room.",
		}),
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "onyx_relay_rooms",
			Help: "Rooms currently held in memory.",
		}),
		updates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "onyx_relay_updates_total",
			Help: "Updates received from members by merge result.",
		}, []string{"result"}),
		authFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "onyx_relay_auth_failures_total",
			Help: "Rejected joins by reason.",
		}, []string{"reason"}),
		persists: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "onyx_relay_persist_total",
			Help: "Snapshot writes to the durable store by result.",
		}, []string{"result"}),
		persistTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "onyx_relay_persist_duration_seconds",
			Help:    "Latency of snapshot writes to the durable store.",
			Buckets: prometheus.DefBuckets,
		}),
		slowMembers: factory.NewCounter(prometheus.CounterOpts{
			Name: "onyx_relay_slow_members_total",
			Help: "Members disconnected because their send buffer filled.",
		}),
		busMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "onyx_relay_bus_messages_total",
			Help: "Fan-out bus messages by direction.",
		}, []string{"direction"}),
		roomLoadFails: factory.NewCounter(prometheus.CounterOpts{
			Name: "onyx_relay_room_load_failures_total",
			Help: "Room loads that failed to read or decode the stored snapshot.",
		}),
	}
}
