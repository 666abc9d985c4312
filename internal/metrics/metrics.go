// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetd_build_info",
		Help: "Build information of the fleetd server",
	}, []string{"version", "commit", "date"})

	ConnectionsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetd_gateway_connections_open", Help: "Currently open tracker connections.",
	}, []string{"protocol"})
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_gateway_connections_total", Help: "Total accepted tracker connections.",
	}, []string{"protocol"})
	BytesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_gateway_bytes_read_total", Help: "Total bytes read from trackers.",
	}, []string{"protocol"})
	FramesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_gateway_frames_decoded_total", Help: "Decoded frames per protocol.",
	}, []string{"protocol"})
	DecodeResyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_gateway_decode_resyncs_total", Help: "Single-byte resync advances per protocol.",
	}, []string{"protocol"})
	DevicesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_gateway_devices_online", Help: "IMEIs currently bound to a live connection.",
	})

	PositionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_positions_processed_total", Help: "Positions accepted by the processor.",
	}, []string{"protocol"})
	PositionsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_positions_dropped_total", Help: "Positions dropped before processing.",
	}, []string{"reason"})
	TripsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_trips_opened_total", Help: "Trips opened on ignition-on.",
	})
	TripsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_trips_closed_total", Help: "Trips closed on ignition-off.",
	})

	AlertsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_alerts_fired_total", Help: "Alerts fired per module type.",
	}, []string{"type"})
	NotificationSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_notification_sends_total", Help: "External notification send outcomes.",
	}, []string{"handler", "result"})

	BusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_bus_subscribers", Help: "Live real-time bus subscribers.",
	})
	BusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_bus_dropped_subscribers_total", Help: "Subscribers evicted for not keeping up.",
	})

	CommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_commands_sent_total", Help: "Downlink command write outcomes.",
	}, []string{"protocol", "result"})
)
