package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveTorrents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "active_torrents",
		Help:      "Number of torrents currently registered.",
	})

	TorrentsAddedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "torrents_added_total",
		Help:      "Total torrents admitted.",
	})

	TorrentsRemovedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "torrents_removed_total",
		Help:      "Total torrents removed.",
	})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "download_speed_bytes",
		Help:      "Current aggregate download speed in bytes per second.",
	})

	UploadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "upload_speed_bytes",
		Help:      "Current aggregate upload speed in bytes per second.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "peers_connected",
		Help:      "Total peers connected across all torrents.",
	})

	TransmuxStartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "transmux_starts_total",
		Help:      "Total HLS transmuxer processes started.",
	})

	TransmuxFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "transmux_failures_total",
		Help:      "Total HLS transmuxer startup failures.",
	})

	StreamsReapedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "streams_reaped_total",
		Help:      "Total idle HLS streams reclaimed by the reaper.",
	})

	RangeRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "range_requests_total",
		Help:      "Total direct byte-range stream requests.",
	})

	RangeBytesServedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "range_bytes_served_total",
		Help:      "Total bytes served over the direct byte-range endpoint.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveTorrents,
		TorrentsAddedTotal,
		TorrentsRemovedTotal,
		DownloadSpeedBytes,
		UploadSpeedBytes,
		PeersConnected,
		TransmuxStartsTotal,
		TransmuxFailuresTotal,
		StreamsReapedTotal,
		RangeRequestsTotal,
		RangeBytesServedTotal,
	)
}
