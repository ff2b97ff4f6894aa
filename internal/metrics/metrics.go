package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveriesClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deliveries_claimed_total",
			Help: "Total deliveries claimed for dispatch",
		},
	)

	DeliveriesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deliveries_delivered_total",
			Help: "Total deliveries dispatched successfully",
		},
	)

	DeliveriesRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deliveries_retried_total",
			Help: "Total delivery attempts scheduled for retry",
		},
	)

	DeliveriesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deliveries_failed_total",
			Help: "Total deliveries that failed terminally",
		},
	)

	ClaimConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "claim_conflicts_total",
			Help: "Claim attempts lost to another dispatcher instance",
		},
	)

	DraftsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drafts_reaped_total",
			Help: "Total expired drafts deleted",
		},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_duration_seconds",
			Help:    "Time spent processing one claimed delivery",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func Init() {
	prometheus.MustRegister(
		DeliveriesClaimed,
		DeliveriesDelivered,
		DeliveriesRetried,
		DeliveriesFailed,
		ClaimConflicts,
		DraftsReaped,
		DispatchDuration,
	)
}
