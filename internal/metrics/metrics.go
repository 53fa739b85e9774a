package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "reservo"

var (
	once sync.Once

	reservationCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_created_total",
			Help:      "Count of reservations created by initial state.",
		},
		[]string{"state"},
	)

	reservationDecision = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_decision_total",
			Help:      "Count of hold outcomes by final state.",
		},
		[]string{"state"},
	)

	reservationCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_cancelled_total",
			Help:      "Count of confirmed reservations cancelled by users.",
		},
	)

	ledgerConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_conflicts_total",
			Help:      "Count of capacity ledger CAS outcomes that were retried or gave up.",
		},
		[]string{"outcome"},
	)

	waitlistJoins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waitlist_join_total",
			Help:      "Count of waitlist joins by priority class.",
		},
		[]string{"priority"},
	)

	waitlistClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waitlist_claim_total",
			Help:      "Count of waitlist claim window outcomes.",
		},
		[]string{"outcome"},
	)

	timerFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timer_fired_total",
			Help:      "Count of deadline timers dispatched by kind.",
		},
		[]string{"kind"},
	)

	externalSync = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_sync_total",
			Help:      "Count of facility sync operations by direction and status.",
		},
		[]string{"direction", "status"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_total",
			Help:      "Count of notifications by channel and status.",
		},
		[]string{"channel", "status"},
	)

	notifyQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notify_queue_size",
			Help:      "Current number of queued notifications.",
		},
	)

	notifyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notify_send_duration_seconds",
			Help:      "Time to deliver a notification.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2, 5},
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Count of API requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			reservationCreated, reservationDecision, reservationCancelled,
			ledgerConflicts, waitlistJoins, waitlistClaims, timerFired,
			externalSync, notifications, notifyQueueSize, notifyDuration, httpRequests,
		)
	})
}

func IncReservationCreated(state string) {
	reservationCreated.WithLabelValues(state).Inc()
}

func IncReservationDecision(state string) {
	reservationDecision.WithLabelValues(state).Inc()
}

func IncReservationCancelled() {
	reservationCancelled.Inc()
}

func IncLedgerConflict(outcome string) {
	ledgerConflicts.WithLabelValues(outcome).Inc()
}

func IncWaitlistJoin(priority string) {
	waitlistJoins.WithLabelValues(priority).Inc()
}

func IncWaitlistClaim(outcome string) {
	waitlistClaims.WithLabelValues(outcome).Inc()
}

func IncTimerFired(kind string) {
	timerFired.WithLabelValues(kind).Inc()
}

func IncExternalSync(direction, status string) {
	externalSync.WithLabelValues(direction, status).Inc()
}

func IncNotification(channel, status string) {
	notifications.WithLabelValues(channel, status).Inc()
}

func SetNotifyQueueSize(n int) {
	notifyQueueSize.Set(float64(n))
}

func ObserveNotifyDuration(seconds float64) {
	notifyDuration.Observe(seconds)
}

func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}
