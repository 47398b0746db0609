package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RegistrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inkwell",
		Name:      "registrations_total",
		Help:      "Registration attempts by outcome (pending_new, pending_updated, duplicate, rolled_back, invalid).",
	}, []string{"outcome"})

	OTPDeliveryFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inkwell",
		Name:      "otp_delivery_failures_total",
		Help:      "Failed verification mail dispatches by cause (auth, other).",
	}, []string{"cause"})

	RollbackFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inkwell",
		Name:      "registration_rollback_failures_total",
		Help:      "Compensating actions that failed and left a record inconsistent.",
	})

	VerificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inkwell",
		Name:      "verifications_total",
		Help:      "OTP verification attempts by outcome.",
	}, []string{"outcome"})

	LoginsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inkwell",
		Name:      "logins_total",
		Help:      "Login attempts by outcome.",
	}, []string{"outcome"})

	TokenRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inkwell",
		Name:      "token_refresh_total",
		Help:      "Session refresh attempts by outcome.",
	}, []string{"outcome"})

	RateLimitRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inkwell",
		Name:      "rate_limit_rejected_total",
		Help:      "Requests rejected by the rate limiter per route.",
	}, []string{"route"})

	RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "inkwell",
		Name:      "rate_limit_wait_seconds",
		Help:      "Time spent waiting for a rate limit token.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	RateLimitTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inkwell",
		Name:      "rate_limit_timeout_total",
		Help:      "Blocking acquisitions that gave up before a token was available.",
	})

	MailJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inkwell",
		Name:      "mail_jobs_total",
		Help:      "Queued mail jobs by result (sent, retry, dlq).",
	}, []string{"result"})

	MailQueueAutoClaimTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inkwell",
		Name:      "mail_queue_autoclaim_total",
		Help:      "Pending mail messages reclaimed from idle consumers.",
	})

	MailQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "inkwell",
		Name:      "mail_queue_depth",
		Help:      "Messages pending in the mail consumer group.",
	})

	StalePendingPurgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inkwell",
		Name:      "stale_pending_purged_total",
		Help:      "Unverified accounts removed by the sweeper.",
	})
)

var initOnce sync.Once

// InitMetrics registers every collector with the default registry. Safe to call repeatedly.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			RegistrationsTotal,
			OTPDeliveryFailuresTotal,
			RollbackFailuresTotal,
			VerificationsTotal,
			LoginsTotal,
			TokenRefreshTotal,
			RateLimitRejectedTotal,
			RateLimitWaitDuration,
			RateLimitTimeoutTotal,
			MailJobsTotal,
			MailQueueAutoClaimTotal,
			MailQueueDepth,
			StalePendingPurgedTotal,
		)
	})
}
