package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of orders that could not be placed",
	}, []string{"reason"})

	OrdersSettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_settled_total",
		Help: "Total number of orders moved to a final payment status",
	}, []string{"status"})

	FraudFlagsRaisedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraud_flags_raised_total",
		Help: "Total number of fraud flags raised",
	}, []string{"flag_type", "severity"})

	FraudFlagsResolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fraud_flags_resolved_total",
		Help: "Total number of fraud flags resolved by a reviewer",
	})

	FraudEvaluationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_transaction_latency_seconds",
		Help:    "Latency of the order insert transaction including fraud evaluation",
		Buckets: prometheus.DefBuckets,
	})

	OTPIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otp_issued_total",
		Help: "Total number of one-time codes issued",
	})

	OTPVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otp_verifications_total",
		Help: "One-time code verifications by result",
	}, []string{"result"})

	LoginAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "login_attempts_total",
		Help: "Password checks by result",
	}, []string{"result"})

	AdminActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_actions_total",
		Help: "Admin gateway actions by action and result",
	}, []string{"action", "result"})

	NotificationsSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifications_sent_total",
		Help: "Total number of fraud alert emails sent",
	})

	NotificationsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notifications_failed_total",
		Help: "Total number of fraud alert deliveries that failed",
	})

	PaymentAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of STK push requests",
	})

	PaymentCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_callbacks_total",
		Help: "Payment provider callbacks by outcome",
	}, []string{"outcome"})

	PaymentProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_processing_latency_seconds",
		Help:    "Latency of STK push requests to the provider",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
