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
		Help: "Total number of orders marked failed by compensation",
	}, []string{"reason"})

	StockDeductionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_deductions_total",
		Help: "Stock deduction attempts by outcome",
	}, []string{"outcome"})

	StockDeductionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_deduction_latency_seconds",
		Help:    "Latency of stock deduction units of work",
		Buckets: prometheus.DefBuckets,
	})

	PaymentAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of payment attempts",
	})

	PaymentSuccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_success_total",
		Help: "Total number of successful payments",
	})

	PaymentFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_failed_total",
		Help: "Total number of failed payments",
	})

	PaymentProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_processing_latency_seconds",
		Help:    "Latency of payment processing",
		Buckets: prometheus.DefBuckets,
	})

	DispatchTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_transitions_total",
		Help: "Dispatch state transitions by resulting status",
	}, []string{"status"})

	ShipmentsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shipments_created_total",
		Help: "Total number of shipments created",
	})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Events published by routing key",
	}, []string{"routing_key"})

	EventsConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_consumed_total",
		Help: "Event deliveries by queue, routing key and outcome",
	}, []string{"queue", "routing_key", "outcome"})

	EventsDuplicateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_duplicate_total",
		Help: "Deliveries skipped because the event was already handled",
	}, []string{"event_type"})

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
