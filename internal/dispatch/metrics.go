package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============ Метрики рассылки сигналов ============

// SignalsReceived - количество принятых в очередь сигналов
var SignalsReceived = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "marketbot",
		Subsystem: "dispatch",
		Name:      "signals_received_total",
		Help:      "Total number of signals accepted into the dispatch queue",
	},
)

// QueueDepth - сигналы, ожидающие рассылки в очереди
var QueueDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "marketbot",
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Signals waiting in the dispatch queue",
	},
)

// DispatchResults - итоги рассылки по пользователям
var DispatchResults = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "marketbot",
		Subsystem: "dispatch",
		Name:      "results_total",
		Help:      "Per-user dispatch outcomes",
	},
	[]string{"result"}, // SUBMITTED, REJECTED, FAILED, SKIPPED
)

// GateRejections - отказы gate'а по причинам
var GateRejections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "marketbot",
		Subsystem: "dispatch",
		Name:      "gate_rejections_total",
		Help:      "Order safety gate rejections by reason",
	},
	[]string{"reason"},
)

// OrderSubmissionLatency - время отправки ордера на биржу
var OrderSubmissionLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "marketbot",
		Subsystem: "dispatch",
		Name:      "order_submission_latency_seconds",
		Help:      "Time to submit an order to the exchange",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"exchange"},
)
