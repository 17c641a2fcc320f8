// Package metrics exposes the engine's Prometheus series:
//
//	orderguard_orders_total{role,status}         final status of each submission
//	orderguard_order_retries_total{role}         retried gateway calls
//	orderguard_admissions_total{result}          guard decisions (allowed or reject reason)
//	orderguard_transitions_total{from,to}        position risk-state changes
//	orderguard_closes_total{result,reason}       closed positions by win/loss and exit reason
//	orderguard_reconcile_corrections_total       state corrections made by reconciliation
//	orderguard_reconcile_seconds                 reconciliation pass duration
//	orderguard_open_positions{symbol}            1 while a position is open
//
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Recorder struct {
	orders      *prometheus.CounterVec
	retries     *prometheus.CounterVec
	admissions  *prometheus.CounterVec
	transitions *prometheus.CounterVec
	closes      *prometheus.CounterVec
	corrections prometheus.Counter
	reconcile   prometheus.Histogram
	open        *prometheus.GaugeVec
}

// NewRecorder builds the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "orderguard_orders_total", Help: "Order submissions by role and resulting status"},
			[]string{"role", "status"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "orderguard_order_retries_total", Help: "Gateway calls retried after a transient failure"},
			[]string{"role"},
		),
		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "orderguard_admissions_total", Help: "Entry admission decisions"},
			[]string{"result"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "orderguard_transitions_total", Help: "Position risk-state transitions"},
			[]string{"from", "to"},
		),
		closes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "orderguard_closes_total", Help: "Closed positions by result and exit reason"},
			[]string{"result", "reason"},
		),
		corrections: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "orderguard_reconcile_corrections_total", Help: "Local state corrections made by reconciliation"},
		),
		reconcile: prometheus.NewHistogram(
			prometheus.HistogramOpts{Name: "orderguard_reconcile_seconds", Help: "Reconciliation pass duration", Buckets: prometheus.DefBuckets},
		),
		open: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "orderguard_open_positions", Help: "1 while a position is open for the symbol"},
			[]string{"symbol"},
		),
	}
	if reg != nil {
		reg.MustRegister(r.orders, r.retries, r.admissions, r.transitions, r.closes, r.corrections, r.reconcile, r.open)
	}
	return r
}

func (r *Recorder) Order(role, status string) {
	if r == nil {
		return
	}
	r.orders.WithLabelValues(role, status).Inc()
}

func (r *Recorder) Retry(role string) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(role).Inc()
}

func (r *Recorder) Admission(result string) {
	if r == nil {
		return
	}
	r.admissions.WithLabelValues(result).Inc()
}

func (r *Recorder) Transition(from, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(from, to).Inc()
}

func (r *Recorder) Close(pnl float64, reason string) {
	if r == nil {
		return
	}
	result := "win"
	if pnl < 0 {
		result = "loss"
	}
	r.closes.WithLabelValues(result, reason).Inc()
}

func (r *Recorder) Corrections(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.corrections.Add(float64(n))
}

func (r *Recorder) ReconcileDuration(d time.Duration) {
	if r == nil {
		return
	}
	r.reconcile.Observe(d.Seconds())
}

func (r *Recorder) PositionOpen(symbol string, open bool) {
	if r == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	r.open.WithLabelValues(symbol).Set(v)
}
