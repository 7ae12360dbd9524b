// Package metrics exports replication activity as Prometheus metrics, fed
// from the event bus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cvmfsreplica/internal/eventbus"
)

// Gauges are sampled at scrape time.
type Gauges struct {
	QueueLength func() float64
	InFlight    func() float64
	// DroppedEvents is a monotonic count of bus deliveries lost to slow
	// subscribers.
	DroppedEvents func() float64
}

// Prom holds the collectors on a private registry so several instances can
// coexist (tests, restarts).
type Prom struct {
	reg *prometheus.Registry

	enqueued        *prometheus.CounterVec
	finished        *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	rejected        *prometheus.CounterVec
	stopped         *prometheus.CounterVec
	lastSuccess     *prometheus.GaugeVec
}

func NewProm(namespace string, g Gauges) *Prom {
	p := &Prom{
		reg: prometheus.NewRegistry(),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_enqueued_total",
			Help:      "Snapshot requests enqueued by repository",
		}, []string{"repository"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_finished_total",
			Help:      "Snapshot requests finished by repository and result",
		}, []string{"repository", "result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Snapshot command attempts by repository and result",
		}, []string{"repository", "result"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Wall-clock duration of snapshot command attempts",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		}, []string{"repository"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_rejected_total",
			Help:      "Cycles skipped because an acceptance check did not pass",
		}, []string{"repository"}),
		stopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repositories_stopped_total",
			Help:      "Repositories stopped by an aborting acceptance check",
		}, []string{"repository"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful snapshot",
		}, []string{"repository"}),
	}
	p.reg.MustRegister(
		p.enqueued, p.finished, p.attempts, p.attemptDuration,
		p.rejected, p.stopped, p.lastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if g.QueueLength != nil {
		p.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Requests waiting for an agent",
		}, g.QueueLength))
	}
	if g.InFlight != nil {
		p.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Requests being executed by agents",
		}, g.InFlight))
	}
	if g.DroppedEvents != nil {
		p.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Engine events not delivered to a full subscriber",
		}, g.DroppedEvents))
	}
	return p
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

func (p *Prom) Registry() *prometheus.Registry { return p.reg }

// Consume applies events until ctx ends or the channel closes.
func (p *Prom) Consume(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			p.Observe(e)
		}
	}
}

// Observe updates the collectors for one event.
func (p *Prom) Observe(e eventbus.Event) {
	data, _ := e.Data.(map[string]any)
	switch e.Type {
	case eventbus.RequestEnqueued:
		p.enqueued.WithLabelValues(e.Repository).Inc()
	case eventbus.AttemptFinished:
		result := resultLabel(data)
		if to, _ := data["timed_out"].(bool); to {
			result = "timeout"
		}
		p.attempts.WithLabelValues(e.Repository, result).Inc()
		if d, ok := data["duration"].(time.Duration); ok {
			p.attemptDuration.WithLabelValues(e.Repository).Observe(d.Seconds())
		}
	case eventbus.RequestFinished:
		result := resultLabel(data)
		p.finished.WithLabelValues(e.Repository, result).Inc()
		if result == "success" {
			p.lastSuccess.WithLabelValues(e.Repository).Set(float64(e.Time.Unix()))
		}
	case eventbus.CycleRejected:
		p.rejected.WithLabelValues(e.Repository).Inc()
	case eventbus.RepositoryStopped:
		p.stopped.WithLabelValues(e.Repository).Inc()
	}
}

func resultLabel(data map[string]any) string {
	if st, ok := data["status"].(int); ok && st == 0 {
		return "success"
	}
	return "failure"
}
