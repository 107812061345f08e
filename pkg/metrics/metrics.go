// Package metrics exposes the optional observability HTTP listener from
// spec §6: a Prometheus "/metrics" endpoint and a JSON "/health" document
// (spec §8), grounded on tiflow's pervasive use of
// github.com/prometheus/client_golang for its own collectors.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tumurzakov/myrepetl/pkg/bus"
)

// Collectors bundles every Prometheus metric this process exports.
type Collectors struct {
	BusPublished prometheus.Gauge
	BusDropped   prometheus.Gauge
	BusSize      prometheus.Gauge
	BusPeak      prometheus.Gauge

	TargetApplied  *prometheus.GaugeVec
	TargetFiltered *prometheus.GaugeVec
	TargetErrors   *prometheus.GaugeVec
	TargetFlushes  *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewCollectors builds and registers every collector on a fresh registry.
func NewCollectors() *Collectors {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		registry: reg,
		BusPublished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "myrepetl_bus_published_total", Help: "Messages published on the bus.",
		}),
		BusDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "myrepetl_bus_dropped_total", Help: "Messages dropped because a subscriber queue was full.",
		}),
		BusSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "myrepetl_bus_size", Help: "Current total queued messages across all subscribers.",
		}),
		BusPeak: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "myrepetl_bus_peak_size", Help: "Peak observed queue size for any single subscriber.",
		}),
		TargetApplied: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "myrepetl_target_applied_total", Help: "Events applied by a target worker.",
		}, []string{"target"}),
		TargetFiltered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "myrepetl_target_filtered_total", Help: "Events dropped by a target worker's filter.",
		}, []string{"target"}),
		TargetErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "myrepetl_target_errors_total", Help: "Errors encountered by a target worker.",
		}, []string{"target"}),
		TargetFlushes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "myrepetl_target_flushes_total", Help: "Batch flushes executed by a target worker.",
		}, []string{"target"}),
	}
	reg.MustRegister(c.BusPublished, c.BusDropped, c.BusSize, c.BusPeak,
		c.TargetApplied, c.TargetFiltered, c.TargetErrors, c.TargetFlushes)
	return c
}

// ObserveBus mirrors a bus.Stats snapshot onto the bus gauges.
func (c *Collectors) ObserveBus(stats bus.Stats) {
	c.BusPublished.Set(float64(stats.Published))
	c.BusDropped.Set(float64(stats.Dropped))
	c.BusSize.Set(float64(stats.Size))
	c.BusPeak.Set(float64(stats.Peak))
}

// ObserveTarget mirrors one target worker's stats snapshot onto the
// per-target vector metrics.
func (c *Collectors) ObserveTarget(name string, applied, filtered, errs, flushes int64) {
	c.TargetApplied.WithLabelValues(name).Set(float64(applied))
	c.TargetFiltered.WithLabelValues(name).Set(float64(filtered))
	c.TargetErrors.WithLabelValues(name).Set(float64(errs))
	c.TargetFlushes.WithLabelValues(name).Set(float64(flushes))
}

// HealthStatus is the per-component status reported by /health (spec §8).
type HealthStatus string

const (
	HealthOK       HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// HealthDocument is the JSON body served at /health.
type HealthDocument struct {
	Status     HealthStatus            `json:"status"`
	Sources    map[string]HealthStatus `json:"sources"`
	Targets    map[string]HealthStatus `json:"targets"`
	BusDropped int64                   `json:"bus_dropped"`
}

// HealthProvider supplies the live data a /health response is built from.
type HealthProvider interface {
	Health() HealthDocument
}

// Server is the optional metrics/health HTTP listener (spec §6).
type Server struct {
	collectors *Collectors
	provider   HealthProvider
	mux        *http.ServeMux
}

// NewServer builds a Server exposing collectors' /metrics and provider's
// /health.
func NewServer(collectors *Collectors, provider HealthProvider) *Server {
	s := &Server{collectors: collectors, provider: provider, mux: http.NewServeMux()}
	s.mux.Handle("/metrics", promhttp.HandlerFor(collectors.registry, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	doc := s.provider.Health()
	w.Header().Set("Content-Type", "application/json")
	switch doc.Status {
	case HealthCritical:
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(doc)
}

// ListenAndServe starts the HTTP listener on port; it blocks until the
// listener errors or the process exits.
func (s *Server) ListenAndServe(port int) error {
	return http.ListenAndServe(fmt.Sprintf(":%d", port), s.mux)
}
