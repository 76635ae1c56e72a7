// Package metrics exposes engine counters and gauges on a dedicated Prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zmux"

type Metrics struct {
	registry *prometheus.Registry

	hwSlotsInUse      prometheus.Gauge
	hwSlotsCapacity   prometheus.Gauge
	softwareFallbacks *prometheus.CounterVec
	unstableCodecs    prometheus.Gauge

	ingestState    *prometheus.GaugeVec
	ingestRestarts *prometheus.CounterVec

	sceneSwitches *prometheus.CounterVec
	programState  *prometheus.GaugeVec

	branchesActive    *prometheus.GaugeVec
	branchTapFailures *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		hwSlotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "arbiter", Name: "hardware_slots_in_use",
			Help: "Weighted hardware encode slots currently claimed.",
		}),
		hwSlotsCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "arbiter", Name: "hardware_slots_capacity",
			Help: "Configured hardware encode slot capacity.",
		}),
		softwareFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "arbiter", Name: "software_fallbacks_total",
			Help: "Encode claims degraded to software, by reason.",
		}, []string{"reason"}),
		unstableCodecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "arbiter", Name: "unstable_codecs",
			Help: "Codecs marked unstable on the hardware encoder.",
		}),
		ingestState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "state",
			Help: "1 for the current state of each source, 0 otherwise.",
		}, []string{"source", "state"}),
		ingestRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "restarts_total",
			Help: "Automatic ingest pipeline restarts.",
		}, []string{"source"}),
		sceneSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "compositor", Name: "scene_switches_total",
			Help: "Scene switches by mode (in_place, rebuild, rollback) and result.",
		}, []string{"mode", "result"}),
		programState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "compositor", Name: "state",
			Help: "1 for the current compositor state, 0 otherwise.",
		}, []string{"state"}),
		branchesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "branch", Name: "active",
			Help: "Active branches by kind.",
		}, []string{"kind"}),
		branchTapFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "branch", Name: "tap_failures_total",
			Help: "Branch pipelines that exited unexpectedly, by kind.",
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Control API requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.hwSlotsInUse, m.hwSlotsCapacity, m.softwareFallbacks, m.unstableCodecs,
		m.ingestState, m.ingestRestarts,
		m.sceneSwitches, m.programState,
		m.branchesActive, m.branchTapFailures,
		m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) SetHardwareSlots(inUse, capacity int64) {
	if m == nil {
		return
	}
	m.hwSlotsInUse.Set(float64(inUse))
	m.hwSlotsCapacity.Set(float64(capacity))
}

func (m *Metrics) SoftwareFallback(reason string) {
	if m == nil {
		return
	}
	m.softwareFallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetUnstableCodecs(n int) {
	if m == nil {
		return
	}
	m.unstableCodecs.Set(float64(n))
}

// SetIngestState flips the state gauge of source to state.
func (m *Metrics) SetIngestState(source string, state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ingestState.WithLabelValues(source, s).Set(v)
	}
}

func (m *Metrics) IngestRestart(source string) {
	if m == nil {
		return
	}
	m.ingestRestarts.WithLabelValues(source).Inc()
}

func (m *Metrics) SceneSwitch(mode, result string) {
	if m == nil {
		return
	}
	m.sceneSwitches.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) SetProgramState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.programState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) SetBranchesActive(kind string, n int) {
	if m == nil {
		return
	}
	m.branchesActive.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) BranchTapFailure(kind string) {
	if m == nil {
		return
	}
	m.branchTapFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) HTTPRequest(method, route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}
