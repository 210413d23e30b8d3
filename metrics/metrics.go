// Package metrics exports thermostat evaluations as Prometheus series.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alittlebrighter/virtual-thermostat/controller"
	"github.com/alittlebrighter/virtual-thermostat/util"
)

type Metrics struct {
	registry *prometheus.Registry

	currentTemp    *prometheus.GaugeVec
	targetTemp     *prometheus.GaugeVec
	heating        *prometheus.GaugeVec
	evaluations    *prometheus.CounterVec
	staleReadings  *prometheus.CounterVec
	switchCommands *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New registers the thermostat collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		currentTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "thermostat_current_temperature_celsius",
			Help: "Averaged temperature of the fresh sensors at the last evaluation.",
		}, []string{"thermostat"}),
		targetTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "thermostat_target_temperature_celsius",
			Help: "Target temperature at the last evaluation.",
		}, []string{"thermostat"}),
		heating: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "thermostat_heating",
			Help: "1 while the heat switches are on.",
		}, []string{"thermostat"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thermostat_evaluations_total",
			Help: "Control loop evaluations by resulting action.",
		}, []string{"thermostat", "action"}),
		staleReadings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thermostat_stale_evaluations_total",
			Help: "Evaluations in heat mode without a fresh sensor reading.",
		}, []string{"thermostat"}),
		switchCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "thermostat_switch_commands_total",
			Help: "Commands sent to the heat switches by requested state and result.",
		}, []string{"thermostat", "state", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.currentTemp,
		m.targetTemp,
		m.heating,
		m.evaluations,
		m.staleReadings,
		m.switchCommands,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveEvaluation(ev *util.EventLog) {
	if m == nil || ev == nil {
		return
	}
	m.evaluations.WithLabelValues(ev.Thermostat, ev.Action).Inc()
	m.targetTemp.WithLabelValues(ev.Thermostat).Set(ev.TargetTemperature)

	heating := 0.0
	if ev.Action == "heating" {
		heating = 1
	}
	m.heating.WithLabelValues(ev.Thermostat).Set(heating)

	switch {
	case ev.Fresh:
		m.currentTemp.WithLabelValues(ev.Thermostat).Set(ev.AmbientTemperature)
	case ev.Mode == "heat":
		m.staleReadings.WithLabelValues(ev.Thermostat).Inc()
	}
}

func (m *Metrics) ObserveSwitchCommand(thermostat string, on bool, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.switchCommands.WithLabelValues(thermostat, controller.StateString(on), result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
