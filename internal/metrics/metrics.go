package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the tenant runtime.
type Collector struct {
	Registry *prometheus.Registry

	backendConnectionsCurrent *prometheus.GaugeVec
	backendConnectionsTotal   *prometheus.CounterVec
	establishmentErrors       *prometheus.CounterVec
	establishmentLatency      *prometheus.HistogramVec

	poolActive  *prometheus.GaugeVec
	poolIdle    *prometheus.GaugeVec
	poolPending *prometheus.GaugeVec
	poolWaiting *prometheus.GaugeVec

	sysconnHealthy  *prometheus.GaugeVec
	haSwitchovers   *prometheus.CounterVec
	backgroundErrors *prometheus.CounterVec

	introspectionDuration *prometheus.HistogramVec
	syseventsReceived     *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests): each call creates an
// independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		backendConnectionsCurrent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tenantd_current_backend_connections",
				Help: "Number of open backend connections, system connection included",
			},
			[]string{"tenant"},
		),
		backendConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantd_total_backend_connections",
				Help: "Total backend connections established since start",
			},
			[]string{"tenant"},
		),
		establishmentErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantd_backend_connection_establishment_errors_total",
				Help: "Failed attempts to establish a backend connection",
			},
			[]string{"tenant"},
		),
		establishmentLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantd_backend_connection_establishment_latency_seconds",
				Help:    "Time spent establishing backend connections",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"tenant"},
		),
		poolActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tenantd_pool_connections_active",
				Help: "Pooled backend connections currently checked out",
			},
			[]string{"tenant"},
		),
		poolIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tenantd_pool_connections_idle",
				Help: "Pooled backend connections currently idle",
			},
			[]string{"tenant"},
		),
		poolPending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tenantd_pool_connections_pending",
				Help: "Backend dials currently in flight",
			},
			[]string{"tenant"},
		),
		poolWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tenantd_pool_waiters",
				Help: "Callers blocked waiting for a pool slot",
			},
			[]string{"tenant"},
		),
		sysconnHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tenantd_sys_connection_healthy",
				Help: "Whether the system connection is present and healthy (1/0)",
			},
			[]string{"tenant"},
		),
		haSwitchovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantd_ha_switchovers_total",
				Help: "Observed HA master switch-overs",
			},
			[]string{"tenant"},
		),
		backgroundErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantd_background_errors_total",
				Help: "Unhandled errors in background tasks, tagged by site",
			},
			[]string{"tenant", "site"},
		),
		introspectionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantd_introspection_duration_seconds",
				Help:    "Duration of full database introspection passes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"tenant"},
		),
		syseventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantd_sysevents_received_total",
				Help: "Sysevent notifications received, tagged by event name",
			},
			[]string{"tenant", "event"},
		),
	}

	reg.MustRegister(
		c.backendConnectionsCurrent,
		c.backendConnectionsTotal,
		c.establishmentErrors,
		c.establishmentLatency,
		c.poolActive,
		c.poolIdle,
		c.poolPending,
		c.poolWaiting,
		c.sysconnHealthy,
		c.haSwitchovers,
		c.backgroundErrors,
		c.introspectionDuration,
		c.syseventsReceived,
	)

	return c
}

// BackendConnectionEstablished records a successful backend connect.
func (c *Collector) BackendConnectionEstablished(tenant string) {
	c.backendConnectionsTotal.WithLabelValues(tenant).Inc()
	c.backendConnectionsCurrent.WithLabelValues(tenant).Inc()
}

// BackendConnectionClosed records a backend connection teardown.
func (c *Collector) BackendConnectionClosed(tenant string) {
	c.backendConnectionsCurrent.WithLabelValues(tenant).Dec()
}

// BackendConnectionFailed records a failed backend connect attempt.
func (c *Collector) BackendConnectionFailed(tenant string) {
	c.establishmentErrors.WithLabelValues(tenant).Inc()
}

// ObserveEstablishmentLatency records how long a backend connect took,
// successful or not.
func (c *Collector) ObserveEstablishmentLatency(tenant string, d time.Duration) {
	c.establishmentLatency.WithLabelValues(tenant).Observe(d.Seconds())
}

// UpdatePoolStats updates the pool occupancy gauges.
func (c *Collector) UpdatePoolStats(tenant string, active, idle, pending, waiting int) {
	c.poolActive.WithLabelValues(tenant).Set(float64(active))
	c.poolIdle.WithLabelValues(tenant).Set(float64(idle))
	c.poolPending.WithLabelValues(tenant).Set(float64(pending))
	c.poolWaiting.WithLabelValues(tenant).Set(float64(waiting))
}

// SetSysConnHealthy sets the system-connection health gauge.
func (c *Collector) SetSysConnHealthy(tenant string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.sysconnHealthy.WithLabelValues(tenant).Set(val)
}

// HASwitchover records an observed HA master switch-over.
func (c *Collector) HASwitchover(tenant string) {
	c.haSwitchovers.WithLabelValues(tenant).Inc()
}

// IncBackgroundError counts an unhandled error in a background task,
// tagged by the site it escaped from.
func (c *Collector) IncBackgroundError(tenant, site string) {
	c.backgroundErrors.WithLabelValues(tenant, site).Inc()
}

// ObserveIntrospection records the duration of a full introspection pass.
func (c *Collector) ObserveIntrospection(tenant string, d time.Duration) {
	c.introspectionDuration.WithLabelValues(tenant).Observe(d.Seconds())
}

// SyseventReceived counts one received sysevent notification.
func (c *Collector) SyseventReceived(tenant, event string) {
	c.syseventsReceived.WithLabelValues(tenant, event).Inc()
}
