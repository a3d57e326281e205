// Package metrics provides Prometheus instrumentation for the certificate
// catalog and the job scheduler.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/doomsgate/doomsgate/internal/catalog"
	"github.com/doomsgate/doomsgate/internal/schedule"
)

// Collector translates the current catalog and scheduler state into
// Prometheus gauge values. Update is safe to call from an HTTP scrape
// handler on every request — it always reflects the live cache, so there
// is no separate collection loop to run.
type Collector struct {
	certNotAfter    *prometheus.GaugeVec
	certExpiresIn   *prometheus.GaugeVec
	backendCerts    *prometheus.GaugeVec
	backendPaths    *prometheus.GaugeVec
	backendDuration *prometheus.GaugeVec
	backendError    *prometheus.GaugeVec
	schedulerTasks  *prometheus.GaugeVec
	schedulerWorker prometheus.Gauge
	mu              sync.Mutex
}

// NewCollector creates and registers metrics on the given registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		certNotAfter: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "doomsgate",
			Name:      "cert_not_after_timestamp",
			Help:      "Unix timestamp of certificate notAfter.",
		}, []string{"backend", "subject"}),

		certExpiresIn: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "doomsgate",
			Name:      "cert_expires_in_seconds",
			Help:      "Seconds until certificate expires (negative if expired).",
		}, []string{"backend", "subject"}),

		backendCerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "doomsgate",
			Name:      "backend_certs_total",
			Help:      "Number of certificates observed on the last refresh, per backend.",
		}, []string{"backend"}),

		backendPaths: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "doomsgate",
			Name:      "backend_paths_total",
			Help:      "Number of paths observed on the last refresh, per backend.",
		}, []string{"backend"}),

		backendDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "doomsgate",
			Name:      "backend_last_refresh_duration_seconds",
			Help:      "Duration of the last refresh, per backend.",
		}, []string{"backend"}),

		backendError: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "doomsgate",
			Name:      "backend_last_refresh_error",
			Help:      "Whether the last refresh for this backend failed (1) or not (0).",
		}, []string{"backend"}),

		schedulerTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "doomsgate",
			Name:      "scheduler_tasks",
			Help:      "Number of scheduler jobs by state.",
		}, []string{"state"}),

		schedulerWorker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "doomsgate",
			Name:      "scheduler_workers",
			Help:      "Configured scheduler worker pool size.",
		}),
	}

	reg.MustRegister(c.certNotAfter)
	reg.MustRegister(c.certExpiresIn)
	reg.MustRegister(c.backendCerts)
	reg.MustRegister(c.backendPaths)
	reg.MustRegister(c.backendDuration)
	reg.MustRegister(c.backendError)
	reg.MustRegister(c.schedulerTasks)
	reg.MustRegister(c.schedulerWorker)

	return c
}

// Update replaces every metric value from the current cache contents and
// scheduler state.
func (c *Collector) Update(cache *catalog.Cache, sched *schedule.Scheduler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.certNotAfter.Reset()
	c.certExpiresIn.Reset()
	c.backendCerts.Reset()
	c.backendPaths.Reset()
	c.backendDuration.Reset()
	c.backendError.Reset()
	c.schedulerTasks.Reset()

	now := time.Now()
	for _, rec := range cache.List(catalog.Filter{Kind: catalog.FilterAll}) {
		for _, backend := range backendNames(rec) {
			labels := prometheus.Labels{"backend": backend, "subject": rec.Subject}
			c.certNotAfter.With(labels).Set(float64(rec.NotAfter.Unix()))
			c.certExpiresIn.With(labels).Set(rec.NotAfter.Sub(now).Seconds())
		}
	}

	for backend, stats := range cache.GetBackendStats() {
		c.backendCerts.With(prometheus.Labels{"backend": backend}).Set(float64(stats.NumCerts))
		c.backendPaths.With(prometheus.Labels{"backend": backend}).Set(float64(stats.NumPaths))
		c.backendDuration.With(prometheus.Labels{"backend": backend}).Set(stats.Duration.Seconds())
		errVal := 0.0
		if stats.LastError != nil {
			errVal = 1
		}
		c.backendError.With(prometheus.Labels{"backend": backend}).Set(errVal)
	}

	if sched != nil {
		c.schedulerWorker.Set(float64(sched.Workers()))
		var pending, running int
		for _, st := range sched.Status() {
			switch st.State {
			case schedule.StateQueued:
				pending++
			case schedule.StateRunning:
				running++
			}
		}
		c.schedulerTasks.With(prometheus.Labels{"state": "pending"}).Set(float64(pending))
		c.schedulerTasks.With(prometheus.Labels{"state": "running"}).Set(float64(running))
	}
}

func backendNames(rec catalog.CertRecord) []string {
	seen := make(map[string]struct{}, len(rec.Paths))
	names := make([]string, 0, len(rec.Paths))
	for _, p := range rec.Paths {
		if _, ok := seen[p.Backend]; ok {
			continue
		}
		seen[p.Backend] = struct{}{}
		names = append(names, p.Backend)
	}
	return names
}
