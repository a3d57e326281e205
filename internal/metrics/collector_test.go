package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/doomsgate/doomsgate/internal/catalog"
)

func seedCache(t *testing.T) *catalog.Cache {
	t.Helper()
	c := catalog.New()
	var fp catalog.Fingerprint
	fp[0] = 1
	c.ReplaceBackend("vault-1", map[catalog.Fingerprint]catalog.ObservedCert{
		fp: {Subject: "CN=a", NotAfter: time.Now().Add(48 * time.Hour), Paths: map[string]struct{}{"secret/a": {}}},
	})
	return c
}

func TestUpdatePopulatesCertGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	cache := seedCache(t)

	c.Update(cache, nil)

	if got := testutil.CollectAndCount(c.certNotAfter); got != 1 {
		t.Errorf("expected 1 cert_not_after series, got %d", got)
	}
	if got := testutil.ToFloat64(c.certExpiresIn.With(prometheus.Labels{"backend": "vault-1", "subject": "CN=a"})); got <= 0 {
		t.Errorf("expected positive expires_in, got %v", got)
	}
}

func TestUpdateBackendStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	cache := catalog.New()
	cache.SetStats(catalog.PopulateStats{Backend: "vault-1", NumCerts: 5, NumPaths: 7, Duration: 2 * time.Second})

	c.Update(cache, nil)

	if got := testutil.ToFloat64(c.backendCerts.With(prometheus.Labels{"backend": "vault-1"})); got != 5 {
		t.Errorf("backend_certs_total = %v, want 5", got)
	}
	if got := testutil.ToFloat64(c.backendDuration.With(prometheus.Labels{"backend": "vault-1"})); got != 2 {
		t.Errorf("backend_last_refresh_duration_seconds = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.backendError.With(prometheus.Labels{"backend": "vault-1"})); got != 0 {
		t.Errorf("backend_last_refresh_error = %v, want 0", got)
	}
}

func TestUpdateResetsStaleSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	cache := seedCache(t)
	c.Update(cache, nil)

	empty := catalog.New()
	c.Update(empty, nil)

	if got := testutil.CollectAndCount(c.certNotAfter); got != 0 {
		t.Errorf("expected stale series to be cleared, got %d", got)
	}
}
