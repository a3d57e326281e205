package catalog

import (
	"testing"
	"time"
)

func fp(b byte) Fingerprint {
	var f Fingerprint
	f[0] = b
	return f
}

func TestMergePathKeepsFirstSubjectAndNotAfter(t *testing.T) {
	c := New()
	f1 := fp(1)
	t1 := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)

	c.MergePath(f1, "CN=first", t1, PathRef{Backend: "b1", Path: "p1"})
	c.MergePath(f1, "CN=second", t2, PathRef{Backend: "b2", Path: "p2"})

	recs := c.List(Filter{Kind: FilterAll})
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Subject != "CN=first" || !recs[0].NotAfter.Equal(t1) {
		t.Errorf("expected first-insertion subject/notAfter to stick, got %+v", recs[0])
	}
	if len(recs[0].Paths) != 2 {
		t.Errorf("expected 2 paths, got %d", len(recs[0].Paths))
	}
}

func TestReplaceBackendRemovesStalePaths(t *testing.T) {
	c := New()
	f1 := fp(1)
	now := time.Now()

	c.ReplaceBackend("vault-1", map[Fingerprint]ObservedCert{
		f1: {Subject: "CN=x", NotAfter: now.Add(30 * 24 * time.Hour), Paths: map[string]struct{}{"p1": {}, "p2": {}}},
	})

	recs := c.List(Filter{Kind: FilterAll})
	if len(recs) != 1 || len(recs[0].Paths) != 2 {
		t.Fatalf("expected 1 record with 2 paths after first replace, got %+v", recs)
	}

	// Today's refresh only observes p1.
	c.ReplaceBackend("vault-1", map[Fingerprint]ObservedCert{
		f1: {Subject: "CN=x", NotAfter: now.Add(30 * 24 * time.Hour), Paths: map[string]struct{}{"p1": {}}},
	})

	recs = c.List(Filter{Kind: FilterAll})
	if len(recs) != 1 {
		t.Fatalf("expected record to survive with p1, got %+v", recs)
	}
	if len(recs[0].Paths) != 1 || recs[0].Paths[0].Path != "p1" {
		t.Errorf("expected only p1 to remain, got %+v", recs[0].Paths)
	}
}

func TestReplaceBackendRemovesRecordWhenPathsEmpty(t *testing.T) {
	c := New()
	f1 := fp(1)
	now := time.Now()

	c.ReplaceBackend("vault-1", map[Fingerprint]ObservedCert{
		f1: {Subject: "CN=x", NotAfter: now.Add(30 * 24 * time.Hour), Paths: map[string]struct{}{"p1": {}}},
	})
	c.ReplaceBackend("vault-1", map[Fingerprint]ObservedCert{})

	recs := c.List(Filter{Kind: FilterAll})
	if len(recs) != 0 {
		t.Fatalf("expected cache to be empty after empty refresh, got %+v", recs)
	}
}

func TestReplaceBackendMergesAcrossBackends(t *testing.T) {
	c := New()
	f1 := fp(7)
	now := time.Now()

	c.ReplaceBackend("vault-1", map[Fingerprint]ObservedCert{
		f1: {Subject: "CN=shared", NotAfter: now.Add(time.Hour), Paths: map[string]struct{}{"a": {}}},
	})
	c.ReplaceBackend("credhub-1", map[Fingerprint]ObservedCert{
		f1: {Subject: "CN=shared", NotAfter: now.Add(time.Hour), Paths: map[string]struct{}{"b": {}}},
	})

	recs := c.List(Filter{Kind: FilterAll})
	if len(recs) != 1 {
		t.Fatalf("expected the two backends to collapse into one record, got %d", len(recs))
	}
	if len(recs[0].Paths) != 2 {
		t.Errorf("expected 2 paths from 2 backends, got %d", len(recs[0].Paths))
	}

	// Refreshing vault-1 with nothing must not touch credhub-1's path.
	c.ReplaceBackend("vault-1", map[Fingerprint]ObservedCert{})
	recs = c.List(Filter{Kind: FilterAll})
	if len(recs) != 1 || len(recs[0].Paths) != 1 || recs[0].Paths[0].Backend != "credhub-1" {
		t.Errorf("expected only credhub-1's path to remain, got %+v", recs)
	}
}

func TestListWithinBeyondPartitionAll(t *testing.T) {
	c := New()
	now := time.Now()

	certs := map[Fingerprint]ObservedCert{
		fp(1): {Subject: "expired", NotAfter: now.Add(-5 * 24 * time.Hour), Paths: map[string]struct{}{"p": {}}},
		fp(2): {Subject: "soon", NotAfter: now.Add(10 * 24 * time.Hour), Paths: map[string]struct{}{"p": {}}},
		fp(3): {Subject: "far", NotAfter: now.Add(120 * 24 * time.Hour), Paths: map[string]struct{}{"p": {}}},
	}
	c.ReplaceBackend("b", certs)

	within := c.List(Filter{Kind: FilterWithin, Threshold: 30 * 24 * time.Hour})
	beyond := c.List(Filter{Kind: FilterBeyond, Threshold: 30 * 24 * time.Hour})
	all := c.List(Filter{Kind: FilterAll})

	if len(within) != 2 {
		t.Errorf("expected 2 within 30d, got %d", len(within))
	}
	if len(beyond) != 1 {
		t.Errorf("expected 1 beyond 30d, got %d", len(beyond))
	}
	if len(within)+len(beyond) != len(all) {
		t.Errorf("within ∪ beyond should partition all: %d + %d != %d", len(within), len(beyond), len(all))
	}
}

func TestGetBackendStats(t *testing.T) {
	c := New()
	c.SetStats(PopulateStats{Backend: "vault-1", NumCerts: 3, NumPaths: 4})
	c.SetStats(PopulateStats{Backend: "vault-1", NumCerts: 5, NumPaths: 5})

	stats := c.GetBackendStats()
	got, ok := stats["vault-1"]
	if !ok {
		t.Fatal("expected stats for vault-1")
	}
	if got.NumCerts != 5 {
		t.Errorf("expected last-write-wins stats, got %+v", got)
	}
}
