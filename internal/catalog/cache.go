package catalog

import (
	"sort"
	"sync"
	"time"
)

// shardCount controls how the fingerprint keyspace is spread across
// independent locks. A ReplaceBackend for one backend and a List (or a
// ReplaceBackend for a different backend) only contend when they touch the
// same shard, not the whole cache — spec deliberately does not require a
// global write lock since replacing one backend only ever touches paths
// tagged with that backend.
const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	records map[Fingerprint]*entry
}

// entry is the cache's internal representation of one record. paths is
// keyed by PathRef for set semantics; List/ReplaceBackend snapshot it into
// a stable []PathRef slice before handing it to a caller.
type entry struct {
	notAfter time.Time
	subject  string
	paths    map[PathRef]struct{}
}

// Cache is the concurrent, fingerprint-keyed certificate catalog.
type Cache struct {
	shards [shardCount]*shard

	statsMu sync.RWMutex
	stats   map[string]PopulateStats
}

// New creates an empty Cache.
func New() *Cache {
	c := &Cache{stats: make(map[string]PopulateStats)}
	for i := range c.shards {
		c.shards[i] = &shard{records: make(map[Fingerprint]*entry)}
	}
	return c
}

func (c *Cache) shardFor(fp Fingerprint) *shard {
	return c.shards[fp[0]%shardCount]
}

// ObservedCert is one fingerprint's worth of data observed during a single
// backend refresh, keyed by fingerprint in the map ReplaceBackend accepts.
type ObservedCert struct {
	NotAfter time.Time
	Subject  string
	Paths    map[string]struct{} // backend-local paths only, backend name implied by the ReplaceBackend call
}

// MergePath inserts a record if absent, otherwise adds path to its path
// set. subject/notAfter are only taken on first insertion — later
// observations of the same fingerprint never mutate them, since the DER is
// identical by definition of fingerprint.
func (c *Cache) MergePath(fp Fingerprint, subject string, notAfter time.Time, path PathRef) {
	sh := c.shardFor(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.records[fp]
	if !ok {
		e = &entry{
			subject:  subject,
			notAfter: notAfter,
			paths:    map[PathRef]struct{}{path: {}},
		}
		sh.records[fp] = e
		return
	}
	e.paths[path] = struct{}{}
}

// ReplaceBackend atomically applies one backend's refresh results:
//  1. drop any path tagged with backend that observed does not confirm,
//  2. add any observed path not already present (creating records as needed),
//  3. remove records whose path set becomes empty.
//
// Readers may observe either the pre- or post-state of any given record
// during this call, but never a torn intra-record path set.
func (c *Cache) ReplaceBackend(backend string, observed map[Fingerprint]ObservedCert) {
	// Step 1: drop stale paths tagged with this backend from records this
	// refresh did not (re)observe at all, and from records it did observe
	// but under a different path set. We must scan every shard because we
	// keep no backend->fingerprint index; each shard's lock is held only
	// for the duration of its own scan.
	for _, sh := range c.shards {
		sh.mu.Lock()
		for fp, e := range sh.records {
			oc, seen := observed[fp]
			for pr := range e.paths {
				if pr.Backend != backend {
					continue
				}
				if seen {
					if _, still := oc.Paths[pr.Path]; still {
						continue
					}
				}
				delete(e.paths, pr)
			}
			if len(e.paths) == 0 {
				delete(sh.records, fp)
			}
		}
		sh.mu.Unlock()
	}

	// Step 2: add observed paths, creating or extending records.
	for fp, oc := range observed {
		sh := c.shardFor(fp)
		sh.mu.Lock()
		e, ok := sh.records[fp]
		if !ok {
			e = &entry{subject: oc.Subject, notAfter: oc.NotAfter, paths: make(map[PathRef]struct{})}
			sh.records[fp] = e
		}
		for p := range oc.Paths {
			e.paths[PathRef{Backend: backend, Path: p}] = struct{}{}
		}
		sh.mu.Unlock()
	}
}

// List returns a snapshot of all records matching filter, sorted by
// NotAfter ascending.
func (c *Cache) List(filter Filter) []CertRecord {
	now := time.Now()
	var out []CertRecord

	for _, sh := range c.shards {
		sh.mu.RLock()
		for fp, e := range sh.records {
			rec := CertRecord{
				Fingerprint: fp,
				Subject:     e.subject,
				NotAfter:    e.notAfter,
				Paths:       make([]PathRef, 0, len(e.paths)),
			}
			for p := range e.paths {
				rec.Paths = append(rec.Paths, p)
			}
			if filter.Match(&rec, now) {
				out = append(out, rec)
			}
		}
		sh.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].NotAfter.Before(out[j].NotAfter) })
	return out
}

// SetStats records the outcome of a completed (or failed) refresh for a
// backend, overwriting any prior stats for that backend.
func (c *Cache) SetStats(stats PopulateStats) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.stats[stats.Backend] = stats
}

// GetBackendStats returns the last PopulateStats recorded per backend.
func (c *Cache) GetBackendStats() map[string]PopulateStats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	out := make(map[string]PopulateStats, len(c.stats))
	for k, v := range c.stats {
		out[k] = v
	}
	return out
}
