// Package populate drives a single backend adapter to completion and
// writes its results into the catalog atomically. It never touches more
// than one backend's slice of the cache per call.
package populate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/doomsgate/doomsgate/internal/backend"
	"github.com/doomsgate/doomsgate/internal/catalog"
	"github.com/doomsgate/doomsgate/internal/certdecode"
	"github.com/doomsgate/doomsgate/internal/errkind"
)

var tracer = otel.Tracer("github.com/doomsgate/doomsgate/internal/populate")

var errUnknownBackend = errors.New("unknown backend")

// newAdapter is a seam over backend.New so tests can substitute a fake
// adapter without a live Vault/CredHub/Ops Manager/TLS target.
var newAdapter = backend.New

// Populator resolves named backends against a fixed spec table and
// refreshes the shared cache from them.
type Populator struct {
	cache *catalog.Cache
	specs map[string]catalog.BackendSpec
	log   *slog.Logger
}

// New builds a Populator over the given cache and the backend specs it is
// allowed to refresh, keyed by name.
func New(cache *catalog.Cache, specs []catalog.BackendSpec, log *slog.Logger) *Populator {
	byName := make(map[string]catalog.BackendSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}
	if log == nil {
		log = slog.Default()
	}
	return &Populator{cache: cache, specs: byName, log: log}
}

// Names returns every configured backend name. The order is not defined.
func (p *Populator) Names() []string {
	names := make([]string, 0, len(p.specs))
	for name := range p.specs {
		names = append(names, name)
	}
	return names
}

// Spec returns the BackendSpec for name, if configured.
func (p *Populator) Spec(name string) (catalog.BackendSpec, bool) {
	s, ok := p.specs[name]
	return s, ok
}

// Refresh drives backendName's adapter to completion and, only on a fully
// successful drain, replaces that backend's slice of the cache. A stream
// error aborts before any cache mutation: partial data is worse than stale
// data for an expiry monitor.
func (p *Populator) Refresh(ctx context.Context, backendName string) (catalog.PopulateStats, error) {
	ctx, span := tracer.Start(ctx, "populate.Refresh", trace.WithAttributes(attribute.String("backend", backendName)))
	defer span.End()

	start := time.Now()

	spec, ok := p.specs[backendName]
	if !ok {
		err := &errkind.PermanentBackendError{Backend: backendName, Err: errUnknownBackend}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		stats := catalog.PopulateStats{Backend: backendName, LastRun: start, LastError: err}
		p.cache.SetStats(stats)
		return stats, err
	}

	adapter, err := newAdapter(spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		stats := catalog.PopulateStats{Backend: backendName, LastRun: start, LastError: err}
		p.cache.SetStats(stats)
		return stats, err
	}

	observed := make(map[catalog.Fingerprint]catalog.ObservedCert)
	numPaths := 0

	items, errc := adapter.List(ctx)
	for item := range items {
		tuples, skipped := certdecode.Decode(item.PEM)
		if skipped > 0 {
			p.log.Warn("skipped undecodable PEM block", "backend", backendName, "path", item.Path, "skipped", skipped)
		}
		for _, t := range tuples {
			oc, ok := observed[t.Fingerprint]
			if !ok {
				oc = catalog.ObservedCert{
					Subject:  t.Subject,
					NotAfter: t.NotAfter,
					Paths:    map[string]struct{}{},
				}
			}
			oc.Paths[item.Path] = struct{}{}
			observed[t.Fingerprint] = oc
			numPaths++
		}
	}

	if streamErr := <-errc; streamErr != nil {
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, streamErr.Error())
		stats := catalog.PopulateStats{Backend: backendName, LastRun: start, LastError: streamErr, Duration: time.Since(start)}
		p.cache.SetStats(stats)
		return stats, streamErr
	}

	p.cache.ReplaceBackend(backendName, observed)

	stats := catalog.PopulateStats{
		Backend:  backendName,
		LastRun:  start,
		NumCerts: len(observed),
		NumPaths: numPaths,
		Duration: time.Since(start),
	}
	p.cache.SetStats(stats)
	p.log.Info("backend refreshed", "backend", backendName, "certs", stats.NumCerts, "paths", stats.NumPaths, "duration", stats.Duration)
	return stats, nil
}

