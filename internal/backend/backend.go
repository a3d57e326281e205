// Package backend implements the pluggable adapters that enumerate raw PEM
// blobs from a heterogeneous set of certificate sources: HashiCorp Vault,
// CredHub, Ops Manager, and direct TLS endpoints. Adapters are a closed
// tagged variant — new kinds are additions here, never open inheritance.
package backend

import (
	"context"
	"fmt"

	"github.com/doomsgate/doomsgate/internal/catalog"
	"github.com/doomsgate/doomsgate/internal/errkind"
)

// Item is one PEM blob tagged with the source-local path it came from.
type Item struct {
	Path string
	PEM  []byte
}

// Adapter enumerates a single backend. List streams items on the returned
// channel until the backend is fully drained, then closes it; at most one
// terminal error is delivered on the error channel before it too closes.
// Adapters do not touch the cache — they only return data.
type Adapter interface {
	Name() string
	Kind() catalog.BackendKind
	List(ctx context.Context) (<-chan Item, <-chan error)
}

// New constructs the adapter for spec.Kind, dispatching over the closed
// backend variant. Malformed properties surface as PermanentBackendError
// since they indicate a config problem, not a transient one.
func New(spec catalog.BackendSpec) (Adapter, error) {
	switch spec.Kind {
	case catalog.KindVault:
		return newVaultAdapter(spec)
	case catalog.KindCredHub:
		return newCredHubAdapter(spec)
	case catalog.KindOpsMgr:
		return newOpsMgrAdapter(spec)
	case catalog.KindTLSClient:
		return newTLSClientAdapter(spec)
	default:
		return nil, &errkind.PermanentBackendError{
			Backend: spec.Name,
			Err:     fmt.Errorf("unknown backend kind %q", spec.Kind),
		}
	}
}

// stringProp reads a required string property, returning a
// PermanentBackendError if absent or of the wrong type.
func stringProp(spec catalog.BackendSpec, key string) (string, error) {
	v, ok := spec.Properties[key]
	if !ok {
		return "", &errkind.PermanentBackendError{
			Backend: spec.Name,
			Err:     fmt.Errorf("property %q is required", key),
		}
	}
	s, ok := v.(string)
	if !ok {
		return "", &errkind.PermanentBackendError{
			Backend: spec.Name,
			Err:     fmt.Errorf("property %q must be a string", key),
		}
	}
	return s, nil
}

// stringPropOr reads an optional string property, returning def if absent.
func stringPropOr(spec catalog.BackendSpec, key, def string) string {
	v, ok := spec.Properties[key]
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return def
}
