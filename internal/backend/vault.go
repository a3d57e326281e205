package backend

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/doomsgate/doomsgate/internal/catalog"
	"github.com/doomsgate/doomsgate/internal/certdecode"
	"github.com/doomsgate/doomsgate/internal/errkind"
)

// vaultAdapter walks a Vault KV v2 mount recursively. Every leaf secret's
// data fields are inspected in turn and any field whose value parses as one
// or more PEM blocks is yielded — the field name isn't configured, since a
// secret may carry a certificate under any key (or several: "certificate"
// and "ca" side by side).
type vaultAdapter struct {
	client     *vaultapi.Client
	name       string
	mountPath  string
	secretPath string
}

func newVaultAdapter(spec catalog.BackendSpec) (Adapter, error) {
	addr, err := stringProp(spec, "url")
	if err != nil {
		return nil, err
	}
	token, err := stringProp(spec, "token")
	if err != nil {
		return nil, err
	}
	mountPath := stringPropOr(spec, "mount_path", "secret")
	secretPath := stringPropOr(spec, "secret_path", "")

	cfg := vaultapi.DefaultConfig()
	cfg.Address = addr
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, &errkind.PermanentBackendError{Backend: spec.Name, Err: err}
	}
	client.SetToken(token)
	if ns := stringPropOr(spec, "namespace", ""); ns != "" {
		client.SetNamespace(ns)
	}

	return &vaultAdapter{client: client, name: spec.Name, mountPath: mountPath, secretPath: secretPath}, nil
}

func (a *vaultAdapter) Name() string              { return a.name }
func (a *vaultAdapter) Kind() catalog.BackendKind { return catalog.KindVault }

// List walks the mount's metadata tree depth-first, listing each directory
// and reading each leaf, and streams one Item per leaf field whose value
// decodes as at least one certificate.
func (a *vaultAdapter) List(ctx context.Context) (<-chan Item, <-chan error) {
	items := make(chan Item)
	errc := make(chan error, 1)

	go func() {
		defer close(items)
		defer close(errc)

		if err := a.walk(ctx, a.secretPath, items); err != nil {
			errc <- err
		}
	}()

	return items, errc
}

func (a *vaultAdapter) walk(ctx context.Context, dir string, items chan<- Item) error {
	listPath := path.Join(a.mountPath, "metadata", dir)
	secret, err := a.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return a.classify(err)
	}
	if secret == nil || secret.Data == nil {
		return nil
	}

	raw, ok := secret.Data["keys"].([]any)
	if !ok {
		return nil
	}

	for _, k := range raw {
		key, ok := k.(string)
		if !ok {
			continue
		}
		childPath := path.Join(dir, key)

		if len(key) > 0 && key[len(key)-1] == '/' {
			if err := a.walk(ctx, childPath, items); err != nil {
				return err
			}
			continue
		}

		if err := a.readLeaf(ctx, childPath, items); err != nil {
			return err
		}
	}
	return nil
}

func (a *vaultAdapter) readLeaf(ctx context.Context, leafPath string, items chan<- Item) error {
	dataPath := path.Join(a.mountPath, "data", leafPath)
	secret, err := a.client.Logical().ReadWithContext(ctx, dataPath)
	if err != nil {
		return a.classify(err)
	}
	if secret == nil || secret.Data == nil {
		return nil
	}
	inner, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return nil
	}

	for field, val := range inner {
		s, ok := val.(string)
		if !ok {
			continue
		}
		pemBytes := decodeFieldValue(s)
		if tuples, _ := certdecode.Decode(pemBytes); len(tuples) == 0 {
			continue
		}
		select {
		case items <- Item{Path: leafPath + "#" + field, PEM: pemBytes}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// decodeFieldValue treats a secret field's string value as base64-wrapped
// PEM when it decodes cleanly, falling back to the raw bytes otherwise —
// KV v2 fields are commonly stored as base64 to survive JSON round-trips.
func decodeFieldValue(v string) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(v); err == nil {
		return decoded
	}
	return []byte(v)
}

// classify maps a Vault API error into the typed backend error kinds so the
// populator and scheduler can react to auth failures differently from
// ordinary transport hiccups.
func (a *vaultAdapter) classify(err error) error {
	if respErr, ok := err.(*vaultapi.ResponseError); ok {
		switch respErr.StatusCode {
		case 401, 403:
			return &errkind.AuthBackendError{Backend: a.name, Err: err}
		case 404:
			return nil
		default:
			if respErr.StatusCode >= 500 {
				return &errkind.TransientBackendError{Backend: a.name, Err: err}
			}
			return &errkind.PermanentBackendError{Backend: a.name, Err: err}
		}
	}
	return fmt.Errorf("%w", &errkind.TransientBackendError{Backend: a.name, Err: err})
}
