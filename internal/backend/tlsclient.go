package backend

import (
	"context"
	"crypto/tls"
	"encoding/pem"
	"fmt"
	"net"
	"time"

	"github.com/doomsgate/doomsgate/internal/catalog"
	"github.com/doomsgate/doomsgate/internal/errkind"
)

const tlsDialTimeout = 5 * time.Second

// tlsTarget is one configured dial target: an address plus the SNI server
// name to present, which defaults to the target's own host.
type tlsTarget struct {
	addr       string
	serverName string
}

// tlsClientAdapter dials a fixed list of targets and captures the leaf
// certificate each one presents during the TLS handshake. Unlike the other
// backends it never lists anything server-side — its "path" is just the
// dialed target.
type tlsClientAdapter struct {
	name    string
	targets []tlsTarget
}

func newTLSClientAdapter(spec catalog.BackendSpec) (Adapter, error) {
	raw, ok := spec.Properties["targets"]
	if !ok {
		return nil, &errkind.PermanentBackendError{
			Backend: spec.Name,
			Err:     fmt.Errorf("property %q is required", "targets"),
		}
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, &errkind.PermanentBackendError{
			Backend: spec.Name,
			Err:     fmt.Errorf("property %q must be a list of {host, port} objects", "targets"),
		}
	}

	targets := make([]tlsTarget, 0, len(list))
	for _, v := range list {
		entry, ok := v.(map[string]any)
		if !ok {
			return nil, &errkind.PermanentBackendError{
				Backend: spec.Name,
				Err:     fmt.Errorf("each targets entry must be an object with host and port"),
			}
		}
		host, ok := entry["host"].(string)
		if !ok || host == "" {
			return nil, &errkind.PermanentBackendError{
				Backend: spec.Name,
				Err:     fmt.Errorf("targets entry missing required %q", "host"),
			}
		}
		port, err := targetPort(entry["port"])
		if err != nil {
			return nil, &errkind.PermanentBackendError{Backend: spec.Name, Err: err}
		}
		serverName := host
		if sn, ok := entry["server_name"].(string); ok && sn != "" {
			serverName = sn
		}
		targets = append(targets, tlsTarget{addr: net.JoinHostPort(host, port), serverName: serverName})
	}

	return &tlsClientAdapter{name: spec.Name, targets: targets}, nil
}

// targetPort normalizes a YAML-decoded port value, which may surface as an
// int, an int64, or a float64 depending on the decoder path it took.
func targetPort(v any) (string, error) {
	switch p := v.(type) {
	case int:
		return fmt.Sprintf("%d", p), nil
	case int64:
		return fmt.Sprintf("%d", p), nil
	case float64:
		return fmt.Sprintf("%d", int(p)), nil
	case string:
		if p != "" {
			return p, nil
		}
	}
	return "", fmt.Errorf("targets entry missing required %q", "port")
}

func (a *tlsClientAdapter) Name() string              { return a.name }
func (a *tlsClientAdapter) Kind() catalog.BackendKind { return catalog.KindTLSClient }

// List dials every configured target in turn. A dial or handshake failure
// on one target is transient and does not stop the remaining targets from
// being dialed; the last such failure is reported once at the end, after
// the items of the reachable targets have been streamed. The populator
// treats that terminal error as a failed refresh and discards the batch.
func (a *tlsClientAdapter) List(ctx context.Context) (<-chan Item, <-chan error) {
	items := make(chan Item)
	errc := make(chan error, 1)

	go func() {
		defer close(items)
		defer close(errc)

		var lastErr error
		for _, target := range a.targets {
			der, err := a.probe(ctx, target)
			if err != nil {
				lastErr = err
				continue
			}
			block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
			select {
			case items <- Item{Path: target.addr, PEM: block}:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if lastErr != nil {
			errc <- lastErr
		}
	}()

	return items, errc
}

// probe performs a single TLS handshake and returns the leaf certificate's
// raw DER. Verification is intentionally skipped: this adapter observes
// whatever certificate is being served, expired or not, it does not
// validate trust.
func (a *tlsClientAdapter) probe(ctx context.Context, target tlsTarget) ([]byte, error) {
	dialer := &net.Dialer{Timeout: tlsDialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, tlsDialTimeout)
	defer cancel()

	rawConn, err := dialer.DialContext(dialCtx, "tcp", target.addr)
	if err != nil {
		return nil, &errkind.TransientBackendError{Backend: a.name, Err: err}
	}

	tlsConn := tls.Client(rawConn, &tls.Config{
		ServerName:         target.serverName,
		InsecureSkipVerify: true, //nolint:gosec // we observe expiry, not trust
	})
	defer tlsConn.Close() //nolint:errcheck // best-effort cleanup after handshake

	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		return nil, &errkind.TransientBackendError{Backend: a.name, Err: err}
	}

	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, &errkind.TransientBackendError{
			Backend: a.name,
			Err:     fmt.Errorf("%s: no peer certificates presented", target.addr),
		}
	}
	return certs[0].Raw, nil
}
