package backend

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/doomsgate/doomsgate/internal/catalog"
)

func startTLSEcho(t *testing.T, notAfter time.Time) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "probe.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() }) //nolint:errcheck // test cleanup

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 1)
				c.Read(buf) //nolint:errcheck // handshake-only echo server
				c.Close()   //nolint:errcheck // handshake-only echo server
			}(conn)
		}
	}()

	return ln.Addr().String()
}

func TestTLSClientAdapterCapturesLeafCert(t *testing.T) {
	notAfter := time.Now().Add(90 * 24 * time.Hour)
	addr := startTLSEcho(t, notAfter)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}

	spec := catalog.BackendSpec{
		Name: "tls-1",
		Kind: catalog.KindTLSClient,
		Properties: map[string]any{
			"targets": []any{
				map[string]any{"host": host, "port": port},
			},
		},
	}
	adapter, err := New(spec)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	items, errc := adapter.List(ctx)

	var got []Item
	for it := range items {
		got = append(got, it)
	}
	if err := <-errc; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 item, got %d", len(got))
	}
	if got[0].Path != addr {
		t.Errorf("expected path %q, got %q", addr, got[0].Path)
	}
}

func TestTLSClientAdapterHonorsServerNameOverride(t *testing.T) {
	notAfter := time.Now().Add(90 * 24 * time.Hour)
	addr := startTLSEcho(t, notAfter)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}

	spec := catalog.BackendSpec{
		Name: "tls-1",
		Kind: catalog.KindTLSClient,
		Properties: map[string]any{
			"targets": []any{
				map[string]any{"host": host, "port": port, "server_name": "probe.example.com"},
			},
		},
	}
	adapter, err := New(spec)
	if err != nil {
		t.Fatal(err)
	}
	if sn := adapter.(*tlsClientAdapter).targets[0].serverName; sn != "probe.example.com" {
		t.Fatalf("expected server name override %q, got %q", "probe.example.com", sn)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	items, errc := adapter.List(ctx)

	var got []Item
	for it := range items {
		got = append(got, it)
	}
	if err := <-errc; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 item, got %d", len(got))
	}
}

func TestTLSClientAdapterReportsUnreachableTarget(t *testing.T) {
	spec := catalog.BackendSpec{
		Name: "tls-1",
		Kind: catalog.KindTLSClient,
		Properties: map[string]any{
			"targets": []any{
				map[string]any{"host": "127.0.0.1", "port": 1},
			},
		},
	}
	adapter, err := New(spec)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	items, errc := adapter.List(ctx)

	for range items {
	}
	if err := <-errc; err == nil {
		t.Fatal("expected an error for an unreachable target")
	}
}

func TestTLSClientAdapterRequiresTargets(t *testing.T) {
	_, err := New(catalog.BackendSpec{Name: "tls-1", Kind: catalog.KindTLSClient})
	if err == nil {
		t.Fatal("expected error when targets property is missing")
	}
}

func TestTLSClientAdapterRejectsMissingPort(t *testing.T) {
	spec := catalog.BackendSpec{
		Name: "tls-1",
		Kind: catalog.KindTLSClient,
		Properties: map[string]any{
			"targets": []any{
				map[string]any{"host": "127.0.0.1"},
			},
		},
	}
	if _, err := New(spec); err == nil {
		t.Fatal("expected error when a target is missing its port")
	}
}
