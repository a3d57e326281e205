package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/doomsgate/doomsgate/internal/catalog"
)

func startCredHubFake(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test fake
			"access_token": "fake-token",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})

	mux.HandleFunc("/api/v1/data", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if name := r.URL.Query().Get("name"); name != "" {
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test fake
				"data": []map[string]any{
					{"value": map[string]any{"certificate": "-----BEGIN CERTIFICATE-----\nZmFrZQ==\n-----END CERTIFICATE-----\n"}},
				},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test fake
			"credentials": []map[string]any{{"name": "/tls/leaf-1"}},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCredHubAdapterListsAndFetches(t *testing.T) {
	srv := startCredHubFake(t)

	spec := catalog.BackendSpec{
		Name: "credhub-1",
		Kind: catalog.KindCredHub,
		Properties: map[string]any{
			"url":           srv.URL,
			"client_id":     "client",
			"client_secret": "secret",
			"path":          "/tls",
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
	if got[0].Path != "/tls/leaf-1" {
		t.Errorf("unexpected path: %q", got[0].Path)
	}
	if !strings.Contains(string(got[0].PEM), "BEGIN CERTIFICATE") {
		t.Errorf("expected a PEM block, got %q", got[0].PEM)
	}
}

func TestCredHubAdapterMissingProperties(t *testing.T) {
	_, err := New(catalog.BackendSpec{Name: "credhub-1", Kind: catalog.KindCredHub})
	if err == nil {
		t.Fatal("expected error for missing properties")
	}
}
