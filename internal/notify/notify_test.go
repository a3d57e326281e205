package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/doomsgate/doomsgate/internal/catalog"
)

func seedCache(certs map[catalog.Fingerprint]catalog.ObservedCert) *catalog.Cache {
	c := catalog.New()
	c.ReplaceBackend("vault-1", certs)
	return c
}

func fp(b byte) catalog.Fingerprint {
	var f catalog.Fingerprint
	f[0] = b
	return f
}

func TestRunSkipsWhenNoSinks(t *testing.T) {
	cache := seedCache(map[catalog.Fingerprint]catalog.ObservedCert{
		fp(1): {Subject: "CN=a", NotAfter: time.Now().Add(time.Hour), Paths: map[string]struct{}{"p": {}}},
	})
	d := New(cache, Config{}, nil)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunSendsGenericPayloadForAtRiskCerts(t *testing.T) {
	var mu sync.Mutex
	var received []byte
	var contentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ := io.ReadAll(r.Body) //nolint:errcheck // test helper
		received = body
		contentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cache := seedCache(map[catalog.Fingerprint]catalog.ObservedCert{
		fp(1): {Subject: "CN=at-risk", NotAfter: time.Now().Add(24 * time.Hour), Paths: map[string]struct{}{"p": {}}},
		fp(2): {Subject: "CN=safe", NotAfter: time.Now().Add(400 * 24 * time.Hour), Paths: map[string]struct{}{"p": {}}},
	})
	d := New(cache, Config{Sinks: []Sink{{Kind: SinkShout, URL: srv.URL}}, Threshold: 30 * 24 * time.Hour}, nil)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if received == nil {
		t.Fatal("expected the sink to be called")
	}
	if contentType != "application/json" {
		t.Errorf("expected application/json, got %q", contentType)
	}

	var payload GenericPayload
	if err := json.Unmarshal(received, &payload); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(payload.Records) != 1 {
		t.Fatalf("expected 1 at-risk record (safe cert excluded), got %d", len(payload.Records))
	}
	if payload.Records[0].Subject != "CN=at-risk" {
		t.Errorf("unexpected subject: %q", payload.Records[0].Subject)
	}
}

func TestRunSendsSlackBlocks(t *testing.T) {
	var mu sync.Mutex
	var received []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ := io.ReadAll(r.Body) //nolint:errcheck // test helper
		received = body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cache := seedCache(map[catalog.Fingerprint]catalog.ObservedCert{
		fp(1): {Subject: "CN=at-risk", NotAfter: time.Now().Add(time.Hour), Paths: map[string]struct{}{"p": {}}},
	})
	d := New(cache, Config{Sinks: []Sink{{Kind: SinkSlack, URL: srv.URL}}}, nil)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var payload SlackPayload
	if err := json.Unmarshal(received, &payload); err != nil {
		t.Fatalf("invalid Slack JSON: %v", err)
	}
	if len(payload.Blocks) != 2 {
		t.Fatalf("expected header + 1 section block, got %d", len(payload.Blocks))
	}
	if payload.Blocks[0].Type != "header" {
		t.Errorf("expected first block to be header, got %q", payload.Blocks[0].Type)
	}
}

func TestRunSortsByNotAfterThenSubject(t *testing.T) {
	var mu sync.Mutex
	var received []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ := io.ReadAll(r.Body) //nolint:errcheck // test helper
		received = body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	same := time.Now().Add(2 * 24 * time.Hour)
	cache := seedCache(map[catalog.Fingerprint]catalog.ObservedCert{
		fp(1): {Subject: "CN=zzz", NotAfter: same, Paths: map[string]struct{}{"p": {}}},
		fp(2): {Subject: "CN=aaa", NotAfter: same, Paths: map[string]struct{}{"p": {}}},
		fp(3): {Subject: "CN=mid", NotAfter: time.Now().Add(time.Hour), Paths: map[string]struct{}{"p": {}}},
	})
	d := New(cache, Config{Sinks: []Sink{{Kind: SinkShout, URL: srv.URL}}}, nil)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var payload GenericPayload
	if err := json.Unmarshal(received, &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(payload.Records))
	}
	want := []string{"CN=mid", "CN=aaa", "CN=zzz"}
	for i, subj := range want {
		if payload.Records[i].Subject != subj {
			t.Errorf("position %d: expected %q, got %q", i, subj, payload.Records[i].Subject)
		}
	}
}

func TestRunCooldownSuppressesRepeatNotification(t *testing.T) {
	callCount := 0
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		callCount++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cache := seedCache(map[catalog.Fingerprint]catalog.ObservedCert{
		fp(1): {Subject: "CN=a", NotAfter: time.Now().Add(time.Hour), Paths: map[string]struct{}{"p": {}}},
	})
	d := New(cache, Config{Sinks: []Sink{{Kind: SinkShout, URL: srv.URL}}, Cooldown: time.Hour}, nil)

	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if callCount != 1 {
		t.Errorf("expected cooldown to suppress the second run, got %d calls", callCount)
	}
}

func TestRunWithoutCooldownNotifiesEveryRun(t *testing.T) {
	callCount := 0
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		callCount++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cache := seedCache(map[catalog.Fingerprint]catalog.ObservedCert{
		fp(1): {Subject: "CN=a", NotAfter: time.Now().Add(time.Hour), Paths: map[string]struct{}{"p": {}}},
	})
	d := New(cache, Config{Sinks: []Sink{{Kind: SinkShout, URL: srv.URL}}}, nil)

	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if callCount != 2 {
		t.Errorf("expected every run to notify without cooldown configured, got %d calls", callCount)
	}
}

func TestRunDoesNotAbortBatchOnSinkFailure(t *testing.T) {
	var called bool
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		called = true
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cache := seedCache(map[catalog.Fingerprint]catalog.ObservedCert{
		fp(1): {Subject: "CN=a", NotAfter: time.Now().Add(time.Hour), Paths: map[string]struct{}{"p": {}}},
	})
	d := New(cache, Config{Sinks: []Sink{
		{Kind: SinkShout, URL: "http://127.0.0.1:1"},
		{Kind: SinkShout, URL: srv.URL},
	}}, nil)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("a sink failure must not surface as an error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !called {
		t.Fatal("expected the second sink to still be called after the first failed")
	}
}
