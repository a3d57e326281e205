// Package notify dispatches best-effort alerts for certificates nearing or
// past expiry to a configured set of webhook sinks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/doomsgate/doomsgate/internal/catalog"
)

const httpTimeout = 10 * time.Second

// SinkKind is the closed set of webhook flavors a Dispatcher can speak.
type SinkKind string

const (
	SinkSlack     SinkKind = "slack"
	SinkShout     SinkKind = "shout"
	SinkPagerDuty SinkKind = "pagerduty"
)

// Sink is one configured notification target.
type Sink struct {
	Kind       SinkKind
	URL        string
	RoutingKey string // pagerduty only
}

// Dispatcher runs one notification sweep at a time: it snapshots the
// catalog for at-risk certificates and fans that snapshot out to every
// configured sink.
type Dispatcher struct {
	cache       *catalog.Cache
	sinks       []Sink
	threshold   time.Duration
	doomsdayURL string
	cooldown    time.Duration
	sent        map[catalog.Fingerprint]time.Time
	mu          sync.Mutex
	client      *http.Client
	log         *slog.Logger
}

// Config controls one Dispatcher.
type Config struct {
	Sinks []Sink
	// Threshold selects records with NotAfter-now <= Threshold (or already
	// expired). Defaults to 30 days.
	Threshold time.Duration
	// DoomsdayURL, if set, is embedded as a deep link back to the HTTP
	// surface in every sink message.
	DoomsdayURL string
	// Cooldown is an optional enhancement beyond the required behavior:
	// when non-zero, a given certificate is not re-notified until Cooldown
	// has elapsed since its last notification. Zero (the default) means
	// every sweep re-notifies every at-risk certificate, matching the
	// required "one message per distinct risky certificate, every run".
	Cooldown time.Duration
}

// New builds a Dispatcher. A nil or empty sink list still returns a usable
// Dispatcher whose Run is a no-op — callers do not need to special-case
// "notifications disabled".
func New(cache *catalog.Cache, cfg Config, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = 30 * 24 * time.Hour
	}
	return &Dispatcher{
		cache:       cache,
		sinks:       cfg.Sinks,
		threshold:   threshold,
		doomsdayURL: cfg.DoomsdayURL,
		cooldown:    cfg.Cooldown,
		sent:        make(map[catalog.Fingerprint]time.Time),
		client:      &http.Client{Timeout: httpTimeout},
		log:         log,
	}
}

// Run performs one notification sweep: select at-risk records, sort them,
// and send one message per record to every sink. A sink failure is logged
// and never aborts the batch.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.sinks) == 0 {
		return nil
	}

	records := d.cache.List(catalog.Filter{Kind: catalog.FilterWithin, Threshold: d.threshold})
	sort.Slice(records, func(i, j int) bool {
		if !records[i].NotAfter.Equal(records[j].NotAfter) {
			return records[i].NotAfter.Before(records[j].NotAfter)
		}
		return records[i].Subject < records[j].Subject
	})

	if d.cooldown > 0 {
		records = d.filterCooldown(records)
	}
	if len(records) == 0 {
		return nil
	}

	for _, sink := range d.sinks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		switch sink.Kind {
		case SinkSlack:
			d.sendSlack(sink.URL, records)
		case SinkPagerDuty:
			d.sendPagerDuty(sink, records)
		default:
			d.sendGeneric(sink.URL, records)
		}
	}
	return nil
}

func (d *Dispatcher) filterCooldown(records []catalog.CertRecord) []catalog.CertRecord {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	fresh := records[:0]
	for _, rec := range records {
		if last, ok := d.sent[rec.Fingerprint]; ok && now.Sub(last) < d.cooldown {
			continue
		}
		d.sent[rec.Fingerprint] = now
		fresh = append(fresh, rec)
	}
	return fresh
}

func backendNames(rec catalog.CertRecord) []string {
	seen := make(map[string]struct{}, len(rec.Paths))
	names := make([]string, 0, len(rec.Paths))
	for _, p := range rec.Paths {
		if _, ok := seen[p.Backend]; ok {
			continue
		}
		seen[p.Backend] = struct{}{}
		names = append(names, p.Backend)
	}
	sort.Strings(names)
	return names
}

func expiryText(notAfter time.Time) string {
	remaining := time.Until(notAfter).Truncate(time.Minute)
	if remaining <= 0 {
		return "EXPIRED"
	}
	return fmt.Sprintf("expires in %s", remaining)
}

// GenericPayload is the JSON body sent to plain webhook sinks.
type GenericPayload struct {
	Timestamp time.Time       `json:"timestamp"`
	Summary   string          `json:"summary"`
	Records   []GenericRecord `json:"records"`
}

// GenericRecord is a single certificate entry in the generic payload.
type GenericRecord struct {
	NotAfter time.Time `json:"notAfter"`
	Subject  string    `json:"subject"`
	Backends []string  `json:"backends"`
	Link     string    `json:"link,omitempty"`
}

func (d *Dispatcher) sendGeneric(sinkURL string, records []catalog.CertRecord) {
	payload := GenericPayload{
		Timestamp: time.Now().UTC(),
		Summary:   fmt.Sprintf("%d certificate(s) at risk", len(records)),
		Records:   make([]GenericRecord, len(records)),
	}
	for i, rec := range records {
		payload.Records[i] = GenericRecord{
			Subject:  rec.Subject,
			NotAfter: rec.NotAfter,
			Backends: backendNames(rec),
			Link:     d.deepLink(rec),
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.log.Warn("notification: marshal error", "err", err)
		return
	}
	d.post(sinkURL, "application/json", body)
}

// SlackPayload is the JSON body sent to Slack incoming webhooks.
type SlackPayload struct {
	Blocks []SlackBlock `json:"blocks"`
}

// SlackBlock is a Slack Block Kit block.
type SlackBlock struct {
	Text *SlackText `json:"text,omitempty"`
	Type string     `json:"type"`
}

// SlackText is a Slack text element.
type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (d *Dispatcher) sendSlack(sinkURL string, records []catalog.CertRecord) {
	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackText{Type: "plain_text", Text: fmt.Sprintf("doomsgate: %d certificate(s) at risk", len(records))},
		},
	}

	for _, rec := range records {
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("*%s* in `%s` — %s%s",
					rec.Subject, joinBackends(rec), expiryText(rec.NotAfter), slackLink(d.deepLink(rec))),
			},
		})
	}

	body, err := json.Marshal(SlackPayload{Blocks: blocks})
	if err != nil {
		d.log.Warn("notification: slack marshal error", "err", err)
		return
	}
	d.post(sinkURL, "application/json", body)
}

func slackLink(link string) string {
	if link == "" {
		return ""
	}
	return fmt.Sprintf(" — <%s|details>", link)
}

func joinBackends(rec catalog.CertRecord) string {
	names := backendNames(rec)
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

func (d *Dispatcher) deepLink(rec catalog.CertRecord) string {
	if d.doomsdayURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/v1/cache?filter=all#%x", d.doomsdayURL, rec.Fingerprint)
}

func (d *Dispatcher) post(sinkURL, contentType string, body []byte) {
	resp, err := d.client.Post(sinkURL, contentType, bytes.NewReader(body)) //nolint:noctx // fire-and-forget notification
	if err != nil {
		d.log.Warn("notification: sink delivery failed", "url", sinkURL, "err", err)
		return
	}
	defer resp.Body.Close() //nolint:errcheck // read-only close
	if resp.StatusCode >= 300 {
		d.log.Warn("notification: sink returned non-2xx", "url", sinkURL, "status", resp.StatusCode)
	}
}
