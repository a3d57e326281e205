package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/doomsgate/doomsgate/internal/catalog"
)

// pagerDutyEventsURL is the PagerDuty Events API v2 endpoint (var for testing).
var pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue" //nolint:gosec // not a credential

// pdEvent is a PagerDuty Events API v2 request body.
type pdEvent struct {
	Payload     *pdPayload `json:"payload,omitempty"`
	RoutingKey  string     `json:"routing_key"`
	EventAction string     `json:"event_action"`
	DedupKey    string     `json:"dedup_key"`
}

// pdPayload is the payload section of a PagerDuty trigger event.
type pdPayload struct {
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary"`
	Source    string    `json:"source"`
	Severity  string    `json:"severity"`
}

func (d *Dispatcher) sendPagerDuty(sink Sink, records []catalog.CertRecord) {
	for _, rec := range records {
		event := pdEvent{
			RoutingKey:  sink.RoutingKey,
			EventAction: "trigger",
			DedupKey:    fmt.Sprintf("%x", rec.Fingerprint),
			Payload: &pdPayload{
				Summary:   pdSummary(rec),
				Source:    "doomsgate",
				Severity:  pdSeverity(rec.NotAfter),
				Timestamp: time.Now().UTC(),
			},
		}

		body, err := json.Marshal(event)
		if err != nil {
			continue
		}
		d.post(pagerDutyEventsURL, "application/json", body)
	}
}

func pdSummary(rec catalog.CertRecord) string {
	return fmt.Sprintf("[%s] %s in %s",
		strings.ToUpper(pdSeverity(rec.NotAfter)), rec.Subject, joinBackends(rec))
}

// pdSeverity maps expiry into a PagerDuty severity: already-expired
// certificates page as critical, everything else within the notify
// threshold pages as a warning.
func pdSeverity(notAfter time.Time) string {
	if time.Until(notAfter) <= 0 {
		return "critical"
	}
	return "warning"
}
