// Package certdecode turns raw PEM blobs into canonical certificate
// tuples: fingerprint, subject, and expiry.
package certdecode

import (
	"crypto/sha1" //nolint:gosec // identity hash for dedup, not a trust primitive
	"crypto/x509"
	"encoding/pem"
	"time"

	"github.com/doomsgate/doomsgate/internal/catalog"
)

// Tuple is one decoded certificate: identity, display subject, and expiry.
type Tuple struct {
	NotAfter    time.Time
	Subject     string
	Fingerprint catalog.Fingerprint
}

// Decode parses every CERTIFICATE block in blob and returns one Tuple per
// successfully decoded block. Other PEM types (keys, CSRs) are silently
// skipped. A block that fails to parse is counted in skipped and otherwise
// ignored — one bad block never aborts the rest of the blob.
func Decode(blob []byte) (tuples []Tuple, skipped int) {
	rest := blob
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			skipped++
			continue
		}

		tuples = append(tuples, Tuple{
			Fingerprint: sha1.Sum(cert.Raw), //nolint:gosec // identity hash, see catalog.Fingerprint doc
			Subject:     subjectOf(cert),
			NotAfter:    cert.NotAfter.UTC(),
		})
	}
	return tuples, skipped
}

// subjectOf renders the certificate's subject DN, falling back to the
// first SAN and then a fixed placeholder when the subject is empty (self-
// signed leaf certs commonly carry all identity in SANs).
func subjectOf(cert *x509.Certificate) string {
	if s := cert.Subject.String(); s != "" {
		return s
	}
	if len(cert.DNSNames) > 0 {
		return cert.DNSNames[0]
	}
	if len(cert.IPAddresses) > 0 {
		return cert.IPAddresses[0].String()
	}
	if len(cert.URIs) > 0 {
		return cert.URIs[0].String()
	}
	return "<no subject>"
}
