// Package roothints supplies NS/A/AAAA records for the root name servers,
// with TTLs already adjusted for age, as the starting point for recursive
// resolution. The production implementation parses an embedded
// named.root-format zone with dns.ZoneParser.
package roothints

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

//go:embed named.root
var namedRoot string

// Provider supplies root NS/A/AAAA records on demand.
type Provider interface {
	Hints(ctx context.Context) ([]dns.RR, error)
}

// ZoneFileProvider parses a named.root-format zone once, at construction,
// and serves age-adjusted copies of its records thereafter. It never
// re-fetches; operators who want periodic refresh construct a new one on
// their own schedule.
type ZoneFileProvider struct {
	records []dns.RR
	loadedAt time.Time
}

// NewEmbeddedProvider parses the zone file embedded in this package (a
// trimmed named.root snapshot) and returns a ready-to-use Provider.
func NewEmbeddedProvider() (*ZoneFileProvider, error) {
	return NewZoneFileProvider(namedRoot)
}

// NewZoneFileProvider parses zone (RFC 1035 named.root format) and returns a
// Provider serving its records.
func NewZoneFileProvider(zone string) (*ZoneFileProvider, error) {
	zp := dns.NewZoneParser(strings.NewReader(strings.TrimSpace(zone)+"\n"), ".", "named.root")
	zp.SetIncludeAllowed(false)

	var records []dns.RR
	for {
		rr, ok := zp.Next()
		if !ok {
			break
		}
		records = append(records, rr)
	}
	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("parse root hints zone: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("root hints zone contained no records")
	}

	return &ZoneFileProvider{records: records, loadedAt: time.Now()}, nil
}

// Hints returns a copy of the parsed records with TTLs reduced by the age
// of this provider, floored at zero.
func (p *ZoneFileProvider) Hints(ctx context.Context) ([]dns.RR, error) {
	age := uint32(time.Since(p.loadedAt).Seconds())

	out := make([]dns.RR, len(p.records))
	for i, rr := range p.records {
		cp := dns.Copy(rr)
		hdr := cp.Header()
		if hdr.Ttl > age {
			hdr.Ttl -= age
		} else {
			hdr.Ttl = 0
		}
		out[i] = cp
	}
	return out, nil
}

// StaticProvider is an in-memory Provider for tests: it returns exactly the
// records it was constructed with, unmodified.
type StaticProvider struct {
	Records []dns.RR
	Err     error
}

func (p StaticProvider) Hints(ctx context.Context) ([]dns.RR, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Records, nil
}
