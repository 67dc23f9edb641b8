package roothints

import (
	"context"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedProviderParsesRecords(t *testing.T) {
	p, err := NewEmbeddedProvider()
	require.NoError(t, err)

	hints, err := p.Hints(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, hints)

	var nsCount, aCount int
	for _, rr := range hints {
		switch rr.(type) {
		case *dns.NS:
			nsCount++
		case *dns.A, *dns.AAAA:
			aCount++
		}
	}
	require.Greater(t, nsCount, 0)
	require.Greater(t, aCount, 0)
}

func TestZoneFileProviderRejectsEmptyZone(t *testing.T) {
	_, err := NewZoneFileProvider("")
	require.Error(t, err)
}

func TestStaticProviderReturnsConfiguredError(t *testing.T) {
	wantErr := context.DeadlineExceeded
	p := StaticProvider{Err: wantErr}

	_, err := p.Hints(context.Background())
	require.ErrorIs(t, err, wantErr)
}

func TestStaticProviderReturnsConfiguredRecords(t *testing.T) {
	a := &dns.A{Hdr: dns.RR_Header{Name: "a.root-servers.net.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 3600000}}
	p := StaticProvider{Records: []dns.RR{a}}

	hints, err := p.Hints(context.Background())
	require.NoError(t, err)
	require.Equal(t, []dns.RR{a}, hints)
}
