package cache

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rr(t *testing.T, ctor func() dns.RR, name string, ttl uint32) dns.RR {
	t.Helper()
	r := ctor()
	hdr := r.Header()
	hdr.Name = dns.CanonicalName(name)
	hdr.Class = dns.ClassINET
	hdr.Ttl = ttl
	return r
}

func aRecord(t *testing.T, name string, ttl uint32, ip string) *dns.A {
	t.Helper()
	r := rr(t, func() dns.RR { return new(dns.A) }, name, ttl).(*dns.A)
	r.Hdr.Rrtype = dns.TypeA
	r.A = net.ParseIP(ip)
	return r
}

func cname(t *testing.T, name string, ttl uint32, target string) *dns.CNAME {
	t.Helper()
	r := rr(t, func() dns.RR { return new(dns.CNAME) }, name, ttl).(*dns.CNAME)
	r.Hdr.Rrtype = dns.TypeCNAME
	r.Target = dns.CanonicalName(target)
	return r
}

func nsRecord(t *testing.T, name string, ttl uint32, target string) *dns.NS {
	t.Helper()
	r := rr(t, func() dns.RR { return new(dns.NS) }, name, ttl).(*dns.NS)
	r.Hdr.Rrtype = dns.TypeNS
	r.Ns = dns.CanonicalName(target)
	return r
}

func TestInsertAndGet(t *testing.T) {
	c := New()
	c.Insert(aRecord(t, "example.com.", 60, "93.184.216.34"))

	got := c.Get("example.com.")
	require.Len(t, got, 1)
	assert.Equal(t, "93.184.216.34", got[0].(*dns.A).A.String())
}

func TestInsertDuplicateReplacesAndKeepsSizeConstant(t *testing.T) {
	c := New()
	c.Insert(aRecord(t, "example.com.", 60, "93.184.216.34"))
	assert.Equal(t, 1, c.Size())

	c.Insert(aRecord(t, "example.com.", 120, "93.184.216.34"))
	assert.Equal(t, 1, c.Size())
}

func TestZeroTTLNotCached(t *testing.T) {
	c := New()
	c.Insert(aRecord(t, "example.com.", 0, "93.184.216.34"))
	assert.Equal(t, 0, c.Size())
	assert.Empty(t, c.Get("example.com."))
}

func TestUnimplementedNotCached(t *testing.T) {
	c := New()
	srv := &dns.SRV{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60}}
	c.Insert(srv)
	assert.Equal(t, 0, c.Size())
}

func TestClear(t *testing.T) {
	c := New()
	c.Insert(aRecord(t, "example.com.", 60, "93.184.216.34"))
	c.Clear()
	assert.Equal(t, 0, c.Size())
	assert.Empty(t, c.Get("example.com."))
}

func TestExpiredRecordsNotSurfaced(t *testing.T) {
	now := time.Now()
	clock := now
	c := New(withClock(func() time.Time { return clock }))

	c.Insert(aRecord(t, "example.com.", 1, "93.184.216.34"))
	clock = now.Add(2 * time.Second)

	assert.Empty(t, c.Get("example.com."))
	assert.Equal(t, 0, c.Size())
}

func TestEvictsEarliestExpiringFirst(t *testing.T) {
	now := time.Now()
	clock := now
	c := New(WithMaxEntries(1000), withClock(func() time.Time { return clock }))

	// N records with strictly increasing TTLs; the first has the smallest.
	for i := 0; i < 1000; i++ {
		name := dns.CanonicalName("h" + itoa(i) + ".example.")
		c.Insert(aRecord(t, name, uint32(2+i), "192.0.2.1"))
	}
	assert.Equal(t, 1000, c.Size())

	// The N+1th record has the largest TTL of all, so it must survive while
	// the earliest-expiring (h0, TTL=2) is evicted to make room.
	c.Insert(aRecord(t, "newest.example.", 10_000, "192.0.2.1"))

	assert.Equal(t, 1000, c.Size())
	assert.NotEmpty(t, c.Get("newest.example."))
	assert.Empty(t, c.Get("h0.example."))
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

func TestResolveDirectHit(t *testing.T) {
	c := New()
	c.Insert(aRecord(t, "example.com.", 60, "93.184.216.34"))

	resp, ok := c.Resolve(dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}, true)
	require.True(t, ok)
	require.Len(t, resp.Answer, 1)
	assert.True(t, resp.Response)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
}

func TestResolveCNAMEChain(t *testing.T) {
	c := New()
	c.Insert(cname(t, "a.test.", 60, "b.test."))
	c.Insert(aRecord(t, "b.test.", 60, "10.0.0.1"))

	resp, ok := c.Resolve(dns.Question{Name: "a.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET}, true)
	require.True(t, ok)
	require.Len(t, resp.Answer, 2)
	_, isCNAME := resp.Answer[0].(*dns.CNAME)
	assert.True(t, isCNAME)
	_, isA := resp.Answer[1].(*dns.A)
	assert.True(t, isA)
}

func TestResolveMissIsNotNegativeAnswer(t *testing.T) {
	c := New()
	resp, ok := c.Resolve(dns.Question{Name: "nowhere.test.", Qtype: dns.TypeA, Qclass: dns.ClassINET}, true)
	assert.False(t, ok)
	assert.Empty(t, resp.Answer)
}

func TestResolveANYAlwaysFails(t *testing.T) {
	c := New()
	c.Insert(aRecord(t, "example.com.", 60, "93.184.216.34"))

	_, ok := c.Resolve(dns.Question{Name: "example.com.", Qtype: dns.TypeANY, Qclass: dns.ClassINET}, true)
	assert.False(t, ok)
}

func TestResolveReferralOnNonRecursiveMiss(t *testing.T) {
	c := New()
	c.Insert(nsRecord(t, "example.com.", 300, "ns1.example.com."))
	c.Insert(aRecord(t, "ns1.example.com.", 300, "192.0.2.53"))

	resp, ok := c.Resolve(dns.Question{Name: "www.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}, false)
	require.False(t, ok)
	require.Len(t, resp.Ns, 1)
	require.Len(t, resp.Extra, 1)
	assert.Equal(t, "example.com.", resp.Ns[0].Header().Name)
}
