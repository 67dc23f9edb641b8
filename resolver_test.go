package resolver

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_WithZoneServer_AddressNormalization(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		r := New()
		defer r.Close()

		err := r.WithZoneServer("example.com", []string{"127.0.0.1", "127.0.0.2:5353"})

		assert.NoError(t, err)
		specs := r.zoneServers["example.com."]
		require.Len(t, specs, 2)
		assert.Equal(t, "127.0.0.1:53", specs[0].Addr)
		assert.Equal(t, "127.0.0.2:5353", specs[1].Addr)
	})
	t.Run("unique", func(t *testing.T) {
		r := New()
		defer r.Close()

		err := r.WithZoneServer("example.com", []string{"127.0.0.1", "127.0.0.1:53"})

		assert.NoError(t, err)
		assert.Len(t, r.zoneServers["example.com."], 1)
	})
	t.Run("invalid", func(t *testing.T) {
		r := New()
		defer r.Close()

		err := r.WithZoneServer("example.com", []string{"127.0.0.1", "localhost:5353"})

		assert.EqualError(t, err, "not an ip address: localhost:5353")
		assert.Len(t, r.zoneServers, 0)
	})
	t.Run("remove", func(t *testing.T) {
		r := New()
		defer r.Close()

		require.NoError(t, r.WithZoneServer("example.com", []string{"127.0.0.1"}))
		require.NoError(t, r.WithZoneServer("example.com", nil))
		assert.Len(t, r.zoneServers, 0)
	})
}

func TestResolver_SetSystemServers_AddressNormalization(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		r := New()
		defer r.Close()

		err := r.SetSystemServers("127.0.0.1", "127.0.0.2:5353")

		assert.NoError(t, err)
		require.Len(t, r.systemServers, 2)
		assert.Equal(t, "127.0.0.1:53", r.systemServers[0].Addr)
		assert.Equal(t, "127.0.0.2:5353", r.systemServers[1].Addr)
		assert.True(t, r.HasServers())
	})
	t.Run("invalid", func(t *testing.T) {
		r := New()
		defer r.Close()

		err := r.SetSystemServers("localhost")

		assert.EqualError(t, err, "not an ip address: localhost")
		assert.False(t, r.HasServers())
	})
}

// startMockServer runs a minimal authoritative UDP+TCP responder against an
// ephemeral loopback port for one test.
func startMockServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()

	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	udpSrv := &dns.Server{PacketConn: pc, Handler: handler}
	tcpSrv := &dns.Server{Listener: ln, Handler: handler}

	go udpSrv.ActivateAndServe()
	go tcpSrv.ActivateAndServe()

	t.Cleanup(func() {
		udpSrv.Shutdown()
		tcpSrv.Shutdown()
	})

	time.Sleep(20 * time.Millisecond)
	return addr
}

func aHandler(t *testing.T, ips ...string) dns.HandlerFunc {
	t.Helper()
	return func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Authoritative = true
		for _, ip := range ips {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.ParseIP(ip),
			})
		}
		w.WriteMsg(m)
	}
}

func TestResolver_Query_Forwarded(t *testing.T) {
	addr := startMockServer(t, aHandler(t, "151.101.1.67", "151.101.65.67"))

	r := New()
	defer r.Close()
	require.NoError(t, r.SetSystemServers(addr))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rs, err := r.Query(ctx, "A", "www.example.org")
	require.NoError(t, err)
	assert.Equal(t, "A", rs.QueryType)
	assert.Equal(t, "www.example.org", rs.Name)
	assert.Equal(t, "NOERROR", rs.ResponseType)
	assert.ElementsMatch(t, []string{"151.101.1.67", "151.101.65.67"}, rs.Values)
	assert.Equal(t, 60*time.Second, rs.TTL)

	assert.Equal(t, 0, r.ActiveQueries())
}

func TestResolver_Query_SecondCallAnsweredFromCache(t *testing.T) {
	var served int32
	handler := func(w dns.ResponseWriter, r *dns.Msg) {
		atomic.AddInt32(&served, 1)
		aHandler(t, "192.0.2.10")(w, r)
	}
	addr := startMockServer(t, handler)

	r := New()
	defer r.Close()
	require.NoError(t, r.SetSystemServers(addr))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := r.Query(ctx, "A", "cached.example.org")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&served))

	rs, err := r.Query(ctx, "A", "cached.example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.10"}, rs.Values)
	assert.Equal(t, int32(1), atomic.LoadInt32(&served), "second query must not reach the network")
}

func TestResolver_Query_NXDomain(t *testing.T) {
	handler := func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeNameError)
		m.Authoritative = true
		w.WriteMsg(m)
	}
	addr := startMockServer(t, handler)

	r := New()
	defer r.Close()
	require.NoError(t, r.SetSystemServers(addr))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rs, err := r.Query(ctx, "A", "doesnotexist.example")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNXDomain)
	assert.Equal(t, "NXDOMAIN", rs.ResponseType)
	assert.Equal(t, 0, r.ActiveQueries())
}

func TestResolver_Query_ZoneServerOverridesSystemServers(t *testing.T) {
	zoneAddr := startMockServer(t, aHandler(t, "10.1.1.1"))
	sysAddr := startMockServer(t, aHandler(t, "10.2.2.2"))

	r := New()
	defer r.Close()
	require.NoError(t, r.SetSystemServers(sysAddr))
	require.NoError(t, r.WithZoneServer("corp.example", []string{zoneAddr}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rs, err := r.Query(ctx, "A", "db.corp.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.1.1.1"}, rs.Values)

	rs, err = r.Query(ctx, "A", "elsewhere.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.2.2.2"}, rs.Values)
}

func TestResolver_Query_UnsupportedRecordType(t *testing.T) {
	r := New()
	defer r.Close()

	_, err := r.Query(context.Background(), "NOT-A-TYPE", "example.com")
	assert.EqualError(t, err, "unsupported record type: NOT-A-TYPE")
}

func TestResolver_Query_TXTValuesAreQuoted(t *testing.T) {
	handler := func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Authoritative = true
		m.Answer = []dns.RR{&dns.TXT{
			Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 300},
			Txt: []string{"v=spf1 -all"},
		}}
		w.WriteMsg(m)
	}
	addr := startMockServer(t, handler)

	r := New()
	defer r.Close()
	require.NoError(t, r.SetSystemServers(addr))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rs, err := r.Query(ctx, "TXT", "example.com")
	require.NoError(t, err)
	require.Len(t, rs.Values, 1)
	assert.Equal(t, `"v=spf1 -all"`, rs.Values[0])
}
