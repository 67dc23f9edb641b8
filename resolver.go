// Package resolver resolves DNS queries, recursively starting at the root
// name servers or forwarded to configured upstream servers, via a small
// per-query state machine (see internal/engine) driven by a selector-style
// IO runner (see internal/transport) and backed by a TTL-bounded cache (see
// internal/cache).
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/dnscore/resolver/internal/cache"
	"github.com/dnscore/resolver/internal/engine"
	"github.com/dnscore/resolver/internal/roothints"
	"github.com/dnscore/resolver/internal/transport"
)

// Kind selects which transport a Query's first attempt uses. TCP is also
// used automatically after a truncated UDP response.
type Kind = transport.Kind

const (
	UDP = transport.UDP
	TCP = transport.TCP
)

// IPVersion restricts which address families recursive resolution uses when
// discovering name-server addresses.
type IPVersion = engine.IPVersion

const (
	IPv4 = engine.IPv4
	IPv6 = engine.IPv6
	Both = engine.Both
)

// SelectionStrategy orders the ServerSpecs a forwarded Query tries.
type SelectionStrategy = engine.SelectionStrategy

const (
	Priority   = engine.Priority
	Speed      = engine.Speed
	RoundRobin = engine.RoundRobin
	Random     = engine.Random
	Named      = engine.Named
)

// ServerSpec describes one configured or zone-specific upstream server.
type ServerSpec = engine.ServerSpec

// Resolver resolves DNS queries.
//
// Concurrent calls to all methods are safe, but exported fields of the
// Resolver must not be changed until all method calls have returned, of
// course.
type Resolver struct {
	// TimeoutPolicy picks the per-exchange timeout for the ephemeral
	// ServerSpecs recursive resolution discovers on the fly. If nil,
	// DefaultStepTimeoutPolicy() is used.
	TimeoutPolicy StepTimeoutPolicy

	// Selection orders the ServerSpecs used for forwarded queries. The zero
	// value is Speed (smallest timeout first).
	Selection SelectionStrategy

	// ServerName picks the single ServerSpec to use when Selection is Named.
	// Ignored by every other strategy. If no configured spec carries this
	// name, forwarded queries fail with ErrNoNameServers.
	ServerName string

	// IPVersion restricts recursive name-server discovery to IPv4 (the zero
	// value), IPv6, or both. Forwarded mode ignores this: forwarded servers
	// are dialed exactly as configured.
	IPVersion IPVersion

	// InitialTransport is the transport a Query's first attempt uses. The
	// zero value is UDP.
	InitialTransport Kind

	// Log receives structured entries carrying "qname" and "qtype": one for
	// each message sent (with "server" and "transport", including the TCP
	// resend after a truncated UDP response) and one for each cache hit.
	// Terminal results are not logged; they reach the caller as Query's
	// return values. If nil, a logrus.Entry that discards output is used.
	Log *logrus.Entry

	// RootHints supplies root name servers for recursive resolution. If nil,
	// queries that need to start at the root fail with ErrNoRootServers; use
	// roothints.NewEmbeddedProvider() for a production-ready default.
	RootHints roothints.Provider

	// defaultPort is appended to any bare IP discovered via glue, cache, or
	// root hints. This is "53" for the real world and something else (an
	// ephemeral mock-server port) in tests.
	defaultPort string

	mu            sync.RWMutex
	zoneServers   map[string][]ServerSpec
	systemServers []ServerSpec

	cacheOpts []cache.Option
	cache     *cache.Cache
	runner    *transport.Runner

	// active tracks every in-flight query by id, for diagnostics and so id
	// allocation can skip ids that are still in use. A query is present iff
	// its handler has not yet run.
	activeMu sync.Mutex
	active   map[uint16]dns.Question
	nextID   uint32
}

// Option configures a Resolver at construction time.
type Option func(*Resolver)

// WithMaxCacheEntries bounds the cache to at most n entries, evicting the
// earliest-expiring record first once exceeded. The default is 5000; values
// below 1000 are clamped up.
func WithMaxCacheEntries(n int) Option {
	return func(r *Resolver) { r.cacheOpts = append(r.cacheOpts, cache.WithMaxEntries(n)) }
}

// WithMaxAllowedTTL caps how long any record is kept in the cache,
// regardless of the TTL a name server advertised. The default is 2 hours.
func WithMaxAllowedTTL(d time.Duration) Option {
	return func(r *Resolver) { r.cacheOpts = append(r.cacheOpts, cache.WithMaxAllowedTTL(d)) }
}

// WithRootHints sets the RootHintsProvider used by recursive resolution.
func WithRootHints(p roothints.Provider) Option {
	return func(r *Resolver) { r.RootHints = p }
}

// WithLogger sets the structured log sink before the IO runner starts, so
// runner faults are logged too. Assigning Log after New affects query
// logging only; the IO runner keeps the logger it was started with.
func WithLogger(log *logrus.Entry) Option {
	return func(r *Resolver) { r.Log = log }
}

// WithServers configures the general-purpose forwarded-mode server pool used
// when no zone-specific servers match a query's name, per WithZoneServer.
func WithServers(specs ...ServerSpec) Option {
	return func(r *Resolver) { r.systemServers = specs }
}

func WithDefaultPort(port string) Option {
	return func(r *Resolver) { r.defaultPort = port }
}

// New returns a new Resolver that resolves all queries recursively starting
// at the configured RootHints, unless WithServers or WithZoneServer direct
// specific names to forwarded-mode upstreams.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		zoneServers: map[string][]ServerSpec{},
		active:      map[uint16]dns.Question{},
		defaultPort: "53",
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cache = cache.New(r.cacheOpts...)
	r.runner = transport.NewRunner(r.logEntry())
	r.runner.Start()
	return r
}

func (r *Resolver) logEntry() *logrus.Entry {
	if r.Log != nil {
		return r.Log
	}
	log := logrus.New()
	log.SetOutput(nopWriter{})
	return logrus.NewEntry(log)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// WithZoneServer causes the resolver to forward queries under the given DNS
// zone (a suffix of a fully qualified domain name) to the specified name
// servers, instead of resolving them recursively.
//
// Name servers must be specified as IPv4 or IPv6 addresses. The port is
// optional and defaults to 53. If serverAddresses is nil or empty, any
// previously configured override for zone is removed and the zone resolves
// recursively again.
//
// WithZoneServer may be called multiple times to add servers for distinct
// zones, but repeated calls with the same zone overwrite any prior call.
func (r *Resolver) WithZoneServer(zone string, serverAddresses []string) error {
	if len(serverAddresses) == 0 {
		r.mu.Lock()
		delete(r.zoneServers, dns.CanonicalName(zone))
		r.mu.Unlock()
		return nil
	}

	addrs, err := r.normalizeAddrs(serverAddresses)
	if err != nil {
		return err
	}

	specs := make([]ServerSpec, len(addrs))
	for i, a := range addrs {
		specs[i] = ServerSpec{Name: a, Addr: a, Timeout: 5 * time.Second, Priority: 0}
	}

	r.mu.Lock()
	r.zoneServers[dns.CanonicalName(zone)] = specs
	r.mu.Unlock()
	return nil
}

// SetSystemServers specifies the general-purpose forwarded-mode server pool,
// equivalent to calling WithServers after construction. It is intended
// mostly for testing this package, or when recursive resolution from the
// root is undesirable.
func (r *Resolver) SetSystemServers(serverAddresses ...string) error {
	addrs, err := r.normalizeAddrs(serverAddresses)
	if err != nil {
		return err
	}

	specs := make([]ServerSpec, len(addrs))
	for i, a := range addrs {
		specs[i] = ServerSpec{Name: a, Addr: a, Timeout: 5 * time.Second, Priority: 0}
	}

	r.mu.Lock()
	r.systemServers = specs
	r.mu.Unlock()
	return nil
}

func (r *Resolver) normalizeAddrs(addrs []string) ([]string, error) {
	seen := map[string]bool{}
	validDistinctAddrs := make([]string, 0, len(addrs))

	for _, addr := range addrs {
		ip, port, err := net.SplitHostPort(addr)
		if err != nil {
			ip = addr
		}

		if net.ParseIP(ip) == nil {
			return nil, errors.New("not an ip address: " + addr)
		}

		if port == "" {
			port = r.defaultPort
		}
		addr = net.JoinHostPort(ip, port)

		if seen[addr] {
			continue
		}
		seen[addr] = true
		validDistinctAddrs = append(validDistinctAddrs, addr)
	}

	return validDistinctAddrs, nil
}

// ClearCache removes any cached DNS responses.
func (r *Resolver) ClearCache() { r.cache.Clear() }

// HasServers reports whether any general-purpose forwarded-mode servers are
// configured (via WithServers or SetSystemServers).
func (r *Resolver) HasServers() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.systemServers) > 0
}

// Close stops the resolver's IO runner. A Resolver must not be used after
// Close returns.
func (r *Resolver) Close() { r.runner.Stop() }

// registerQuery allocates a query id not currently in flight and records the
// question under it. Ids wrap at 2^16; with fewer than 65536 concurrent
// queries the loop always terminates.
func (r *Resolver) registerQuery(q dns.Question) uint16 {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()

	for {
		id := uint16(atomic.AddUint32(&r.nextID, 1))
		if _, inFlight := r.active[id]; inFlight {
			continue
		}
		r.active[id] = q
		return id
	}
}

func (r *Resolver) unregisterQuery(id uint16) {
	r.activeMu.Lock()
	delete(r.active, id)
	r.activeMu.Unlock()
}

// ActiveQueries reports how many queries are currently in flight.
func (r *Resolver) ActiveQueries() int {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	return len(r.active)
}

// serversForLocked returns the ServerSpec list to use in forwarded mode for
// qname: the most specific configured zone override, or the general-purpose
// pool, in configured order (Query orders it per r.Selection). The bool
// reports whether forwarded mode applies at all.
func (r *Resolver) serversForLocked(qname string) ([]ServerSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := ""
	var specs []ServerSpec
	for zone, zoneSpecs := range r.zoneServers {
		if !hasSuffix(qname, zone) {
			continue
		}
		if len(zone) < len(best) {
			continue
		}
		best = zone
		specs = zoneSpecs
	}
	if specs != nil {
		return specs, true
	}

	if len(r.systemServers) > 0 {
		return r.systemServers, true
	}
	return nil, false
}

func hasSuffix(qname, zone string) bool {
	if zone == "." || qname == zone {
		return true
	}
	// Suffix match on a label boundary only: "corp.example." must not match
	// "xcorp.example.".
	return len(qname) > len(zone) &&
		qname[len(qname)-len(zone)-1] == '.' &&
		qname[len(qname)-len(zone):] == zone
}

// Query resolves recordType for domainName, forwarding to any matching
// zone-specific or general-purpose servers, or else resolving recursively
// starting at RootHints.
//
// Cancel ctx to abort an inflight request; if canceled, the returned error
// wraps context.Canceled or context.DeadlineExceeded.
//
// domainName is always understood as a fully qualified domain, making the
// trailing dot optional. recordType is the type of the record set to query,
// such as "A", "AAAA", "SRV", etc.
func (r *Resolver) Query(ctx context.Context, recordType string, domainName string) (RecordSet, error) {
	qtype, ok := dns.StringToType[recordType]
	if !ok {
		return RecordSet{}, fmt.Errorf("unsupported record type: %s", recordType)
	}

	q := dns.Question{
		Name:   dns.CanonicalName(domainName),
		Qtype:  qtype,
		Qclass: dns.ClassINET,
	}

	id := r.registerQuery(q)

	resultCh := make(chan engine.Result, 1)
	handler := func(res engine.Result) {
		r.unregisterQuery(id)
		resultCh <- res
	}

	log := r.logEntry().WithFields(logrus.Fields{"qname": q.Name, "qtype": recordType})

	if specs, forwarded := r.serversForLocked(q.Name); forwarded {
		ordered := engine.Order(specs, r.Selection, r.ServerName)
		fq := engine.NewForwardedQuery(id, q, ordered, r.InitialTransport, r.cache, r.runner, log, handler)
		fq.Start(ctx)
	} else {
		policy := r.TimeoutPolicy
		if policy == nil {
			policy = DefaultStepTimeoutPolicy()
		}
		rq := engine.NewRecursiveQuery(id, q, r.IPVersion, r.InitialTransport, r.cache, r.runner, r.RootHints, log, handler, r.defaultPort, engine.StepTimeoutFunc(policy))
		rq.Start(ctx)
	}

	select {
	case res := <-resultCh:
		return recordSetFromResult(recordType, domainName, res)
	case <-ctx.Done():
		return RecordSet{QueryType: recordType, Name: domainName}, ctx.Err()
	}
}
