// Package cache implements a size-bounded, TTL-expiring DNS record store
// keyed by owner name, with CNAME-aware lookup, NS-referral synthesis on
// miss, and earliest-expiry eviction.
package cache

import (
	"container/heap"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const (
	// DefaultMaxEntries is the entry bound of a Cache constructed without
	// WithMaxEntries.
	DefaultMaxEntries = 5000
	// MinMaxEntries is the hard floor for WithMaxEntries.
	MinMaxEntries = 1000
	// DefaultMaxAllowedTTL caps any single record's cached lifetime.
	DefaultMaxAllowedTTL = 2 * time.Hour

	// maxChainDepth bounds CNAME-chain walks against cache corruption loops.
	maxChainDepth = 24
)

// recordKey identifies a unique (kind, class, data) tuple at one owner name.
// Inserting a duplicate of an existing recordKey replaces it and refreshes
// its TTL rather than creating a second entry.
type recordKey struct {
	kind  uint16
	class uint16
	data  string
}

type entry struct {
	rr        dns.RR
	owner     string
	key       recordKey
	expiresAt time.Time
	disc      uint64
	heapIndex int
}

// Cache is a TTL-indexed, size-bounded store of dns.RR, safe for concurrent
// use. The zero value is not usable; construct with New.
type Cache struct {
	mu          sync.Mutex
	maxEntries  int
	maxAllowed  time.Duration
	now         func() time.Time
	byName      map[string]map[recordKey]*entry
	ttl         ttlHeap
	discCounter uint64
	size        int
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithMaxEntries overrides the default entry bound. Values below
// MinMaxEntries are clamped up to it.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n < MinMaxEntries {
			n = MinMaxEntries
		}
		c.maxEntries = n
	}
}

// WithMaxAllowedTTL overrides the per-record TTL cap.
func WithMaxAllowedTTL(d time.Duration) Option {
	return func(c *Cache) { c.maxAllowed = d }
}

// withClock overrides the time source, used by tests to control expiry.
func withClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New returns an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		maxEntries: DefaultMaxEntries,
		maxAllowed: DefaultMaxAllowedTTL,
		now:        time.Now,
		byName:     map[string]map[recordKey]*entry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	heap.Init(&c.ttl)
	return c
}

// Insert caches rr, replacing any existing record with the same
// (owner, kind, class, data). Zero-TTL records and record types the engine
// does not understand are silently dropped.
func (c *Cache) Insert(rr dns.RR) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(rr)
}

// InsertMany caches every record in rrs.
func (c *Cache) InsertMany(rrs []dns.RR) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rr := range rrs {
		c.insertLocked(rr)
	}
}

func (c *Cache) insertLocked(rr dns.RR) {
	if rr == nil || !cacheable(rr) {
		return
	}

	hdr := rr.Header()
	if hdr.Ttl == 0 {
		return
	}

	ttl := time.Duration(hdr.Ttl) * time.Second
	if c.maxAllowed > 0 && ttl > c.maxAllowed {
		ttl = c.maxAllowed
	}

	owner := dns.CanonicalName(hdr.Name)
	rk := recordKey{kind: hdr.Rrtype, class: hdr.Class, data: rdataString(rr)}

	byKind := c.byName[owner]
	if byKind == nil {
		byKind = map[recordKey]*entry{}
		c.byName[owner] = byKind
	}

	now := c.now()
	if existing, ok := byKind[rk]; ok {
		heap.Remove(&c.ttl, existing.heapIndex)
		existing.rr = rr
		existing.expiresAt = now.Add(ttl)
		existing.disc = c.nextDisc()
		heap.Push(&c.ttl, existing)
		return
	}

	e := &entry{
		rr:        rr,
		owner:     owner,
		key:       rk,
		expiresAt: now.Add(ttl),
		disc:      c.nextDisc(),
	}
	byKind[rk] = e
	heap.Push(&c.ttl, e)
	c.size++

	c.evictLocked()
}

func (c *Cache) nextDisc() uint64 {
	c.discCounter++
	return c.discCounter
}

// cacheable reports whether rr is of a kind this cache ever stores. Opaque
// pass-through records are never cached.
func cacheable(rr dns.RR) bool {
	switch rr.(type) {
	case *dns.A, *dns.AAAA, *dns.NS, *dns.CNAME, *dns.TXT, *dns.SOA:
		return true
	default:
		return false
	}
}

func rdataString(rr dns.RR) string {
	hdr := rr.Header().String()
	full := rr.String()
	if len(full) >= len(hdr) {
		return full[len(hdr):]
	}
	return full
}

// evictLocked removes the earliest-expiring entries until size <= maxEntries.
func (c *Cache) evictLocked() {
	for c.size > c.maxEntries && c.ttl.Len() > 0 {
		e := heap.Pop(&c.ttl).(*entry)
		c.removeFromByNameLocked(e)
	}
}

func (c *Cache) removeFromByNameLocked(e *entry) {
	byKind := c.byName[e.owner]
	if byKind == nil {
		return
	}
	if cur, ok := byKind[e.key]; ok && cur == e {
		delete(byKind, e.key)
		c.size--
	}
	if len(byKind) == 0 {
		delete(c.byName, e.owner)
	}
}

// Get returns every unexpired record at name, evicting any expired ones it
// encounters along the way.
func (c *Cache) Get(name string) []dns.RR {
	return c.GetKind(name)
}

// GetKind returns every unexpired record at name whose type is one of kinds.
// With no kinds given, every cached type at name is returned.
func (c *Cache) GetKind(name string, kinds ...uint16) []dns.RR {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(name, kinds...)
}

func (c *Cache) getLocked(name string, kinds ...uint16) []dns.RR {
	name = dns.CanonicalName(name)
	byKind := c.byName[name]
	if len(byKind) == 0 {
		return nil
	}

	now := c.now()
	var out []dns.RR
	for rk, e := range byKind {
		if !e.expiresAt.After(now) {
			heap.Remove(&c.ttl, e.heapIndex)
			delete(byKind, rk)
			c.size--
			continue
		}
		if len(kinds) > 0 && !containsKind(kinds, rk.kind) {
			continue
		}
		out = append(out, e.rr)
	}
	if len(byKind) == 0 {
		delete(c.byName, name)
	}

	return out
}

func containsKind(kinds []uint16, k uint16) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

// Clear removes every cached record.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName = map[string]map[recordKey]*entry{}
	c.ttl = nil
	c.size = 0
}

// Size returns the number of live (possibly not-yet-lazily-expired) entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Resolve attempts to answer q entirely from the cache, following CNAME
// links when the queried name holds exactly one record and it is a CNAME.
//
// On a hit (direct or via CNAME chain), it returns a synthesized response
// message and true. On a miss, if recursionDesired is false it attempts the
// NS-referral synthesis and returns that (possibly with Ns/Extra populated,
// possibly entirely empty if nothing is known); ok is always false for a
// miss so callers can distinguish "answered from cache" from "referral or
// nothing, go query the network".
func (c *Cache) Resolve(q dns.Question, recursionDesired bool) (resp *dns.Msg, ok bool) {
	if q.Qtype == dns.TypeANY {
		return c.missResponse(q, recursionDesired), false
	}
	if !isUnderstoodType(q.Qtype) {
		return c.missResponse(q, recursionDesired), false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var accumulated []dns.RR
	qname := dns.CanonicalName(q.Name)
	seen := map[string]bool{}

	for depth := 0; depth < maxChainDepth; depth++ {
		if seen[qname] {
			break // looping chain; treat as a miss rather than hang
		}
		seen[qname] = true

		all := c.getLocked(qname)
		var direct []dns.RR
		for _, rr := range all {
			if rr.Header().Rrtype == q.Qtype {
				direct = append(direct, rr)
			}
		}
		if len(direct) > 0 {
			accumulated = append(accumulated, direct...)
			return synthesize(q, accumulated), true
		}

		if len(all) == 1 {
			if cn, isCNAME := all[0].(*dns.CNAME); isCNAME {
				accumulated = append(accumulated, cn)
				qname = dns.CanonicalName(cn.Target)
				continue
			}
		}

		break
	}

	return c.missResponseLocked(q, recursionDesired), false
}

func isUnderstoodType(t uint16) bool {
	switch t {
	case dns.TypeA, dns.TypeAAAA, dns.TypeNS, dns.TypeCNAME, dns.TypeTXT, dns.TypeSOA:
		return true
	default:
		return false
	}
}

// synthesize builds a cache-hit response: response=true,
// recursion_desired=true, recursion_available=true, rcode NOERROR, the
// original question, and the accumulated answers. Authority/additional are
// left empty.
func synthesize(q dns.Question, answers []dns.RR) *dns.Msg {
	m := new(dns.Msg)
	m.Question = []dns.Question{q}
	m.Response = true
	m.RecursionDesired = true
	m.RecursionAvailable = true
	m.Rcode = dns.RcodeSuccess
	m.Answer = answers
	return m
}

func (c *Cache) missResponse(q dns.Question, recursionDesired bool) *dns.Msg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.missResponseLocked(q, recursionDesired)
}

// missResponseLocked builds the referral-on-miss response: when recursion
// was not requested, walk q's ancestors (including root) and return the
// closest known NS set plus any cached glue, as a referral-shaped response.
// If nothing is known, an empty NOERROR message is returned (a true miss,
// never a negative answer).
func (c *Cache) missResponseLocked(q dns.Question, recursionDesired bool) *dns.Msg {
	m := new(dns.Msg)
	m.Question = []dns.Question{q}
	m.Response = true
	m.RecursionDesired = recursionDesired
	m.RecursionAvailable = true
	m.Rcode = dns.RcodeSuccess

	if recursionDesired {
		return m
	}

	for _, ancestor := range ancestors(dns.CanonicalName(q.Name)) {
		nsRecords := c.getLocked(ancestor, dns.TypeNS)
		if len(nsRecords) == 0 {
			continue
		}

		m.Ns = nsRecords
		for _, nsRR := range nsRecords {
			ns, ok := nsRR.(*dns.NS)
			if !ok {
				continue
			}
			m.Extra = append(m.Extra, c.getLocked(ns.Ns, dns.TypeA, dns.TypeAAAA)...)
		}
		return m
	}

	return m
}

func ancestors(n string) []string {
	var out []string
	for {
		out = append(out, n)
		if n == "." {
			return out
		}
		n = parent(n)
	}
}

func parent(n string) string {
	if n == "." {
		return "."
	}
	trimmed := n[:len(n)-1] // drop trailing dot
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '.' {
			return trimmed[i+1:] + "."
		}
	}
	return "."
}
