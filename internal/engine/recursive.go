package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/dnscore/resolver/internal/cache"
	"github.com/dnscore/resolver/internal/name"
	"github.com/dnscore/resolver/internal/transport"
)

// ephemeralTimeout is the default timeout for each ephemeral ServerSpec
// RecursiveQuery builds on the fly for a discovered name-server IP, used
// when no StepTimeoutFunc is configured.
const ephemeralTimeout = 5 * time.Second

// RootHints supplies NS/A/AAAA records for the root name servers. Hints
// must come back with live TTLs, already adjusted for age.
type RootHints interface {
	Hints(ctx context.Context) ([]dns.RR, error)
}

// StepTimeoutFunc picks the per-exchange timeout for an ephemeral ServerSpec
// RecursiveQuery builds on the fly for a discovered name-server address.
type StepTimeoutFunc func(nameServerAddress string) time.Duration

// RecursiveQuery resolves a question by iterative descent: it starts at the
// closest ancestor with a cached, address-resolved NS set (or the root, via
// RootHints, if none exists), follows delegations, fans out sub-queries to
// resolve name-server addresses that arrived without glue, and analyzes the
// eventual answer set for a CNAME chain or a direct hit.
type RecursiveQuery struct {
	id          uint16
	question    dns.Question
	cache       *cache.Cache
	runner      *transport.Runner
	roots       RootHints
	ipPolicy    IPVersion
	initial     transport.Kind
	defaultPort string
	stepTimeout StepTimeoutFunc
	log         *logrus.Entry
	handler     Handler

	mu            sync.Mutex
	ctx           context.Context
	qname         string
	qtype         uint16
	pool          []ServerSpec
	subPool       []ServerSpec
	pendingSubs   int
	accumulated   []dns.RR
	agent         *Agent
	transportKind transport.Kind
	currentServer ServerSpec
	outMsg        *dns.Msg
	done          bool
}

// NewRecursiveQuery constructs a RecursiveQuery. roots may be nil only if
// the cache already has enough NS+address data to avoid ever consulting it;
// if iterative descent ever needs root hints and roots is nil, the query
// fails with ErrNoRootServers.
// defaultPort is the port RecursiveQuery appends to any bare IP it discovers
// via glue, cache, or root hints. Production resolvers want "53"; tests point
// it at a mock server's ephemeral port.
func NewRecursiveQuery(
	id uint16,
	q dns.Question,
	ipPolicy IPVersion,
	initial transport.Kind,
	c *cache.Cache,
	runner *transport.Runner,
	roots RootHints,
	log *logrus.Entry,
	handler Handler,
	defaultPort string,
	stepTimeout StepTimeoutFunc,
) *RecursiveQuery {
	port := defaultPort
	if port == "" {
		port = "53"
	}
	if stepTimeout == nil {
		stepTimeout = func(string) time.Duration { return ephemeralTimeout }
	}
	return &RecursiveQuery{
		id:          id,
		question:    q,
		cache:       c,
		runner:      runner,
		roots:       roots,
		ipPolicy:    ipPolicy,
		initial:     initial,
		defaultPort: port,
		stepTimeout: stepTimeout,
		log:         log,
		handler:     handler,
	}
}

// Start begins resolution: probe the cache for a complete answer, seed a
// starting name-server pool for qname, then issue the first step.
func (q *RecursiveQuery) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ctx = ctx
	q.qname = dns.CanonicalName(q.question.Name)
	q.qtype = q.question.Qtype

	if !name.Valid(q.qname) {
		q.terminateLocked(nil, NewError(ErrBadQuery, "malformed question", nil))
		return
	}

	if resp, ok := q.cache.Resolve(q.question, true); ok {
		msg := new(dns.Msg)
		msg.Id = q.id
		msg.Opcode = dns.OpcodeQuery
		msg.Question = []dns.Question{q.question}
		q.outMsg = msg

		q.log.Info("query resolved from cache")
		q.terminateSuccessLocked(resp, resp.Answer)
		return
	}

	pool, err := q.seedStartingServersLocked(ctx, q.qname)
	if err != nil {
		q.terminateLocked(nil, err)
		return
	}
	q.pool = pool
	q.beginStepLocked()
}

// seedStartingServersLocked finds the closest ancestor of qname for which
// the cache has NS records whose owners also have cached IP addresses.
// Failing that, it pulls root hints and seeds the cache with them.
func (q *RecursiveQuery) seedStartingServersLocked(ctx context.Context, qname string) ([]ServerSpec, *ResolutionError) {
	for _, ancestor := range name.Ancestors(qname) {
		nsRRs := q.cache.GetKind(ancestor, dns.TypeNS)
		if len(nsRRs) == 0 {
			continue
		}

		var pool []ServerSpec
		for _, rr := range nsRRs {
			ns, ok := rr.(*dns.NS)
			if !ok {
				continue
			}
			for _, addr := range q.cachedAddrsLocked(ns.Ns) {
				pool = append(pool, q.ephemeralSpec(addr))
			}
		}
		if len(pool) > 0 {
			return pool, nil
		}
	}

	if q.roots == nil {
		return nil, NewError(ErrNoRootServers, "no root hints provider configured", nil)
	}

	hints, err := q.roots.Hints(ctx)
	if err != nil {
		return nil, NewError(ErrRootHintsProblem, "failed to obtain root hints", err)
	}
	q.cache.InsertMany(hints)

	addrsByName := map[string][]string{}
	for _, rr := range hints {
		switch rr := rr.(type) {
		case *dns.A:
			if q.ipPolicy.wantsV4() {
				owner := dns.CanonicalName(rr.Hdr.Name)
				addrsByName[owner] = append(addrsByName[owner], net.JoinHostPort(rr.A.String(), q.defaultPort))
			}
		case *dns.AAAA:
			if q.ipPolicy.wantsV6() {
				owner := dns.CanonicalName(rr.Hdr.Name)
				addrsByName[owner] = append(addrsByName[owner], net.JoinHostPort(rr.AAAA.String(), q.defaultPort))
			}
		}
	}

	var pool []ServerSpec
	for _, rr := range hints {
		ns, ok := rr.(*dns.NS)
		if !ok {
			continue
		}
		for _, addr := range addrsByName[dns.CanonicalName(ns.Ns)] {
			pool = append(pool, q.ephemeralSpec(addr))
		}
	}
	if len(pool) == 0 {
		return nil, NewError(ErrNoRootServers, "root hints contained no usable server addresses", nil)
	}

	return pool, nil
}

func (q *RecursiveQuery) cachedAddrsLocked(nsName string) []string {
	var kinds []uint16
	if q.ipPolicy.wantsV4() {
		kinds = append(kinds, dns.TypeA)
	}
	if q.ipPolicy.wantsV6() {
		kinds = append(kinds, dns.TypeAAAA)
	}

	var addrs []string
	for _, rr := range q.cache.GetKind(nsName, kinds...) {
		switch rr := rr.(type) {
		case *dns.A:
			addrs = append(addrs, net.JoinHostPort(rr.A.String(), q.defaultPort))
		case *dns.AAAA:
			addrs = append(addrs, net.JoinHostPort(rr.AAAA.String(), q.defaultPort))
		}
	}
	return addrs
}

func (q *RecursiveQuery) ephemeralSpec(addr string) ServerSpec {
	return ServerSpec{Name: addr, Addr: addr, Timeout: q.stepTimeout(addr), Priority: 0}
}

// beginStepLocked builds a non-recursive query message for the current
// (qname, qtype) and sends it to the next server in the pool.
func (q *RecursiveQuery) beginStepLocked() {
	if len(q.pool) == 0 {
		q.terminateLocked(nil, NewError(ErrNoNameServers, "no name servers available for this step", nil))
		return
	}

	msg := new(dns.Msg)
	msg.Id = q.id
	msg.Opcode = dns.OpcodeQuery
	msg.RecursionDesired = false
	msg.Question = []dns.Question{{Name: q.qname, Qtype: q.qtype, Qclass: dns.ClassINET}}
	q.outMsg = msg

	q.currentServer = q.pool[0]
	q.pool = q.pool[1:]
	q.transportKind = q.initial
	q.sendLocked()
}

func (q *RecursiveQuery) sendLocked() {
	if q.agent != nil {
		q.agent.Close()
	}
	q.log.WithFields(logrus.Fields{
		"server":    q.currentServer.Addr,
		"transport": q.transportKind.String(),
		"step":      q.qname,
	}).Debug("sending query")
	q.agent = newAgent(q.currentServer, q, q.runner)
	agent, msg, kind, ctx := q.agent, q.outMsg, q.transportKind, q.ctx
	go agent.Send(ctx, msg, kind)
}

func (q *RecursiveQuery) onResponse(resp *dns.Msg, kind transport.Kind) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.done {
		return
	}

	if resp.Truncated {
		if kind == transport.UDP {
			q.transportKind = transport.TCP
			q.sendLocked()
			return
		}
		q.retryStepLocked(errors.New("truncated response over tcp"))
		return
	}

	all := make([]dns.RR, 0, len(resp.Answer)+len(resp.Ns)+len(resp.Extra))
	all = append(all, resp.Answer...)
	all = append(all, resp.Ns...)
	all = append(all, resp.Extra...)
	q.cache.InsertMany(all)

	if resp.Rcode == dns.RcodeNameError {
		if resp.Authoritative {
			q.terminateLocked(resp, NewError(ErrNameError, "authoritative NXDOMAIN", ErrNXDomain))
			return
		}
		q.retryStepLocked(errors.New("name error from non-authoritative server"))
		return
	}
	if resp.Rcode != dns.RcodeSuccess {
		q.retryStepLocked(fmt.Errorf("server returned %s", dns.RcodeToString[resp.Rcode]))
		return
	}

	if len(resp.Answer) > 0 || resp.Authoritative {
		q.analyzeAnswersLocked(resp)
		return
	}

	q.followDelegationLocked(resp)
}

func (q *RecursiveQuery) onProblem(reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return
	}
	q.retryStepLocked(errors.New(reason))
}

func (q *RecursiveQuery) onTimeout() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return
	}
	q.retryStepLocked(context.DeadlineExceeded)
}

// retryStepLocked tries the next name-server IP in the current step; when
// exhausted, the query fails.
func (q *RecursiveQuery) retryStepLocked(cause error) {
	if len(q.pool) > 0 {
		q.beginStepLocked()
		return
	}
	q.terminateLocked(nil, NewError(ErrNoNameServers, "all name servers for this step failed", cause))
}

// followDelegationLocked handles a response that carries NS records in the
// authorities section: collect NS owners, resolve as many as possible from
// additionals/cache, and fan out sub-queries for the rest.
func (q *RecursiveQuery) followDelegationLocked(resp *dns.Msg) {
	var nsNames []string
	seen := map[string]bool{}
	for _, rr := range append(append([]dns.RR{}, resp.Answer...), resp.Ns...) {
		ns, ok := rr.(*dns.NS)
		if !ok {
			continue
		}
		owner := dns.CanonicalName(ns.Ns)
		if seen[owner] {
			continue
		}
		seen[owner] = true
		nsNames = append(nsNames, owner)
	}

	if len(nsNames) == 0 {
		q.retryStepLocked(errors.New("delegation response carried no NS records"))
		return
	}

	if len(resp.Question) > 0 {
		q.log.WithField("tld", name.IsPublicSuffix(resp.Question[0].Name)).Debug("following delegation")
	}

	glue := map[string][]string{}
	for _, rr := range resp.Extra {
		switch rr := rr.(type) {
		case *dns.A:
			if q.ipPolicy.wantsV4() {
				owner := dns.CanonicalName(rr.Hdr.Name)
				glue[owner] = append(glue[owner], net.JoinHostPort(rr.A.String(), q.defaultPort))
			}
		case *dns.AAAA:
			if q.ipPolicy.wantsV6() {
				owner := dns.CanonicalName(rr.Hdr.Name)
				glue[owner] = append(glue[owner], net.JoinHostPort(rr.AAAA.String(), q.defaultPort))
			}
		}
	}

	var nextPool []ServerSpec
	var unresolved []string
	for _, n := range nsNames {
		if addrs, ok := glue[n]; ok && len(addrs) > 0 {
			for _, a := range addrs {
				nextPool = append(nextPool, q.ephemeralSpec(a))
			}
			continue
		}
		if addrs := q.cachedAddrsLocked(n); len(addrs) > 0 {
			for _, a := range addrs {
				nextPool = append(nextPool, q.ephemeralSpec(a))
			}
			continue
		}
		unresolved = append(unresolved, n)
	}

	if len(unresolved) == 0 {
		q.pool = nextPool
		q.beginStepLocked()
		return
	}

	q.launchSubQueriesLocked(unresolved, nextPool)
}

// addressTypes returns which RR types to fan sub-queries out for, per the
// configured IP-version policy.
func (q *RecursiveQuery) addressTypes() []uint16 {
	var types []uint16
	if q.ipPolicy.wantsV4() {
		types = append(types, dns.TypeA)
	}
	if q.ipPolicy.wantsV6() {
		types = append(types, dns.TypeAAAA)
	}
	return types
}

// launchSubQueriesLocked fans out one RecursiveQuery per (unresolved NS
// name, desired address type) and waits, via onSubQueryDone, until every one
// has completed before advancing. The shared next-IP pool and
// outstanding-count are mutated only under q.mu; the final sub-query to
// finish launches the next step.
func (q *RecursiveQuery) launchSubQueriesLocked(nsNames []string, basePool []ServerSpec) {
	types := q.addressTypes()
	total := len(nsNames) * len(types)
	if total == 0 {
		q.pool = basePool
		q.beginStepLocked()
		return
	}

	q.subPool = basePool
	q.pendingSubs = total
	ctx := q.ctx

	for _, n := range nsNames {
		for _, t := range types {
			sub := NewRecursiveQuery(
				q.id,
				dns.Question{Name: n, Qtype: t, Qclass: dns.ClassINET},
				q.ipPolicy,
				q.initial,
				q.cache,
				q.runner,
				q.roots,
				q.log,
				q.onSubQueryDone,
				q.defaultPort,
				q.stepTimeout,
			)
			go sub.Start(ctx)
		}
	}
}

func (q *RecursiveQuery) onSubQueryDone(res Result) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if res.Success != nil {
		for _, rr := range res.Success.Response.Answer {
			switch rr := rr.(type) {
			case *dns.A:
				if q.ipPolicy.wantsV4() {
					q.subPool = append(q.subPool, q.ephemeralSpec(net.JoinHostPort(rr.A.String(), q.defaultPort)))
				}
			case *dns.AAAA:
				if q.ipPolicy.wantsV6() {
					q.subPool = append(q.subPool, q.ephemeralSpec(net.JoinHostPort(rr.AAAA.String(), q.defaultPort)))
				}
			}
		}
	}
	// A single sub-query's failure is not fatal to the parent; res.Failure
	// is simply dropped. The parent fails below only if the whole fan-out
	// produced no usable addresses.

	q.pendingSubs--
	if q.pendingSubs > 0 {
		return
	}
	if q.done {
		return
	}

	if len(q.subPool) == 0 {
		q.terminateLocked(nil, NewError(ErrNoNameServers, "no name servers resolved for delegation", nil))
		return
	}

	q.pool = q.subPool
	q.subPool = nil
	q.beginStepLocked()
}

// analyzeAnswersLocked classifies the accumulated answers after each step:
// a direct hit terminates, a mixed CNAME chain with terminal records is
// verified and terminates, an all-CNAME set redirects the query to the last
// target, and anything else is a malformed answer.
func (q *RecursiveQuery) analyzeAnswersLocked(resp *dns.Msg) {
	answers := append(append([]dns.RR{}, q.accumulated...), resp.Answer...)

	if len(answers) == 0 {
		if resp.Authoritative {
			q.terminateSuccessLocked(resp, answers)
			return
		}
		q.retryStepLocked(errors.New("empty non-authoritative answer"))
		return
	}

	var cnames []*dns.CNAME
	var desiredCount, wrongCount int
	for _, rr := range answers {
		if cn, ok := rr.(*dns.CNAME); ok {
			cnames = append(cnames, cn)
			continue
		}
		if rr.Header().Rrtype == q.qtype {
			desiredCount++
		} else {
			wrongCount++
		}
	}
	cnameCount := len(cnames)

	if desiredCount == len(answers) || q.qtype == dns.TypeANY || q.qtype == dns.TypeCNAME {
		q.terminateSuccessLocked(resp, answers)
		return
	}

	if cnameCount > 0 && desiredCount > 0 && wrongCount == 0 {
		if !properChain(q.question.Name, cnames, answers, q.qtype) {
			q.terminateLocked(resp, NewError(ErrServerError, "invalid CNAME chain", nil))
			return
		}
		q.terminateSuccessLocked(resp, answers)
		return
	}

	if cnameCount == len(answers) {
		if loops(cnames) {
			q.terminateLocked(resp, NewError(ErrServerError, "circular CNAME chain", ErrCircular))
			return
		}

		last := cnames[len(cnames)-1]
		q.qname = dns.CanonicalName(last.Target)
		q.accumulated = answers

		pool, err := q.seedStartingServersLocked(q.ctx, q.qname)
		if err != nil {
			q.terminateLocked(nil, err)
			return
		}
		q.pool = pool
		q.beginStepLocked()
		return
	}

	q.terminateLocked(resp, NewError(ErrServerError, "unexpected record types in answers", nil))
}

// properChain verifies the chaining requirement: the first record's owner
// equals the original qname, each subsequent CNAME's owner equals the
// previous CNAME's target, and the terminal target-type records' owners
// equal the last CNAME's target.
func properChain(origQname string, cnames []*dns.CNAME, answers []dns.RR, qtype uint16) bool {
	owner := dns.CanonicalName(origQname)
	cnameIdx := 0

	for _, rr := range answers {
		if cn, ok := rr.(*dns.CNAME); ok {
			if dns.CanonicalName(cn.Hdr.Name) != owner {
				return false
			}
			owner = dns.CanonicalName(cn.Target)
			cnameIdx++
			continue
		}
		if rr.Header().Rrtype != qtype {
			return false
		}
		if dns.CanonicalName(rr.Header().Name) != owner {
			return false
		}
	}

	return cnameIdx == len(cnames)
}

// loops reports whether cnames contains a repeated owner name.
func loops(cnames []*dns.CNAME) bool {
	seen := map[string]bool{}
	for _, cn := range cnames {
		owner := dns.CanonicalName(cn.Hdr.Name)
		if seen[owner] {
			return true
		}
		seen[owner] = true
	}
	return false
}

func (q *RecursiveQuery) terminateSuccessLocked(resp *dns.Msg, answers []dns.RR) {
	if q.done {
		return
	}
	q.done = true
	if q.agent != nil {
		q.agent.Close()
	}

	out := resp.Copy()
	out.Answer = answers
	q.handler(Result{Success: &Success{Query: q.outMsg, Response: out, Log: q.log}})
}

func (q *RecursiveQuery) terminateLocked(resp *dns.Msg, err *ResolutionError) {
	if q.done {
		return
	}
	q.done = true
	if q.agent != nil {
		q.agent.Close()
	}
	q.handler(Result{Failure: &Failure{Err: err, Log: q.log, Query: q.outMsg, Response: resp}})
}
