package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/dnscore/resolver/internal/cache"
	"github.com/dnscore/resolver/internal/name"
	"github.com/dnscore/resolver/internal/transport"
)

// fwdState is the tagged state of a ForwardedQuery. Transitions are
// expressed as a switch over this field inside each event handler rather
// than a literal table of closures: with five states and a dozen events the
// switch reads like the table it replaces.
type fwdState int

const (
	fwdIdle fwdState = iota
	fwdQuery
	fwdErrorTerm
	fwdNameErrorTerm
	fwdAnswerTerm
)

func (s fwdState) terminal() bool {
	return s == fwdErrorTerm || s == fwdNameErrorTerm || s == fwdAnswerTerm
}

// ForwardedQuery delegates a query to a configured upstream recursive
// resolver with recursion desired, following CNAME chains only insofar as
// the upstream already does so in its answer section, falling back from UDP
// to TCP on truncation, and rotating through ServerSpecs on failure.
type ForwardedQuery struct {
	id       uint16
	question dns.Question
	cache    *cache.Cache
	runner   *transport.Runner
	handler  Handler
	log      *logrus.Entry

	initialTransport transport.Kind

	mu            sync.Mutex
	state         fwdState
	servers       []ServerSpec
	agent         *Agent
	transportKind transport.Kind
	currentServer ServerSpec
	outMsg        *dns.Msg
	ctx           context.Context
	invoked       bool
}

// NewForwardedQuery constructs a ForwardedQuery. servers is the
// already-ordered (per a SelectionStrategy) list of candidates; an empty
// list fails fast with ErrNoNameServers so the facade doesn't need to
// special-case it.
func NewForwardedQuery(
	id uint16,
	q dns.Question,
	servers []ServerSpec,
	initialTransport transport.Kind,
	c *cache.Cache,
	runner *transport.Runner,
	log *logrus.Entry,
	handler Handler,
) *ForwardedQuery {
	return &ForwardedQuery{
		id:               id,
		question:         q,
		servers:          servers,
		initialTransport: initialTransport,
		cache:            c,
		runner:           runner,
		log:              log,
		handler:          handler,
		state:            fwdIdle,
	}
}

// Start builds the outgoing message, probes the cache, and drives the first
// transition.
func (q *ForwardedQuery) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ctx = ctx

	msg := new(dns.Msg)
	msg.Id = q.id
	msg.Opcode = dns.OpcodeQuery
	msg.RecursionDesired = true
	msg.Question = []dns.Question{q.question}
	q.outMsg = msg

	if !name.Valid(q.question.Name) {
		q.terminateLocked(fwdErrorTerm, nil, NewError(ErrBadQuery, "malformed question", nil))
		return
	}

	if resp, ok := q.cache.Resolve(q.question, true); ok {
		q.log.Info("query resolved from cache")
		q.terminateLocked(fwdAnswerTerm, resp, nil)
		return
	}

	q.popAndSendLocked()
}

// popAndSendLocked pops the next ServerSpec, resets the transport to the
// configured initial transport, and sends.
func (q *ForwardedQuery) popAndSendLocked() {
	if len(q.servers) == 0 {
		q.terminateLocked(fwdErrorTerm, nil, NewError(ErrNoNameServers, "no server specs configured", nil))
		return
	}

	q.currentServer = q.servers[0]
	q.servers = q.servers[1:]
	q.transportKind = q.initialTransport
	q.state = fwdQuery
	q.sendLocked()
}

func (q *ForwardedQuery) sendLocked() {
	if q.agent != nil {
		q.agent.Close()
	}
	q.log.WithFields(logrus.Fields{
		"server":    q.currentServer.Addr,
		"transport": q.transportKind.String(),
	}).Debug("sending query")
	q.agent = newAgent(q.currentServer, q, q.runner)
	agent, msg, kind, ctx := q.agent, q.outMsg, q.transportKind, q.ctx
	go agent.Send(ctx, msg, kind)
}

// onResponse consumes a decoded response, fired from the Agent's read
// goroutine.
func (q *ForwardedQuery) onResponse(resp *dns.Msg, kind transport.Kind) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != fwdQuery {
		return
	}

	if resp.Truncated {
		if kind == transport.UDP {
			// Resend to the same server over TCP before any server rotation.
			q.transportKind = transport.TCP
			q.sendLocked()
			return
		}
		// Truncation over TCP is not recoverable in place; rotate servers.
		q.retryOrFailLocked(errors.New("truncated response over tcp"))
		return
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
		all := make([]dns.RR, 0, len(resp.Answer)+len(resp.Ns)+len(resp.Extra))
		all = append(all, resp.Answer...)
		all = append(all, resp.Ns...)
		all = append(all, resp.Extra...)
		q.cache.InsertMany(all)
		q.terminateLocked(fwdAnswerTerm, resp, nil)
	case dns.RcodeNameError:
		q.terminateLocked(fwdNameErrorTerm, resp, NewError(ErrNameError, "authoritative NXDOMAIN", ErrNXDomain))
	default:
		cause := fmt.Errorf("unexpected response code: %s", dns.RcodeToString[resp.Rcode])
		if len(q.servers) == 0 {
			q.terminateLocked(fwdErrorTerm, resp, NewError(ErrServerError, "server returned an error response code", cause))
			return
		}
		q.retryOrFailLocked(cause)
	}
}

// onProblem consumes a decode, dial, or write failure from the Agent.
func (q *ForwardedQuery) onProblem(reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != fwdQuery {
		return
	}
	q.retryOrFailLocked(errors.New(reason))
}

// onTimeout consumes an expired per-exchange timeout.
func (q *ForwardedQuery) onTimeout() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != fwdQuery {
		return
	}
	q.retryOrFailLocked(context.DeadlineExceeded)
}

// retryOrFailLocked is the shared recovery path for decode problems,
// TCP truncation, unexpected response codes, send failures and timeouts:
// while more ServerSpecs remain, rotate to the next one; once exhausted,
// terminate with ErrTimeout if the last cause was a timeout, ErrNetwork
// otherwise. An error response code from the last server never reaches
// this point: onResponse reports it as ErrServerError.
func (q *ForwardedQuery) retryOrFailLocked(cause error) {
	if len(q.servers) > 0 {
		q.popAndSendLocked()
		return
	}

	if errors.Is(cause, context.DeadlineExceeded) {
		q.terminateLocked(fwdErrorTerm, nil, NewError(ErrTimeout, "all servers timed out", cause))
		return
	}
	q.terminateLocked(fwdErrorTerm, nil, NewError(ErrNetwork, "query failed against every server", cause))
}

func (q *ForwardedQuery) terminateLocked(to fwdState, resp *dns.Msg, err *ResolutionError) {
	if q.invoked {
		return
	}
	q.invoked = true
	q.state = to
	if q.agent != nil {
		q.agent.Close()
	}

	if err != nil {
		q.handler(Result{Failure: &Failure{Err: err, Log: q.log, Query: q.outMsg, Response: resp}})
		return
	}
	q.handler(Result{Success: &Success{Query: q.outMsg, Response: resp, Log: q.log}})
}

// State reports the current tagged state, exposed for tests.
func (q *ForwardedQuery) State() fwdState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}
