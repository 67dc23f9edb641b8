package engine

import (
	"context"
	"sync"

	"github.com/miekg/dns"

	"github.com/dnscore/resolver/internal/transport"
)

// queryEvents is the callback surface a query (ForwardedQuery or
// RecursiveQuery) implements so its Agent can deliver responses, send/decode
// problems and timeouts.
type queryEvents interface {
	onResponse(resp *dns.Msg, kind transport.Kind)
	onProblem(reason string)
	onTimeout()
}

// Agent binds one ServerSpec to one exchange of one query: it owns the
// channel for the attempt and the attempt's timeout, and is disposed of
// (Close) as soon as the query tries another server or transport.
type Agent struct {
	spec   ServerSpec
	owner  queryEvents
	runner *transport.Runner

	mu      sync.Mutex
	ch      transport.Channel
	timeout transport.TimeoutHandle
	closed  bool
}

func newAgent(spec ServerSpec, owner queryEvents, runner *transport.Runner) *Agent {
	return &Agent{spec: spec, owner: owner, runner: runner}
}

// Send dials a fresh one-shot channel of the given kind, writes msg, and
// registers the attempt's timeout. It blocks on dial+write, so callers run
// it in its own goroutine to avoid holding their FSM lock across I/O; the
// eventual response or failure always arrives back through the owner
// callbacks, never as a return value here.
func (a *Agent) Send(ctx context.Context, msg *dns.Msg, kind transport.Kind) {
	ch, err := transport.Dial(ctx, kind, a.spec.Addr)
	if err != nil {
		a.owner.onProblem(err.Error())
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		ch.Close()
		return
	}
	a.ch = ch
	a.mu.Unlock()

	if err := ch.Send(ctx, msg); err != nil {
		a.owner.onProblem(err.Error())
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.timeout = a.runner.RegisterTimeout(a.spec.Timeout, a.fireTimeout)
	a.mu.Unlock()

	go a.read(ctx, ch, kind)
}

func (a *Agent) fireTimeout() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	a.owner.onTimeout()
}

func (a *Agent) read(ctx context.Context, ch transport.Channel, kind transport.Kind) {
	resp, err := ch.Recv(ctx)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	cancelled := a.timeout.Cancel()
	a.mu.Unlock()

	if !cancelled {
		// The timeout already fired (or raced and lost); its callback owns
		// the terminal event for this attempt.
		return
	}

	if err != nil {
		a.owner.onProblem(err.Error())
		return
	}
	a.owner.onResponse(resp, kind)
}

// Close is idempotent: it cancels the attempt's timeout and closes its
// channel.
func (a *Agent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.timeout.Cancel()
	if a.ch != nil {
		a.ch.Close()
	}
}
