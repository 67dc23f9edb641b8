package engine

import (
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// ServerSpec is the configured, immutable-after-construction description of
// one upstream server.
type ServerSpec struct {
	Name     string
	Addr     string // host:port
	Timeout  time.Duration
	Priority int
}

// IPVersion selects which address families RecursiveQuery uses when
// discovering name-server addresses.
type IPVersion int

const (
	IPv4 IPVersion = iota
	IPv6
	Both
)

func (v IPVersion) wantsV4() bool { return v == IPv4 || v == Both }
func (v IPVersion) wantsV6() bool { return v == IPv6 || v == Both }

// SelectionStrategy orders the ServerSpecs a ForwardedQuery tries.
type SelectionStrategy int

const (
	// Speed tries the ServerSpec with the smallest timeout first.
	Speed SelectionStrategy = iota
	// Priority tries the highest-priority ServerSpec first.
	Priority
	// RoundRobin keeps the configured order.
	RoundRobin
	// Random shuffles.
	Random
	// Named picks exactly one ServerSpec, by name.
	Named
)

// Success carries the terminal answer payload for a query: the message that
// was sent, the final response, and the query's log entry.
type Success struct {
	Query    *dns.Msg
	Response *dns.Msg
	Log      *logrus.Entry
}

// Failure carries a typed terminal error, plus whatever query and response
// messages were in flight when the query failed.
type Failure struct {
	Err      *ResolutionError
	Log      *logrus.Entry
	Query    *dns.Msg
	Response *dns.Msg
}

// Result is delivered to a Query's completion sink exactly once. Exactly one
// of Success or Failure is non-nil.
type Result struct {
	Success *Success
	Failure *Failure
}

// Handler is the single completion sink a query invokes exactly once on
// reaching a terminal state. Callers needing context close over it rather
// than threading an attachment through the engine.
type Handler func(Result)
