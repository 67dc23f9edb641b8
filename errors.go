package resolver

import "github.com/dnscore/resolver/internal/engine"

// ErrNXDomain is the underlying sentinel wrapped by a ResolutionError of kind
// ErrNameError. Test for it with errors.Is.
var ErrNXDomain = engine.ErrNXDomain

// ErrCircular is the underlying sentinel for chains (CNAME or NS) that loop
// back on themselves.
var ErrCircular = engine.ErrCircular

// ErrorKind classifies why a query failed to produce an answer. It is a
// type alias for engine.ErrorKind so the concrete type can live next to the
// code that constructs it without exposing the internal/engine import path
// to callers.
type ErrorKind = engine.ErrorKind

const (
	ErrNetwork           = engine.ErrNetwork
	ErrTimeout           = engine.ErrTimeout
	ErrNameError         = engine.ErrNameError
	ErrServerError       = engine.ErrServerError
	ErrDecode            = engine.ErrDecode
	ErrBadQuery          = engine.ErrBadQuery
	ErrNoNameServers     = engine.ErrNoNameServers
	ErrNoRootServers     = engine.ErrNoRootServers
	ErrWrongTransport    = engine.ErrWrongTransport
	ErrRootHintsProblem  = engine.ErrRootHintsProblem
)

// ResolutionError is the typed failure surfaced to callers. Exactly one is
// delivered to the completion sink for any failed query.
type ResolutionError = engine.ResolutionError
