package resolver

import (
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/dnscore/resolver/internal/engine"
)

// RecordSet is the result of a Query call: a thin, typed view over the
// engine's Result, so that callers get record values and TTLs without
// handling *dns.Msg directly.
type RecordSet struct {
	// QueryType is the type of query that has been sent, such as "A", "AAAA",
	// "SRV", etc. QueryType is set even in case of network errors.
	QueryType string

	// Name is the domain name exactly as it was passed to Query; a trailing
	// dot is neither added nor removed. Name is set even in case of network
	// errors.
	Name string

	// ResponseType is the response code of the DNS response returned by the
	// name server (or synthesized from cache), such as "NOERROR",
	// "NXDOMAIN", "SERVFAIL", etc.
	//
	// If the query failed without any response, ResponseType is set to the
	// name of the ErrorKind, such as "TIMEOUT" or "NETWORK".
	ResponseType string

	// TTL is the smallest time-to-live among the matching records, as
	// returned by the name server.
	TTL time.Duration

	// Values contains the values of each record in the DNS response, in the
	// order the server (or cache) returned them. The values may be quoted,
	// for instance in TXT record sets.
	Values []string
}

// recordSetFromResult builds the caller-visible RecordSet from one terminal
// engine.Result. Exactly one of res.Success or res.Failure is set.
func recordSetFromResult(queryType, name string, res engine.Result) (RecordSet, error) {
	rs := RecordSet{QueryType: queryType, Name: name}

	if res.Failure != nil {
		rs.ResponseType = res.Failure.Err.Kind.String()
		if res.Failure.Response != nil {
			rs.ResponseType = dns.RcodeToString[res.Failure.Response.Rcode]
		}
		return rs, res.Failure.Err
	}

	resp := res.Success.Response
	if resp == nil {
		return rs, nil
	}

	rs.ResponseType = dns.RcodeToString[resp.Rcode]

	qtype, ok := dns.StringToType[queryType]
	if !ok {
		return rs, nil
	}

	first := true
	for _, rr := range resp.Answer {
		if rr.Header().Rrtype != qtype {
			continue
		}
		ttl := time.Duration(rr.Header().Ttl) * time.Second
		if first || ttl < rs.TTL {
			rs.TTL = ttl
			first = false
		}
		rs.Values = append(rs.Values, rrValue(rr))
	}

	return rs, nil
}

// rrValue returns the data portion of rr, stripping the leading
// "owner ttl class type" header text that rr.String() otherwise includes.
// miekg/dns has no public accessor for just the rdata as text.
func rrValue(rr dns.RR) string {
	return strings.TrimPrefix(rr.String(), rr.Header().String())
}
