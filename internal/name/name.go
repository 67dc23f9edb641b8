// Package name implements the domain-name primitives used throughout the
// resolver: canonicalization, ancestor walks, validity checks and
// reverse-lookup (arpa) name construction.
package name

import (
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/publicsuffix"
)

// Canonical returns the ASCII lower-case, fully-qualified form of n, with a
// trailing dot. All name comparison in this module happens over this form.
func Canonical(n string) string {
	return dns.CanonicalName(n)
}

// Equal reports whether a and b name the same DomainName under
// case-insensitive, trailing-dot-normalized comparison.
func Equal(a, b string) bool {
	return Canonical(a) == Canonical(b)
}

// IsRoot reports whether n is the root domain (a single empty label).
func IsRoot(n string) bool {
	return Canonical(n) == "."
}

// Parent returns the immediate ancestor of n. Parent(root) == root.
func Parent(n string) string {
	n = Canonical(n)
	if n == "." {
		return "."
	}

	n = strings.TrimSuffix(n, ".")
	idx := strings.IndexByte(n, '.')
	if idx < 0 {
		return "."
	}

	return n[idx+1:] + "."
}

// Ancestors returns n and every ancestor of n up to and including the root,
// closest first. Callers use it to walk upward looking for the closest known
// delegation.
func Ancestors(n string) []string {
	n = Canonical(n)

	var out []string
	for {
		out = append(out, n)
		if n == "." {
			return out
		}
		n = Parent(n)
	}
}

// LabelCount returns the number of labels in n, not counting the trailing
// root label. LabelCount(".") == 0.
func LabelCount(n string) int {
	n = Canonical(n)
	if n == "." {
		return 0
	}
	return strings.Count(n, ".")
}

// Arpa returns the reverse-lookup name for ip, under in-addr.arpa for IPv4
// and ip6.arpa for IPv6.
func Arpa(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return arpa4(v4)
	}
	return arpa6(ip.To16())
}

func arpa4(ip net.IP) string {
	labels := make([]string, 5)
	for i := 0; i < 4; i++ {
		labels[i] = strconv.FormatUint(uint64(ip[3-i]), 10)
	}
	labels[4] = "in-addr.arpa."

	return strings.Join(labels, ".")
}

func arpa6(ip net.IP) string {
	labels := make([]string, 33)

	for i := 0; i < 16; i++ {
		labels[i*2+0] = strconv.FormatUint(uint64(ip[15-i])&0xF, 16)
		labels[i*2+1] = strconv.FormatUint(uint64(ip[15-i])>>4, 16)
	}
	labels[32] = "ip6.arpa."

	return strings.Join(labels, ".")
}

// Valid reports whether n is encodable as a domain name: each label 1..63
// octets, total length (including length-prefix octets) <= 255. The wire
// codec enforces this too, but the engine rejects bad queries before ever
// building a message.
func Valid(n string) bool {
	n = Canonical(n)
	if n == "." {
		return true
	}

	labels := dns.SplitDomainName(n)
	if labels == nil {
		return false
	}

	total := 1 // trailing root label
	for _, l := range labels {
		if len(l) == 0 || len(l) > 63 {
			return false
		}
		total += len(l) + 1
	}

	return total <= 255
}

// IsPublicSuffix reports whether n is itself a public suffix (e.g.
// "co.uk."), used by recursive resolution to flag delegation boundaries
// that land on a TLD in its log entries.
func IsPublicSuffix(n string) bool {
	n = strings.TrimSuffix(Canonical(n), ".")
	s, _ := publicsuffix.PublicSuffix(n)
	return s == n
}
