package resolver

import (
	"net"
	"time"
)

// StepTimeoutPolicy picks the per-exchange timeout for one attempt against
// nameServerAddress. It only applies to the ephemeral ServerSpecs that
// recursive resolution constructs on the fly for each name server IP it
// discovers; forwarded-mode ServerSpecs are configured explicitly and always
// carry their own fixed timeout.
type StepTimeoutPolicy func(nameServerAddress string) time.Duration

// DefaultStepTimeoutPolicy assumes low latency to addresses in PrivateNets
// and returns 100ms for those, 5s for everything else.
func DefaultStepTimeoutPolicy() StepTimeoutPolicy {
	return defaultStepTimeoutPolicy
}

func defaultStepTimeoutPolicy(nameServerAddress string) time.Duration {
	ipStr, _, err := net.SplitHostPort(nameServerAddress)
	if err != nil {
		ipStr = nameServerAddress
	}
	ip := net.ParseIP(ipStr)

	for _, n := range PrivateNets {
		if n.Contains(ip) {
			return 100 * time.Millisecond
		}
	}

	return 5 * time.Second
}

// PrivateNets is used by DefaultStepTimeoutPolicy to return a low timeout
// for destination addresses in one of these subnets.
var PrivateNets = []*net.IPNet{
	mustParseCIDR("10.0.0.0/8"),
	mustParseCIDR("127.0.0.0/8"),
	mustParseCIDR("169.254.0.0/16"),
	mustParseCIDR("172.16.0.0/12"),
	mustParseCIDR("192.0.0.0/24"),
	mustParseCIDR("192.0.2.0/24"),
	mustParseCIDR("192.168.0.0/16"),
	mustParseCIDR("198.18.0.0/15"),
	mustParseCIDR("198.51.100.0/24"),
	mustParseCIDR("203.0.113.0/24"),
	mustParseCIDR("233.252.0.0/24"),
	mustParseCIDR("::1/128"),
	mustParseCIDR("2001:db8::/32"),
	mustParseCIDR("fd00::/8"),
	mustParseCIDR("fe80::/10"),
}

func mustParseCIDR(cidr string) *net.IPNet {
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(err)
	}

	return n
}

