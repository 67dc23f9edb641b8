package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	resolver "github.com/dnscore/resolver"
	"github.com/dnscore/resolver/internal/roothints"
)

type options struct {
	configFile string
	servers    []string
	logLevel   uint32
	timeout    time.Duration
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "dnsresolve <type> <name>",
		Short: "Resolve a DNS record set",
		Long: `Resolve a DNS record set, either recursively starting at the
root name servers (the default) or forwarded to configured upstreams.

Upstream servers, zone overrides, cache bounds and transport selection
can be set in a TOML configuration file; --server adds forwarded-mode
upstreams directly on the command line.
`,
		Example: `  dnsresolve A www.example.org
  dnsresolve --server 1.1.1.1 TXT example.com
  dnsresolve --config dnsresolve.toml AAAA example.net`,
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opt, args[0], args[1])
		},
	}

	cmd.Flags().StringVarP(&opt.configFile, "config", "c", "", "TOML configuration file")
	cmd.Flags().StringArrayVarP(&opt.servers, "server", "s", nil, "forward to this server (ip or ip:port); repeatable")
	cmd.Flags().Uint32VarP(&opt.logLevel, "log-level", "l", 3, "log level; 0=panic .. 6=trace")
	cmd.Flags().DurationVarP(&opt.timeout, "timeout", "t", 30*time.Second, "overall query timeout")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(opt options, recordType, domainName string) error {
	if opt.logLevel > 6 {
		return fmt.Errorf("invalid log level: %d", opt.logLevel)
	}
	log := logrus.New()
	log.SetLevel(logrus.Level(opt.logLevel))

	cfg, err := loadConfig(opt.configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	roots, err := roothints.NewEmbeddedProvider()
	if err != nil {
		return fmt.Errorf("load root hints: %w", err)
	}

	ropts := []resolver.Option{
		resolver.WithRootHints(roots),
		resolver.WithLogger(logrus.NewEntry(log)),
	}
	if cfg.MaxCacheEntries > 0 {
		ropts = append(ropts, resolver.WithMaxCacheEntries(cfg.MaxCacheEntries))
	}
	if cfg.MaxTTLSeconds > 0 {
		ropts = append(ropts, resolver.WithMaxAllowedTTL(time.Duration(cfg.MaxTTLSeconds)*time.Second))
	}

	r := resolver.New(ropts...)
	defer r.Close()

	r.ServerName = cfg.ServerName

	switch cfg.IPVersion {
	case 4:
		r.IPVersion = resolver.IPv4
	case 6:
		r.IPVersion = resolver.IPv6
	case 0:
		r.IPVersion = resolver.Both
	default:
		return fmt.Errorf("invalid ip-version: %d", cfg.IPVersion)
	}

	switch cfg.Transport {
	case "", "udp":
		r.InitialTransport = resolver.UDP
	case "tcp":
		r.InitialTransport = resolver.TCP
	default:
		return fmt.Errorf("invalid transport: %s", cfg.Transport)
	}

	selection, err := parseSelection(cfg.Selection)
	if err != nil {
		return err
	}
	r.Selection = selection

	servers := append(append([]string{}, cfg.Servers...), opt.servers...)
	if len(servers) > 0 {
		if err := r.SetSystemServers(servers...); err != nil {
			return err
		}
	}
	for zone, addrs := range cfg.Zones {
		if err := r.WithZoneServer(zone, addrs); err != nil {
			return fmt.Errorf("zone %s: %w", zone, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), opt.timeout)
	defer cancel()

	rs, err := r.Query(ctx, recordType, domainName)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s (TTL %s)\n", rs.QueryType, rs.Name, rs.TTL)
	for _, v := range rs.Values {
		fmt.Println(v)
	}
	return nil
}

func parseSelection(s string) (resolver.SelectionStrategy, error) {
	switch s {
	case "", "speed":
		return resolver.Speed, nil
	case "priority":
		return resolver.Priority, nil
	case "round-robin":
		return resolver.RoundRobin, nil
	case "random":
		return resolver.Random, nil
	case "named":
		return resolver.Named, nil
	default:
		return 0, fmt.Errorf("invalid selection strategy: %s", s)
	}
}
