package main

import (
	"os"

	"github.com/BurntSushi/toml"
)

type config struct {
	// Servers are general-purpose forwarded-mode upstreams ("ip" or
	// "ip:port"). With no servers configured, queries resolve recursively
	// from the root.
	Servers []string `toml:"servers"`

	// Zones maps a DNS zone to the servers queries under it are forwarded
	// to, overriding both Servers and recursive resolution for that zone.
	Zones map[string][]string `toml:"zones"`

	MaxCacheEntries int    `toml:"max-cache-entries"`
	MaxTTLSeconds   int    `toml:"max-ttl"`
	IPVersion       int    `toml:"ip-version"` // 4, 6, or 0 for both
	Transport       string `toml:"transport"`  // "udp" (default) or "tcp"
	Selection       string `toml:"selection"`  // priority, speed, round-robin, random, named
	ServerName      string `toml:"server-name"`
}

func loadConfig(path string) (config, error) {
	var c config
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	err = toml.Unmarshal(b, &c)
	return c, err
}
