package policy

import (
	"bytes"
	"fmt"
	"net"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// alwaysBypass are the reserved ranges that must never be redirected into the
// proxy. The list can be extended through configuration but never reduced.
var alwaysBypass = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"224.0.0.0/4",
	"240.0.0.0/4",
}

// BypassSet is an ordered, deduplicated set of CIDR networks excluded from
// proxy redirection. The zero value is an empty set.
type BypassSet struct {
	networks []string
}

// AlwaysBypassNetworks returns a copy of the static reserved ranges.
func AlwaysBypassNetworks() []string {
	out := make([]string, len(alwaysBypass))
	copy(out, alwaysBypass)
	return out
}

// NewBypassSet normalizes the given sources into a single set. Entries are
// canonicalized to their masked network form, bare addresses become host
// routes, duplicates collapse, and the result is ordered by network address
// and prefix length.
func NewBypassSet(sources ...[]string) (BypassSet, error) {

	type parsed struct {
		cidr string
		ip   net.IP
		bits int
	}

	seen := map[string]struct{}{}
	entries := []parsed{}

	for _, source := range sources {
		for _, entry := range source {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}

			if !strings.Contains(entry, "/") {
				if strings.Contains(entry, ":") {
					entry = entry + "/128"
				} else {
					entry = entry + "/32"
				}
			}

			_, ipnet, err := net.ParseCIDR(entry)
			if err != nil {
				return BypassSet{}, fmt.Errorf("invalid bypass network %s: %s", entry, err)
			}

			cidr := ipnet.String()
			if _, ok := seen[cidr]; ok {
				continue
			}
			seen[cidr] = struct{}{}

			bits, _ := ipnet.Mask.Size()
			entries = append(entries, parsed{cidr: cidr, ip: ipnet.IP.To16(), bits: bits})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if c := bytes.Compare(entries[i].ip, entries[j].ip); c != 0 {
			return c < 0
		}
		return entries[i].bits < entries[j].bits
	})

	networks := make([]string, len(entries))
	for i, e := range entries {
		networks[i] = e.cidr
	}

	return BypassSet{networks: networks}, nil
}

// Networks returns the networks in stored order.
func (s BypassSet) Networks() []string {
	out := make([]string, len(s.networks))
	copy(out, s.networks)
	return out
}

// Len returns the number of networks in the set.
func (s BypassSet) Len() int {
	return len(s.networks)
}

// IsEmpty is true when the set holds no networks.
func (s BypassSet) IsEmpty() bool {
	return len(s.networks) == 0
}

// Serialize renders the set in its on-disk form, one network per line.
func (s BypassSet) Serialize() []byte {
	if len(s.networks) == 0 {
		return []byte{}
	}
	return []byte(strings.Join(s.networks, "\n") + "\n")
}

// ParseNetworkList parses a line-oriented network list. Blank lines and
// comments are skipped. Lines that do not parse as a network are dropped with
// a warning rather than failing the whole document, since remote lists are
// not under our control.
func ParseNetworkList(data []byte) []string {

	networks := []string{}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}

		candidate := line
		if !strings.Contains(candidate, "/") {
			if strings.Contains(candidate, ":") {
				candidate = candidate + "/128"
			} else {
				candidate = candidate + "/32"
			}
		}

		if _, _, err := net.ParseCIDR(candidate); err != nil {
			zap.L().Warn("Skipping unparseable network list entry", zap.String("entry", line))
			continue
		}

		networks = append(networks, line)
	}

	return networks
}
