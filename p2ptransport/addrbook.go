package p2ptransport

import (
	"net"
	"strings"
	"sync"
)

var privateBlocks = mustParseCIDRs([]string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16", // link-local
	"127.0.0.0/8",    // loopback
	"::1/128",
	"fe80::/10",
	"fc00::/7",
})

func mustParseCIDRs(cidrs []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("invalid built-in CIDR: " + c)
		}
		nets = append(nets, n)
	}
	return nets
}

// isRoutable reports whether host (an IP literal, with or without a port)
// is fit for the public address book. Unparseable hosts are treated as
// not routable.
func isRoutable(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range privateBlocks {
		if n.Contains(ip) {
			return false
		}
	}
	return true
}

// subnetKey returns the /16 (IPv4) or whole-address (IPv6, treated as its
// own subnet per spec §4.10) diversification key for addr.
func subnetKey(addr string) string {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(16, 32)).String()
	}
	return ip.String()
}

// maxPerSubnet is the concurrent-outbound-connections-per-/16 cap, spec
// §4.10. Relaxed automatically when every known subnet is saturated.
const maxPerSubnet = 2

// AddressBook tracks candidate outbound addresses and enforces the
// subnet-diversification and RFC1918-filtering rules from spec §4.10.
type AddressBook struct {
	mu         sync.Mutex
	localMode  bool
	candidates map[string]struct{}
	subnetUse  map[string]int
}

// NewAddressBook creates an empty address book. When localMode is true,
// RFC1918/link-local addresses are not filtered (for local test networks).
func NewAddressBook(localMode bool) *AddressBook {
	return &AddressBook{
		localMode:  localMode,
		candidates: make(map[string]struct{}),
		subnetUse:  make(map[string]int),
	}
}

// Add records addr as a dialing candidate if it passes the routability
// filter (or localMode bypasses it).
func (a *AddressBook) Add(addr string) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	if !a.localMode && !isRoutable(addr) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.candidates[addr] = struct{}{}
}

// AddMany records a batch of candidate addresses, e.g. from an addr
// message or loaded anchors.
func (a *AddressBook) AddMany(addrs []string) {
	for _, addr := range addrs {
		a.Add(addr)
	}
}

// NextDialCandidate picks a candidate not already in inUse, preferring
// subnets under the per-/16 cap; if every candidate subnet is saturated
// the cap is relaxed to avoid starving outbound connections.
func (a *AddressBook) NextDialCandidate(inUse map[string]struct{}) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var fallback string
	haveFallback := false
	for addr := range a.candidates {
		if _, busy := inUse[addr]; busy {
			continue
		}
		key := subnetKey(addr)
		if a.subnetUse[key] < maxPerSubnet {
			return addr, true
		}
		if !haveFallback {
			fallback = addr
			haveFallback = true
		}
	}
	return fallback, haveFallback
}

// MarkDialed increments the subnet-use counter for addr; call when an
// outbound connection to addr is established.
func (a *AddressBook) MarkDialed(addr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subnetUse[subnetKey(addr)]++
}

// MarkDisconnected decrements the subnet-use counter for addr.
func (a *AddressBook) MarkDisconnected(addr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := subnetKey(addr)
	if a.subnetUse[key] > 0 {
		a.subnetUse[key]--
	}
}

// Snapshot returns every known candidate address, for responding to
// getaddr requests.
func (a *AddressBook) Snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.candidates))
	for addr := range a.candidates {
		out = append(out, addr)
	}
	return out
}
