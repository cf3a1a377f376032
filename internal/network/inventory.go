package network

import (
	"fmt"
	"net"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// InventoryConfig controls which local addresses become network identities.
type InventoryConfig struct {
	// ManualIPs, when non-empty, replaces interface discovery.
	ManualIPs []string
	// Blacklist removes addresses from either source.
	Blacklist []string
	// EnableMultipleIP keeps every eligible address; otherwise only the first.
	EnableMultipleIP bool
	// AllowLoopback admits 127.0.0.0/8 and ::1, used by local test setups.
	AllowLoopback bool
}

// Inventory is the fixed, ordered set of outbound addresses discovered at
// startup. Index i is identity id i for the lifetime of the process.
type Inventory struct {
	ips    []net.IP
	manual bool
}

// interfaceAddrs is swapped in tests.
var interfaceAddrs = net.InterfaceAddrs

// NewInventory resolves cfg into a list of identities. An empty result is a
// configuration fault and returns domain.ErrNoIdentity.
func NewInventory(cfg InventoryConfig) (*Inventory, error) {
	blocked := make(map[string]struct{}, len(cfg.Blacklist))
	for _, raw := range cfg.Blacklist {
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("network: blacklist entry %q is not an IP", raw)
		}
		blocked[ip.String()] = struct{}{}
	}

	var candidates []net.IP
	manual := len(cfg.ManualIPs) > 0
	if manual {
		for _, raw := range cfg.ManualIPs {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("network: manual ip %q is not an IP", raw)
			}
			candidates = append(candidates, ip)
		}
	} else {
		addrs, err := interfaceAddrs()
		if err != nil {
			return nil, fmt.Errorf("network: list interface addresses: %w", err)
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok {
				candidates = append(candidates, ipn.IP)
			}
		}
	}

	seen := make(map[string]struct{}, len(candidates))
	ips := make([]net.IP, 0, len(candidates))
	for _, ip := range candidates {
		if !eligible(ip, cfg.AllowLoopback) {
			continue
		}
		key := ip.String()
		if _, ok := blocked[key]; ok {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		ips = append(ips, ip)
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("network: inventory: %w", domain.ErrNoIdentity)
	}
	if !cfg.EnableMultipleIP {
		ips = ips[:1]
	}
	return &Inventory{ips: ips, manual: manual}, nil
}

// NewStaticInventory builds an inventory from already-parsed addresses
// without filtering. A nil entry binds to the OS default route.
func NewStaticInventory(ips ...net.IP) *Inventory {
	cp := make([]net.IP, len(ips))
	copy(cp, ips)
	return &Inventory{ips: cp, manual: true}
}

// IPs returns a copy of the identity addresses in id order.
func (inv *Inventory) IPs() []net.IP {
	out := make([]net.IP, len(inv.ips))
	copy(out, inv.ips)
	return out
}

// Len is the number of identities.
func (inv *Inventory) Len() int { return len(inv.ips) }

// Manual reports whether addresses came from configuration.
func (inv *Inventory) Manual() bool { return inv.manual }

func eligible(ip net.IP, allowLoopback bool) bool {
	switch {
	case ip == nil, ip.IsUnspecified(), ip.IsMulticast():
		return false
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return false
	case ip.IsLoopback():
		return allowLoopback
	}
	return true
}
