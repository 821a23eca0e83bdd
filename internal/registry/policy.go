// ABOUTME: IP admission policy applied when a connection registers
// ABOUTME: Matches peer addresses against exact IPs or CIDR prefixes in blacklist or whitelist mode

package registry

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/2389/flowlink/internal/config"
)

// Rejection reasons, also used as close reasons.
const (
	ReasonBlacklisted = "blacklisted ip"
	ReasonUnknownIP   = "unknown ip"
)

var (
	ErrBlacklisted    = errors.New(ReasonBlacklisted)
	ErrNotWhitelisted = errors.New(ReasonUnknownIP)
)

// Policy decides which peer addresses may register. In blacklist mode listed
// addresses are refused; in whitelist mode only listed addresses are admitted,
// so an empty whitelist admits nobody. A nil Policy admits everyone.
type Policy struct {
	prefixes  []netip.Prefix
	blacklist bool
}

// NewPolicy parses entries as addresses or CIDR prefixes.
func NewPolicy(entries []string, blacklist bool) (*Policy, error) {
	p := &Policy{blacklist: blacklist}
	for _, e := range entries {
		prefix, err := config.ParseIPEntry(e)
		if err != nil {
			return nil, err
		}
		p.prefixes = append(p.prefixes, prefix)
	}
	return p, nil
}

// Blacklist reports whether the list is a deny list.
func (p *Policy) Blacklist() bool {
	return p != nil && p.blacklist
}

// Check returns ErrBlacklisted or ErrNotWhitelisted when peer may not register.
func (p *Policy) Check(peer string) error {
	if p == nil {
		return nil
	}
	addr, err := PeerIP(peer)
	if err != nil {
		if p.blacklist {
			return nil
		}
		return ErrNotWhitelisted
	}

	listed := p.contains(addr)
	switch {
	case p.blacklist && listed:
		return ErrBlacklisted
	case !p.blacklist && !listed:
		return ErrNotWhitelisted
	}
	return nil
}

func (p *Policy) contains(addr netip.Addr) bool {
	for _, prefix := range p.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// PeerIP extracts the IP component of a peer id such as "10.0.0.5:40000" or "[::1]:80".
func PeerIP(peer string) (netip.Addr, error) {
	if ap, err := netip.ParseAddrPort(peer); err == nil {
		return ap.Addr().Unmap(), nil
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("peer %q has no IP address", peer)
	}
	return addr.Unmap(), nil
}
