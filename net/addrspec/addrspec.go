// Package addrspec parses the human-supplied peer address and port lists used by
// the unicast heartbeat. Tokens in both lists may be separated by ',', ';' or ':'.
package addrspec

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

const MaxPort = 0xffff

var (
	ErrInvalidPort   = errors.New("invalid port")
	ErrUnresolvable  = errors.New("unresolvable address")
	ErrEmptyToken    = errors.New("empty token")
	ErrInvalidRange  = errors.New("invalid port range")
	ErrEmptyPortSpec = errors.New("empty port spec")
)

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

func split(spec string) []string {
	return strings.FieldsFunc(spec, func(r rune) bool {
		return r == ',' || r == ';' || r == ':'
	})
}

// ParseAddresses resolves every token of spec using the default resolver.
func ParseAddresses(spec string) ([]net.IP, error) {
	return ParseAddressesContext(context.Background(), net.DefaultResolver, spec)
}

// ParseAddressesContext resolves every token of spec to one address. Literal IPs
// are taken as-is, host names are looked up and the first IPv4 result is
// preferred. The first token that cannot be resolved aborts the parse.
func ParseAddressesContext(ctx context.Context, resolver Resolver, spec string) ([]net.IP, error) {
	tokens := split(spec)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("address spec %q: %w", spec, ErrEmptyToken)
	}

	addrs := make([]net.IP, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return nil, fmt.Errorf("address spec %q: %w", spec, ErrEmptyToken)
		}

		if ip := net.ParseIP(tok); ip != nil {
			addrs = append(addrs, ip)
			continue
		}

		ipaddrs, err := resolver.LookupIPAddr(ctx, tok)
		if err != nil {
			return nil, fmt.Errorf("%w '%s': %v", ErrUnresolvable, tok, err)
		}
		if len(ipaddrs) == 0 {
			return nil, fmt.Errorf("%w '%s': no addresses", ErrUnresolvable, tok)
		}
		addrs = append(addrs, preferIPv4(ipaddrs))
	}

	return addrs, nil
}

func preferIPv4(ipaddrs []net.IPAddr) net.IP {
	for _, a := range ipaddrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4
		}
	}
	return ipaddrs[0].IP
}

// ParsePorts parses single ports and "low-high" ranges into a sorted set. Range
// bounds may be given in either order.
func ParsePorts(spec string) ([]int, error) {
	tokens := split(spec)
	if len(tokens) == 0 {
		return nil, ErrEmptyPortSpec
	}

	set := make(map[int]struct{})
	for _, tok := range tokens {
		bounds := strings.Split(tok, "-")
		switch len(bounds) {
		case 1:
			p, err := parsePort(bounds[0])
			if err != nil {
				return nil, err
			}
			set[p] = struct{}{}
		case 2:
			lo, err := parsePort(bounds[0])
			if err != nil {
				return nil, err
			}
			hi, err := parsePort(bounds[1])
			if err != nil {
				return nil, err
			}
			if lo > hi {
				lo, hi = hi, lo
			}
			for p := lo; p <= hi; p++ {
				set[p] = struct{}{}
			}
		default:
			return nil, fmt.Errorf("%w: more than two ports specified in interval '%s'", ErrInvalidRange, strings.TrimSpace(tok))
		}
	}

	ports := make([]int, 0, len(set))
	for p := range set {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports, nil
}

func parsePort(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty port", ErrInvalidPort)
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w '%s': %v", ErrInvalidPort, s, err)
	}
	if p < 0 || p > MaxPort {
		return 0, fmt.Errorf("%w: port '%d' outside 0-%d", ErrInvalidPort, p, MaxPort)
	}
	return p, nil
}

// Targets returns the cross product of addrs and ports with duplicate
// destinations removed, keeping first-seen order.
func Targets(addrs []net.IP, ports []int) []*net.UDPAddr {
	seen := make(map[string]struct{})
	targets := make([]*net.UDPAddr, 0, len(addrs)*len(ports))
	for _, ip := range addrs {
		for _, port := range ports {
			a := &net.UDPAddr{IP: ip, Port: port}
			if _, dup := seen[a.String()]; dup {
				continue
			}
			seen[a.String()] = struct{}{}
			targets = append(targets, a)
		}
	}
	return targets
}
