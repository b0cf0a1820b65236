// Package netutil holds helpers for working out which addresses a bound socket
// is actually reachable on.
package netutil

import (
	"errors"
	"net"
	"strconv"

	log "github.com/sirupsen/logrus"
)

var ErrNoAddress = errors.New("no usable address")

// HostIPs returns the addresses a socket bound to listenIP can be reached on.
// A specific IP is returned as-is. For an unspecified or nil IP the addresses of
// all interfaces that are up are enumerated; 0.0.0.0 restricts the result to
// IPv4 and :: to IPv6, nil accepts both.
func HostIPs(listenIP net.IP) ([]net.IP, error) {
	if listenIP != nil && !listenIP.IsUnspecified() {
		return []net.IP{listenIP}, nil
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var ips []net.IP
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}

		ifaddrs, err := iface.Addrs()
		if err != nil {
			log.Warnf("netutil: could not get addresses for interface %s: %v", iface.Name, err)
			continue
		}

		for _, addr := range ifaddrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsUnspecified() {
				continue
			}

			isIPv4 := ip.To4() != nil
			if listenIP != nil {
				if listenIP.Equal(net.IPv4zero) && !isIPv4 {
					continue
				}
				if listenIP.Equal(net.IPv6unspecified) && isIPv4 {
					continue
				}
			}

			if _, dup := seen[ip.String()]; dup {
				continue
			}
			seen[ip.String()] = struct{}{}
			ips = append(ips, ip)
		}
	}

	if len(ips) == 0 {
		return nil, ErrNoAddress
	}
	return ips, nil
}

// AdvertiseAddr picks the host:port other nodes should use to reach a listener
// bound to addr. Non-loopback IPv4 addresses are preferred, then any
// non-loopback address, then loopback.
func AdvertiseAddr(addr net.Addr) (string, error) {
	ip, port, err := splitAddr(addr)
	if err != nil {
		return "", err
	}

	ips, err := HostIPs(ip)
	if err != nil {
		return "", err
	}

	best := ips[0]
	rank := func(ip net.IP) int {
		switch {
		case !ip.IsLoopback() && ip.To4() != nil && !ip.IsLinkLocalUnicast():
			return 3
		case !ip.IsLoopback() && !ip.IsLinkLocalUnicast():
			return 2
		case ip.IsLoopback():
			return 1
		}
		return 0
	}
	for _, ip := range ips[1:] {
		if rank(ip) > rank(best) {
			best = ip
		}
	}

	return net.JoinHostPort(best.String(), strconv.Itoa(port)), nil
}

func splitAddr(addr net.Addr) (net.IP, int, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP, a.Port, nil
	case *net.UDPAddr:
		return a.IP, a.Port, nil
	}

	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, err
	}
	return net.ParseIP(host), port, nil
}

// IsSelf reports whether sending to target would loop back to the socket bound
// at local. hostIPs are the addresses local is reachable on (see HostIPs).
func IsSelf(target, local *net.UDPAddr, hostIPs []net.IP) bool {
	if local == nil || target.Port != local.Port {
		return false
	}
	if target.IP.Equal(local.IP) {
		return true
	}
	if local.IP != nil && !local.IP.IsUnspecified() {
		return false
	}
	for _, ip := range hostIPs {
		if ip.Equal(target.IP) {
			return true
		}
	}
	return false
}
