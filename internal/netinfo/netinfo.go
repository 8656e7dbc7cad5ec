// Package netinfo reports the host's network addresses for the relay
// heartbeat.
package netinfo

import (
	"fmt"
	"net"
	"sort"
)

// IPAddrs returns the host's non-loopback unicast addresses, IPv4
// before IPv6, each group in lexical order. Link-local IPv6 addresses
// are skipped.
func IPAddrs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var addrs []net.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		a, err := iface.Addrs()
		if err != nil {
			continue
		}
		addrs = append(addrs, a...)
	}
	return filterAddrs(addrs), nil
}

// filterAddrs keeps usable unicast IPs and orders them.
func filterAddrs(addrs []net.Addr) []string {
	var v4, v6 []string
	seen := make(map[string]bool)
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
			continue
		}
		s := ip.String()
		if seen[s] {
			continue
		}
		seen[s] = true
		if ip.To4() != nil {
			v4 = append(v4, s)
		} else {
			v6 = append(v6, s)
		}
	}
	sort.Strings(v4)
	sort.Strings(v6)
	return append(v4, v6...)
}
