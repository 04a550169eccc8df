package probe

import (
	"net"
	"strconv"

	"uwbgateway/registry"
)

// DefaultFallbackPorts are tried after the advertised port.
var DefaultFallbackPorts = []int{8080, 8081, 8082, 8083}

// addressOrder lists the addresses to try: the working address first, then
// IPv4 before IPv6.
func addressOrder(rec registry.PeerRecord) []string {
	out := make([]string, 0, 3)
	seen := make(map[string]struct{}, 3)
	add := func(addr string) {
		if addr == "" {
			return
		}
		if _, dup := seen[addr]; dup {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}

	add(rec.WorkingAddress)
	for _, addr := range rec.Addresses.Ordered() {
		add(addr)
	}
	return out
}

// portOrder lists the ports to try: the working port first, then the
// primary port, then the fallbacks.
func portOrder(rec registry.PeerRecord, fallback []int) []int {
	out := make([]int, 0, len(fallback)+2)
	seen := make(map[int]struct{}, len(fallback)+2)
	add := func(port int) {
		if port <= 0 || port > 65535 {
			return
		}
		if _, dup := seen[port]; dup {
			return
		}
		seen[port] = struct{}{}
		out = append(out, port)
	}

	add(rec.WorkingPort)
	add(rec.PrimaryPort)
	for _, port := range fallback {
		add(port)
	}
	return out
}

func endpoint(addr string, port int) string {
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

func baseURL(scheme, addr string, port int) string {
	return scheme + "://" + endpoint(addr, port)
}
