package discovery

import (
	"net"
	"os"
	"strings"
)

// LocalIP returns the machine's LAN IPv4 address, or "" when none can be
// determined. The UDP dial never sends a packet; it only selects the route.
func LocalIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err == nil {
		defer func() {
			_ = conn.Close()
		}()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP != nil {
			return addr.IP.String()
		}
	}

	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		if strings.HasPrefix(addr, "127.") || strings.Contains(addr, ":") {
			continue
		}
		return addr
	}
	return ""
}
