package scan

import (
	"fmt"
	"net"
	"strings"
)

// virtual interface prefixes that never carry the segment we care about
var virtualPrefixes = []string{"veth", "docker", "br-", "cni", "flannel", "tailscale", "wg"}

// DetectTargets derives scan target CIDRs from a network interface. With an
// empty name it walks all interfaces and picks the private IPv4 subnets of
// every up, non-loopback, non-virtual interface.
func DetectTargets(ifaceName string) ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var targets []string
	for _, iface := range ifaces {
		if ifaceName != "" && iface.Name != ifaceName {
			continue
		}
		if ifaceName == "" && !usableInterface(iface) {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			if ifaceName == "" && !isPrivate(ip4) {
				continue
			}
			ones, _ := ipnet.Mask.Size()
			targets = append(targets, fmt.Sprintf("%s/%d", ip4.Mask(ipnet.Mask), ones))
		}
	}

	if len(targets) == 0 {
		if ifaceName != "" {
			return nil, fmt.Errorf("no IPv4 subnet on interface %q", ifaceName)
		}
		return nil, fmt.Errorf("no usable interface found")
	}
	return targets, nil
}

func usableInterface(iface net.Interface) bool {
	if iface.Flags&net.FlagLoopback != 0 {
		return false
	}
	if iface.Flags&net.FlagUp == 0 {
		return false
	}
	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(iface.Name, prefix) {
			return false
		}
	}
	return true
}

func isPrivate(ip4 net.IP) bool {
	return ip4[0] == 10 ||
		(ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31) ||
		(ip4[0] == 192 && ip4[1] == 168)
}
