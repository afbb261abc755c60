package scan

import (
	"context"
	"fmt"
	"time"

	nmap "github.com/Ullaakut/nmap/v3"
	"github.com/rs/zerolog"

	"skuwatch/internal/domain"
)

// NmapSource sweeps target CIDRs with an nmap ping scan. On a local segment
// nmap answers with ARP, so responders come back with both an IPv4 and a MAC
// address; hosts without a MAC (typically the scanner itself, or anything
// behind a router) are dropped.
type NmapSource struct {
	targets []string
	iface   string
	timeout time.Duration
	log     zerolog.Logger
}

// NewNmapSource creates a scan source for the given targets. iface may be
// empty, in which case nmap picks the outgoing interface itself.
func NewNmapSource(targets []string, iface string, timeout time.Duration, log zerolog.Logger) *NmapSource {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &NmapSource{
		targets: targets,
		iface:   iface,
		timeout: timeout,
		log:     log.With().Str("component", "scan").Logger(),
	}
}

// Scan runs one sweep. The whole invocation is bounded by the configured
// timeout; nmap is killed on overrun and the error surfaces to the caller.
func (s *NmapSource) Scan(ctx context.Context) ([]Host, error) {
	if len(s.targets) == 0 {
		return nil, fmt.Errorf("no scan targets configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := []nmap.Option{
		nmap.WithTargets(s.targets...),
		nmap.WithPingScan(),
	}
	if s.iface != "" {
		opts = append(opts, nmap.WithInterface(s.iface))
	}

	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create scanner: %w", err)
	}

	result, warnings, err := scanner.Run()
	if err != nil {
		return nil, fmt.Errorf("ping scan: %w", err)
	}
	if warnings != nil && len(*warnings) > 0 {
		s.log.Debug().Strs("warnings", *warnings).Msg("nmap warnings")
	}

	hosts := hostsFromRun(result)
	s.log.Debug().Int("responders", len(hosts)).Strs("targets", s.targets).Msg("sweep complete")
	return hosts, nil
}

// hostsFromRun extracts IP/MAC pairs from an nmap run.
func hostsFromRun(result *nmap.Run) []Host {
	if result == nil {
		return nil
	}

	var hosts []Host
	for _, h := range result.Hosts {
		if h.Status.State != "up" {
			continue
		}

		var ip, mac string
		for _, addr := range h.Addresses {
			switch addr.AddrType {
			case "ipv4":
				ip = addr.Addr
			case "mac":
				mac = domain.NormalizeMAC(addr.Addr)
			}
		}
		if ip == "" || mac == "" {
			continue
		}
		hosts = append(hosts, Host{IP: ip, MAC: mac})
	}
	return hosts
}
