package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

// mDNS service types browsed when reverse DNS has nothing. Workstation is
// advertised by most Linux hosts running Avahi.
var mdnsServices = []string{"_workstation._tcp", "_ssh._tcp"}

// browseFunc starts an mDNS browse and owns closing entries once it runs.
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

func zeroconfBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create mdns resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// MDNSResolver finds hostnames by browsing mDNS service announcements and
// matching the announced addresses against the wanted IP.
type MDNSResolver struct {
	timeout time.Duration
	browse  browseFunc
	log     zerolog.Logger
}

// NewMDNSResolver creates an mDNS fallback resolver.
func NewMDNSResolver(timeout time.Duration, log zerolog.Logger) *MDNSResolver {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &MDNSResolver{
		timeout: timeout,
		browse:  zeroconfBrowse,
		log:     log.With().Str("component", "mdns").Logger(),
	}
}

// Lookup browses the known service types and returns the hostname announced
// for ip, without the .local suffix.
func (m *MDNSResolver) Lookup(ctx context.Context, ip string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	for _, service := range mdnsServices {
		name, err := m.browseFor(ctx, service, ip)
		if err != nil {
			m.log.Debug().Str("service", service).Err(err).Msg("mdns browse failed")
			continue
		}
		if name != "" {
			return name, nil
		}
	}
	return "", fmt.Errorf("no mdns announcement for %s", ip)
}

func (m *MDNSResolver) browseFor(ctx context.Context, service, ip string) (string, error) {
	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := m.browse(ctx, service, "local.", entries); err != nil {
		// The browse closes entries only once it is running, so the
		// matcher must not start before this point or it would block on
		// the channel forever when the browse fails.
		return "", fmt.Errorf("browse %s: %w", service, err)
	}

	found := make(chan string, 1)
	go func() {
		for entry := range entries {
			for _, addr := range entry.AddrIPv4 {
				if addr.String() == ip {
					name := strings.TrimSuffix(entry.HostName, ".")
					name = strings.TrimSuffix(name, ".local")
					select {
					case found <- name:
					default:
					}
					return
				}
			}
		}
	}()

	select {
	case name := <-found:
		return name, nil
	case <-ctx.Done():
		return "", nil
	}
}
