// Package probe implements the classification collaborators: hostname
// resolution and the SSH channel that reads build metadata off candidate
// devices.
package probe

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"skuwatch/internal/domain"
)

// addrLookuper is the reverse DNS dependency; *net.Resolver satisfies it.
type addrLookuper interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// mdnsLookuper maps an IP to an mDNS hostname.
type mdnsLookuper interface {
	Lookup(ctx context.Context, ip string) (string, error)
}

// HostnameProber asks a device for its own name over the remote channel.
type HostnameProber interface {
	Hostname(ctx context.Context, ip string) (string, error)
}

// Resolver maps device IPs to publishable short hostnames.
//
// The result is tri-state: a non-nil error means resolution failed outright
// (counts against the device's tolerance); ("", nil) means the address
// resolved but is deliberately not publishable, such as the gateway or an
// out-of-domain box; a non-empty name is a usable short hostname with the
// domain suffix stripped.
type Resolver struct {
	lookup  addrLookuper
	mdns    mdnsLookuper
	prober  HostnameProber
	suffix  string
	timeout time.Duration
	log     zerolog.Logger
}

// NewResolver builds a resolver. suffix is the local DNS domain that marks a
// name as publishable; with an empty suffix every resolved name is taken as
// is. mdns and prober are optional fallbacks.
func NewResolver(suffix string, timeout time.Duration, mdns mdnsLookuper, prober HostnameProber, log zerolog.Logger) *Resolver {
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &Resolver{
		lookup:  net.DefaultResolver,
		mdns:    mdns,
		prober:  prober,
		suffix:  strings.TrimPrefix(strings.TrimSpace(suffix), "."),
		timeout: timeout,
		log:     log.With().Str("component", "resolver").Logger(),
	}
}

// Resolve maps ip to a short hostname. See the type comment for the
// tri-state contract.
func (r *Resolver) Resolve(ctx context.Context, ip string) (string, error) {
	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	names, err := r.lookup.LookupAddr(lctx, ip)
	cancel()

	if err != nil || len(names) == 0 {
		// Primary path failed; mDNS may still know the host.
		if r.mdns != nil {
			if name, merr := r.mdns.Lookup(ctx, ip); merr == nil && name != "" {
				return domain.ShortName(name), nil
			}
		}
		if err == nil {
			err = fmt.Errorf("no PTR record")
		}
		return "", fmt.Errorf("resolve %s: %w", ip, err)
	}

	fqdn := strings.TrimSuffix(names[0], ".")
	if r.inDomain(fqdn) {
		return domain.ShortName(fqdn), nil
	}

	// The PTR points outside our domain. Before declaring the host
	// unpublishable, ask the device itself.
	if r.prober != nil {
		if name, perr := r.prober.Hostname(ctx, ip); perr == nil {
			if short := domain.ShortName(name); short != "" {
				return short, nil
			}
		}
	}

	r.log.Debug().Str("ip", ip).Str("ptr", fqdn).Msg("resolved out of domain, not publishable")
	return "", nil
}

func (r *Resolver) inDomain(fqdn string) bool {
	if r.suffix == "" {
		return true
	}
	return strings.HasSuffix(strings.ToLower(fqdn), "."+strings.ToLower(r.suffix))
}
