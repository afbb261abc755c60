package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"skuwatch/internal/domain"
	"skuwatch/internal/registry"
)

// HostnameResolver maps a device IP to a short hostname. A non-nil error is
// a resolver failure; ("", nil) means resolved but not publishable.
type HostnameResolver interface {
	Resolve(ctx context.Context, ip string) (string, error)
}

// RemoteProber reads build metadata from a candidate device. Each read is
// independent and bounded.
type RemoteProber interface {
	BuildStamp(ctx context.Context, ip string) (string, error)
	BIOSVersion(ctx context.Context, ip string) (string, error)
	KernelRelease(ctx context.Context, ip string) (string, error)
}

// Classifier runs one classification attempt per enqueued device and writes
// the outcome back to the device table.
type Classifier struct {
	resolver HostnameResolver
	prober   RemoteProber
	reg      *registry.Registry
	bus      *EventBus
	log      zerolog.Logger
}

// NewClassifier wires the classification collaborators.
func NewClassifier(resolver HostnameResolver, prober RemoteProber, reg *registry.Registry, bus *EventBus, log zerolog.Logger) *Classifier {
	return &Classifier{
		resolver: resolver,
		prober:   prober,
		reg:      reg,
		bus:      bus,
		log:      log.With().Str("component", "classifier").Logger(),
	}
}

// Classify runs a full classification attempt for one device. The attempt
// itself confirms presence, so Seen advances on every path, success or not.
// Failures never propagate; they land in the device's tolerance counter.
func (c *Classifier) Classify(ctx context.Context, mac, ip string) {
	name, err := c.resolver.Resolve(ctx, ip)
	if err != nil {
		c.reg.Update(mac, func(d *domain.Device) {
			d.Tolerance++
			d.Touch(time.Now())
		})
		probesTotal.WithLabelValues(outcomeUnresolved).Inc()
		c.log.Debug().Str("mac", mac).Str("ip", ip).Err(err).Msg("resolution failed")
		c.bus.Publish(Event{
			Type:   EventDeviceUnreachable,
			At:     time.Now(),
			MAC:    mac,
			IP:     ip,
			Detail: err.Error(),
		})
		return
	}

	if name == "" {
		// Resolved but deliberately unpublishable. Not a failure, so the
		// tolerance counter stays put.
		c.reg.Update(mac, func(d *domain.Device) {
			empty := ""
			d.Hostname = &empty
			d.Touch(time.Now())
		})
		probesTotal.WithLabelValues(outcomeUnpublishable).Inc()
		return
	}

	stamp, err := c.prober.BuildStamp(ctx, ip)
	if err != nil {
		// Resolved, but no stamp: keep the hostname so later cycles can
		// tell "known non-SKU" from "never resolved".
		c.reg.Update(mac, func(d *domain.Device) {
			d.Hostname = &name
			d.Tolerance++
			d.Touch(time.Now())
		})
		probesTotal.WithLabelValues(outcomeNoStamp).Inc()
		c.log.Debug().Str("mac", mac).Str("ip", ip).Str("hostname", name).Err(err).Msg("no build stamp")
		return
	}

	// Best effort; their failure does not roll back the stamp.
	bios, _ := c.prober.BIOSVersion(ctx, ip)
	kernel, _ := c.prober.KernelRelease(ctx, ip)

	c.reg.Update(mac, func(d *domain.Device) {
		d.Hostname = &name
		d.BuildStamp = stamp
		d.BIOSVersion = bios
		d.Kernel = kernel
		d.Tolerance = 0
		d.Touch(time.Now())
	})
	probesTotal.WithLabelValues(outcomeClassified).Inc()

	c.log.Info().Str("mac", mac).Str("ip", ip).Str("hostname", name).Str("build_stamp", stamp).Msg("device classified")
	c.bus.Publish(Event{
		Type:     EventDeviceClassified,
		At:       time.Now(),
		MAC:      mac,
		IP:       ip,
		Hostname: name,
		Detail:   stamp,
	})
}
