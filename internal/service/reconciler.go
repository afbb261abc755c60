package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"skuwatch/internal/domain"
	"skuwatch/internal/registry"
	"skuwatch/internal/scan"
)

// DeviceClassifier runs one classification attempt for one device.
type DeviceClassifier interface {
	Classify(ctx context.Context, mac, ip string)
}

// ReconcilerConfig tunes the reconciliation cycle.
type ReconcilerConfig struct {
	// Period is the target cycle cadence. A cycle that overruns shrinks
	// the following delay, never below zero.
	Period time.Duration
	// TTL is the scan-silence window after which an entry is evicted.
	TTL time.Duration
	// MaxTolerance is the consecutive-failure count above which a device
	// is no longer re-probed.
	MaxTolerance int
	// MaxConcurrent caps classification fan-out within a cycle.
	MaxConcurrent int
	// IgnoreMACs are never admitted to the table.
	IgnoreMACs []string
}

func (c *ReconcilerConfig) applyDefaults() {
	if c.Period == 0 {
		c.Period = 10 * time.Second
	}
	if c.TTL == 0 {
		c.TTL = 60 * time.Second
	}
	if c.MaxTolerance == 0 {
		c.MaxTolerance = 5
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 16
	}
}

// Reconciler merges successive scans into the device table and drives
// classification. One cycle at a time: the loop reschedules itself only
// after every probe it dispatched has finished.
type Reconciler struct {
	source     scan.Source
	classifier DeviceClassifier
	reg        *registry.Registry
	bus        *EventBus
	log        zerolog.Logger

	period        time.Duration
	ttl           time.Duration
	maxTolerance  int
	maxConcurrent int

	ignoreMu sync.RWMutex
	ignore   map[string]struct{}
}

// NewReconciler builds the reconciliation loop.
func NewReconciler(cfg ReconcilerConfig, source scan.Source, classifier DeviceClassifier, reg *registry.Registry, bus *EventBus, log zerolog.Logger) *Reconciler {
	cfg.applyDefaults()

	return &Reconciler{
		source:        source,
		classifier:    classifier,
		reg:           reg,
		bus:           bus,
		log:           log.With().Str("component", "reconciler").Logger(),
		period:        cfg.Period,
		ttl:           cfg.TTL,
		maxTolerance:  cfg.MaxTolerance,
		maxConcurrent: cfg.MaxConcurrent,
		ignore:        buildIgnoreSet(cfg.IgnoreMACs),
	}
}

func buildIgnoreSet(macs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(macs))
	for _, mac := range macs {
		if mac = domain.NormalizeMAC(mac); mac != "" {
			set[mac] = struct{}{}
		}
	}
	return set
}

// SetIgnoreMACs replaces the ignore list. Devices already admitted stay in
// the table until they age out; the new list only gates admission.
func (r *Reconciler) SetIgnoreMACs(macs []string) {
	set := buildIgnoreSet(macs)
	r.ignoreMu.Lock()
	r.ignore = set
	r.ignoreMu.Unlock()
	r.log.Info().Int("ignored_macs", len(set)).Msg("ignore list reloaded")
}

func (r *Reconciler) isIgnored(mac string) bool {
	r.ignoreMu.RLock()
	_, ok := r.ignore[mac]
	r.ignoreMu.RUnlock()
	return ok
}

// Run drives cycles until ctx is cancelled. The delay before the next cycle
// is the period minus the elapsed cycle time, floored at zero.
func (r *Reconciler) Run(ctx context.Context) {
	r.ignoreMu.RLock()
	ignored := len(r.ignore)
	r.ignoreMu.RUnlock()
	r.log.Info().
		Dur("period", r.period).
		Dur("ttl", r.ttl).
		Int("max_tolerance", r.maxTolerance).
		Int("ignored_macs", ignored).
		Msg("reconciler started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reconciler stopped")
			return
		case <-timer.C:
		}

		started := time.Now()
		r.cycle(ctx)
		elapsed := time.Since(started)
		cycleDuration.Observe(elapsed.Seconds())
		cyclesTotal.Inc()

		delay := r.period - elapsed
		if delay < 0 {
			delay = 0
		}
		timer.Reset(delay)
	}
}

// cycle is one full reconciliation pass: scan, evict, merge, probe, join.
func (r *Reconciler) cycle(ctx context.Context) {
	hosts, err := r.source.Scan(ctx)
	if err != nil {
		// Fail closed: a broken scan is an empty scan. Entries age toward
		// eviction but nothing is dropped on the spot.
		r.log.Debug().Err(err).Msg("scan failed, treating as empty")
		hosts = nil
	}

	now := time.Now()
	for _, dev := range r.reg.EvictStale(now, r.ttl) {
		evictionsTotal.Inc()
		r.log.Info().Str("mac", dev.MAC).Str("ip", dev.IP).Msg("device evicted")
		r.bus.Publish(Event{
			Type:     EventDeviceEvicted,
			At:       now,
			MAC:      dev.MAC,
			IP:       dev.IP,
			Hostname: dev.HostnameValue(),
		})
	}

	// Merge the whole snapshot before touching the classifier. g.Go blocks
	// once the concurrency limit is hit, so dispatching inside this loop
	// would defer later hosts' Refresh stamps behind in-flight probes and
	// let a live device age toward eviction.
	type target struct{ mac, ip string }
	merged := make(map[string]struct{}, len(hosts))
	var enqueued []target
	for _, h := range hosts {
		mac := domain.NormalizeMAC(h.MAC)
		if mac == "" || h.IP == "" {
			continue
		}
		// First occurrence per MAC wins within a snapshot.
		if _, dup := merged[mac]; dup {
			continue
		}
		merged[mac] = struct{}{}

		if r.isIgnored(mac) {
			continue
		}

		now := time.Now()
		if dev, known := r.reg.Get(mac); known {
			r.reg.Refresh(mac, h.IP, now)
			if dev.SKU() || dev.Tolerance > r.maxTolerance {
				continue
			}
		} else {
			r.reg.Upsert(mac, h.IP, now)
			r.bus.Publish(Event{Type: EventDeviceDiscovered, At: now, MAC: mac, IP: h.IP})
		}

		enqueued = append(enqueued, target{mac: mac, ip: h.IP})
	}

	var g errgroup.Group
	g.SetLimit(r.maxConcurrent)
	for _, tg := range enqueued {
		tg := tg
		g.Go(func() error {
			r.classifier.Classify(ctx, tg.mac, tg.ip)
			return nil
		})
	}

	// Join barrier: the next cycle cannot start while any probe from this
	// one is still in flight.
	_ = g.Wait()

	devicesGauge.Set(float64(r.reg.Len()))
	skuDevicesGauge.Set(float64(r.reg.SKUCount()))

	r.log.Debug().
		Int("responders", len(hosts)).
		Int("probed", len(enqueued)).
		Int("devices", r.reg.Len()).
		Msg("cycle complete")
	r.bus.Publish(Event{Type: EventCycleComplete, At: time.Now()})
}
