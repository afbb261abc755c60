// Package registry implements the device table: the single authoritative
// store of device presence and classification state.
//
// The table is memory-only and guarded by a single RWMutex. Every accessor
// hands out value copies, so the HTTP read path can observe a consistent
// per-device state while a reconciliation cycle is mutating the table.
package registry

import (
	"sort"
	"sync"
	"time"

	"skuwatch/internal/domain"
)

// Registry is the MAC-keyed device table.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*domain.Device
}

// New returns an empty device table.
func New() *Registry {
	return &Registry{
		devices: make(map[string]*domain.Device),
	}
}

// Get looks up a device by MAC. The returned Device is a copy.
func (r *Registry) Get(mac string) (domain.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices[mac]
	if !ok {
		return domain.Device{}, false
	}
	return *dev, true
}

// Upsert creates a device for mac if none exists and returns a copy together
// with a created flag. An existing entry is returned untouched: refreshing
// seen/IP for known devices is the merge policy's call, not the table's.
func (r *Registry) Upsert(mac, ip string, now time.Time) (domain.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dev, ok := r.devices[mac]; ok {
		return *dev, false
	}

	dev := &domain.Device{
		MAC:  mac,
		IP:   ip,
		Seen: now,
	}
	r.devices[mac] = dev
	return *dev, true
}

// Refresh marks a known device as present in the current scan: seen advances
// to now and the stored IP follows the scan (a device can pick up a new
// lease between cycles). Returns a copy of the updated entry.
func (r *Registry) Refresh(mac, ip string, now time.Time) (domain.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[mac]
	if !ok {
		return domain.Device{}, false
	}

	dev.Touch(now)
	if ip != "" && dev.IP != ip {
		dev.IP = ip
	}
	return *dev, true
}

// Update applies fn to the device under the table lock. Classification tasks
// use this to publish their result fields atomically.
func (r *Registry) Update(mac string, fn func(*domain.Device)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[mac]
	if !ok {
		return false
	}
	fn(dev)
	return true
}

// EvictStale removes every device not seen for ttl or longer and returns
// copies of the removed entries.
func (r *Registry) EvictStale(now time.Time, ttl time.Duration) []domain.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []domain.Device
	for mac, dev := range r.devices {
		if now.Sub(dev.Seen) >= ttl {
			evicted = append(evicted, *dev)
			delete(r.devices, mac)
		}
	}
	return evicted
}

// Snapshot returns copies of all devices, ordered by MAC for stable
// iteration. Safe to call concurrently with any mutation.
func (r *Registry) Snapshot() []domain.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, *dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

// Len returns the number of devices currently in the table.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// SKUCount returns the number of classified devices.
func (r *Registry) SKUCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, dev := range r.devices {
		if dev.SKU() {
			n++
		}
	}
	return n
}
