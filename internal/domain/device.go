package domain

import (
	"strings"
	"time"
)

// Device is one entry per physical network interface observed on the
// segment. The MAC address is the identity key and never changes once the
// entry exists; every other field is mutated by the reconciler or by the
// classification task that owns the device during a cycle.
type Device struct {
	MAC string `json:"mac"`
	IP  string `json:"ip"`

	// Hostname is nil while unresolved. An empty non-nil value means the
	// address resolved but the host is deliberately not publishable
	// (gateway, out-of-domain box).
	Hostname *string `json:"hostname,omitempty"`

	BuildStamp  string `json:"build_stamp,omitempty"`
	BIOSVersion string `json:"bios_version,omitempty"`
	Kernel      string `json:"kernel,omitempty"`

	// Seen is the last confirmation, either a scan match or a completed
	// classification attempt.
	Seen time.Time `json:"seen"`

	// Tolerance counts consecutive failed classification attempts since
	// the last success. It only grows, or resets to zero.
	Tolerance int `json:"tolerance"`
}

// SKU reports whether the device carries a recognized build stamp. This is
// always derived, never stored.
func (d *Device) SKU() bool {
	return d.BuildStamp != ""
}

// Resolved reports whether any resolution attempt has completed, including
// the resolved-but-unpublishable case.
func (d *Device) Resolved() bool {
	return d.Hostname != nil
}

// HostnameValue returns the resolved hostname, or "" when unresolved or
// unpublishable.
func (d *Device) HostnameValue() string {
	if d.Hostname == nil {
		return ""
	}
	return *d.Hostname
}

// Touch advances Seen to now. Seen never moves backwards for a live entry.
func (d *Device) Touch(now time.Time) {
	if now.After(d.Seen) {
		d.Seen = now
	}
}

// Projection is the externally safe rendering of a classified device. It is
// a value copy; nothing reachable from it aliases live table state.
type Projection struct {
	IP          string `json:"ip"`
	MAC         string `json:"mac"`
	BuildStamp  string `json:"build_stamp"`
	BIOSVersion string `json:"bios_version,omitempty"`
	Kernel      string `json:"kernel,omitempty"`
}

// Project returns the public projection of the device. Unclassified devices
// have no projection.
func (d *Device) Project() (Projection, bool) {
	if !d.SKU() {
		return Projection{}, false
	}
	return Projection{
		IP:          d.IP,
		MAC:         d.MAC,
		BuildStamp:  d.BuildStamp,
		BIOSVersion: d.BIOSVersion,
		Kernel:      d.Kernel,
	}, true
}

// NormalizeMAC canonicalizes a MAC address for use as a table key.
func NormalizeMAC(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}

// ShortName strips the domain suffix and any trailing dot from an FQDN.
func ShortName(fqdn string) string {
	name := strings.TrimSuffix(strings.TrimSpace(fqdn), ".")
	if idx := strings.Index(name, "."); idx > 0 {
		name = name[:idx]
	}
	return name
}
