// Package scan provides the presence snapshot source for the reconciler:
// a bounded sweep of the local segment yielding IP/MAC pairs.
package scan

import "context"

// Host is one responder on the segment.
type Host struct {
	IP  string
	MAC string
}

// Source produces a presence snapshot of the segment. Implementations must
// bound their own runtime; the reconciler treats any error as an empty scan.
type Source interface {
	Scan(ctx context.Context) ([]Host, error)
}
