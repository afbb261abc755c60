// Package domain defines the core domain types for the skuwatch presence
// engine.
//
// # Core Types
//
// Device represents one physical network interface observed on the local
// segment, keyed by MAC address. The device table owns every Device record;
// the reconciler and classification tasks mutate fields, never replace
// entries.
//
// Projection is the externally safe, read-only rendering of a classified
// device. Only devices carrying a build stamp project; everything else is
// invisible to the outside.
//
// # Derived State
//
// Whether a device is a SKU is never stored. It is always computed from the
// presence of a build stamp, so the flag cannot drift from the data.
//
// # Design Principles
//
// - Value semantics at package boundaries
// - No database or external dependencies
// - Pure domain logic without infrastructure concerns
package domain
