// Package service implements the device presence reconciliation engine.
//
// # Reconciler
//
// Reconciler runs the single-flight cycle: sweep the segment, evict stale
// entries, merge the snapshot into the device table, fan out classification
// for qualifying devices, and wait for every probe of the cycle before
// rescheduling. Only one cycle is ever active; the join barrier at the end
// of each cycle is what guarantees at most one in-flight classification per
// device.
//
// # Classifier
//
// Classifier runs one classification attempt for one device: resolve the
// hostname, then read build stamp, BIOS version and kernel release over the
// remote channel. Results are written back to the device table under its
// lock. A successful classification is permanent; failures accumulate in
// the device's tolerance counter until the reconciler stops re-probing.
//
// # Event System
//
// The loop and the classification tasks publish events via EventBus for the
// SSE stream and the history store. Publishing never blocks: slow
// subscribers miss events rather than stalling a cycle.
package service
