package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skuwatch/internal/domain"
	"skuwatch/internal/registry"
	"skuwatch/internal/scan"
)

// fakeSource replays a scripted sequence of snapshots.
type fakeSource struct {
	mu        sync.Mutex
	snapshots [][]scan.Host
	err       error
	calls     int
}

func (f *fakeSource) Scan(_ context.Context) ([]scan.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.snapshots) == 0 {
		return nil, nil
	}
	snap := f.snapshots[0]
	if len(f.snapshots) > 1 {
		f.snapshots = f.snapshots[1:]
	}
	f.calls++
	return snap, nil
}

// fakeResolver maps IPs to scripted results.
type fakeResolver struct {
	mu    sync.Mutex
	names map[string]string // ip -> hostname ("" = unpublishable)
	errs  map[string]error
	calls map[string]int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		names: make(map[string]string),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeResolver) Resolve(_ context.Context, ip string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ip]++
	if err, ok := f.errs[ip]; ok {
		return "", err
	}
	return f.names[ip], nil
}

func (f *fakeResolver) callCount(ip string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ip]
}

// fakeProber returns scripted build metadata.
type fakeProber struct {
	mu     sync.Mutex
	stamps map[string]string // ip -> stamp
	bios   string
	kernel string
	errs   map[string]error
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		stamps: make(map[string]string),
		errs:   make(map[string]error),
	}
}

func (f *fakeProber) BuildStamp(_ context.Context, ip string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[ip]; ok {
		return "", err
	}
	stamp, ok := f.stamps[ip]
	if !ok || stamp == "" {
		return "", errors.New("no build stamp")
	}
	return stamp, nil
}

func (f *fakeProber) BIOSVersion(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bios == "" {
		return "", errors.New("no bios version")
	}
	return f.bios, nil
}

func (f *fakeProber) KernelRelease(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kernel == "" {
		return "", errors.New("no kernel release")
	}
	return f.kernel, nil
}

type harness struct {
	reg        *registry.Registry
	source     *fakeSource
	resolver   *fakeResolver
	prober     *fakeProber
	reconciler *Reconciler
}

func newHarness(t *testing.T, cfg ReconcilerConfig, snapshots ...[]scan.Host) *harness {
	t.Helper()
	reg := registry.New()
	bus := NewEventBus()
	source := &fakeSource{snapshots: snapshots}
	resolver := newFakeResolver()
	prober := newFakeProber()
	classifier := NewClassifier(resolver, prober, reg, bus, zerolog.Nop())
	return &harness{
		reg:        reg,
		source:     source,
		resolver:   resolver,
		prober:     prober,
		reconciler: NewReconciler(cfg, source, classifier, reg, bus, zerolog.Nop()),
	}
}

func TestNewDeviceSuccessfulClassification(t *testing.T) {
	h := newHarness(t, ReconcilerConfig{}, []scan.Host{{IP: "10.0.0.5", MAC: "aa:bb"}})
	h.resolver.names["10.0.0.5"] = "box"
	h.prober.stamps["10.0.0.5"] = "2024-01-01"
	h.prober.bios = "1.2.3"
	h.prober.kernel = "6.1.0"

	h.reconciler.cycle(context.Background())

	dev, ok := h.reg.Get("aa:bb")
	require.True(t, ok)
	assert.Equal(t, "box", dev.HostnameValue())
	assert.Equal(t, "2024-01-01", dev.BuildStamp)
	assert.Equal(t, "1.2.3", dev.BIOSVersion)
	assert.Equal(t, "6.1.0", dev.Kernel)
	assert.Equal(t, 0, dev.Tolerance)
	assert.True(t, dev.SKU())
}

func TestBestEffortMetadataDoesNotRollBackStamp(t *testing.T) {
	h := newHarness(t, ReconcilerConfig{}, []scan.Host{{IP: "10.0.0.5", MAC: "aa:bb"}})
	h.resolver.names["10.0.0.5"] = "box"
	h.prober.stamps["10.0.0.5"] = "2024-01-01"
	// bios and kernel unset, both reads fail

	h.reconciler.cycle(context.Background())

	dev, ok := h.reg.Get("aa:bb")
	require.True(t, ok)
	assert.True(t, dev.SKU())
	assert.Equal(t, "2024-01-01", dev.BuildStamp)
	assert.Equal(t, "", dev.BIOSVersion)
	assert.Equal(t, "", dev.Kernel)
	assert.Equal(t, 0, dev.Tolerance)
}

func TestUnresolvableAccumulatesToleranceThenThrottles(t *testing.T) {
	h := newHarness(t, ReconcilerConfig{MaxTolerance: 5}, []scan.Host{{IP: "10.0.0.5", MAC: "aa:bb"}})
	h.resolver.errs["10.0.0.5"] = errors.New("resolver timeout")

	for i := 0; i < 6; i++ {
		h.reconciler.cycle(context.Background())
	}

	dev, ok := h.reg.Get("aa:bb")
	require.True(t, ok)
	assert.Equal(t, 6, dev.Tolerance, "tolerance grows by exactly one per failed probe")
	assert.Equal(t, 6, h.resolver.callCount("10.0.0.5"))

	// Cycle 7: tolerance 6 > 5, device is skipped entirely.
	h.reconciler.cycle(context.Background())
	assert.Equal(t, 6, h.resolver.callCount("10.0.0.5"), "throttled device must not be probed")

	dev, _ = h.reg.Get("aa:bb")
	assert.Equal(t, 6, dev.Tolerance)
}

func TestClassifiedDeviceNeverReProbed(t *testing.T) {
	h := newHarness(t, ReconcilerConfig{}, []scan.Host{{IP: "10.0.0.5", MAC: "aa:bb"}})
	h.resolver.names["10.0.0.5"] = "box"
	h.prober.stamps["10.0.0.5"] = "2024-01-01"

	h.reconciler.cycle(context.Background())
	require.Equal(t, 1, h.resolver.callCount("10.0.0.5"))

	// Classification is permanent: later probe failures cannot matter
	// because no probe ever runs again.
	h.resolver.errs["10.0.0.5"] = errors.New("resolver down")
	for i := 0; i < 3; i++ {
		h.reconciler.cycle(context.Background())
	}

	assert.Equal(t, 1, h.resolver.callCount("10.0.0.5"))
	dev, _ := h.reg.Get("aa:bb")
	assert.Equal(t, "2024-01-01", dev.BuildStamp)
	assert.Equal(t, 0, dev.Tolerance)
}

func TestIgnoredMACNeverEntersTable(t *testing.T) {
	h := newHarness(t,
		ReconcilerConfig{IgnoreMACs: []string{"AA:BB"}},
		[]scan.Host{{IP: "10.0.0.5", MAC: "aa:bb"}, {IP: "10.0.0.6", MAC: "cc:dd"}},
	)
	h.resolver.errs["10.0.0.6"] = errors.New("timeout")

	for i := 0; i < 3; i++ {
		h.reconciler.cycle(context.Background())
	}

	_, ok := h.reg.Get("aa:bb")
	assert.False(t, ok, "ignored MAC must never appear in the table")
	_, ok = h.reg.Get("cc:dd")
	assert.True(t, ok)
}

func TestSetIgnoreMACsTakesEffectNextCycle(t *testing.T) {
	h := newHarness(t, ReconcilerConfig{},
		[]scan.Host{{IP: "10.0.0.5", MAC: "aa:bb"}},
	)
	h.resolver.errs["10.0.0.5"] = errors.New("timeout")

	h.reconciler.cycle(context.Background())
	require.Equal(t, 1, h.resolver.callCount("10.0.0.5"))

	// Reloaded list is normalized the same way the constructor's is.
	h.reconciler.SetIgnoreMACs([]string{"  AA:BB  "})
	h.reconciler.cycle(context.Background())

	assert.Equal(t, 1, h.resolver.callCount("10.0.0.5"), "newly ignored MAC must not be probed")
}

func TestIPChurnPreservesState(t *testing.T) {
	h := newHarness(t, ReconcilerConfig{},
		[]scan.Host{{IP: "10.0.0.9", MAC: "cc:dd"}},
		[]scan.Host{{IP: "10.0.0.10", MAC: "cc:dd"}},
	)
	h.resolver.names["10.0.0.9"] = "box"
	h.prober.stamps["10.0.0.9"] = "2024-01-01"

	h.reconciler.cycle(context.Background())
	dev, _ := h.reg.Get("cc:dd")
	require.True(t, dev.SKU())

	h.reconciler.cycle(context.Background())
	dev, ok := h.reg.Get("cc:dd")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.10", dev.IP, "device got a new lease")
	assert.Equal(t, "cc:dd", dev.MAC)
	assert.Equal(t, "2024-01-01", dev.BuildStamp, "classification survives IP churn")
}

func TestDuplicateMACInSnapshotFirstWins(t *testing.T) {
	h := newHarness(t, ReconcilerConfig{}, []scan.Host{
		{IP: "10.0.0.5", MAC: "aa:bb"},
		{IP: "10.0.0.99", MAC: "aa:bb"},
	})
	h.resolver.errs["10.0.0.5"] = errors.New("timeout")
	h.resolver.errs["10.0.0.99"] = errors.New("timeout")

	h.reconciler.cycle(context.Background())

	dev, ok := h.reg.Get("aa:bb")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", dev.IP)
	assert.Equal(t, 1, h.resolver.callCount("10.0.0.5"))
	assert.Equal(t, 0, h.resolver.callCount("10.0.0.99"))
}

func TestEvictionAfterScanSilence(t *testing.T) {
	h := newHarness(t, ReconcilerConfig{TTL: 60 * time.Second},
		[]scan.Host{{IP: "10.0.0.5", MAC: "aa:bb"}},
		nil, // device disappears from later scans
	)
	h.resolver.errs["10.0.0.5"] = errors.New("timeout")

	h.reconciler.cycle(context.Background())
	_, ok := h.reg.Get("aa:bb")
	require.True(t, ok)

	// Silence shorter than the TTL: the entry ages but stays.
	h.reconciler.cycle(context.Background())
	_, ok = h.reg.Get("aa:bb")
	assert.True(t, ok, "empty scan must not evict by itself")

	// Push the entry past the TTL and run another pass.
	h.reg.Update("aa:bb", func(d *domain.Device) {
		d.Seen = time.Now().Add(-61 * time.Second)
	})
	h.reconciler.cycle(context.Background())
	_, ok = h.reg.Get("aa:bb")
	assert.False(t, ok)
}

func TestScanFailureTreatedAsEmpty(t *testing.T) {
	h := newHarness(t, ReconcilerConfig{}, []scan.Host{{IP: "10.0.0.5", MAC: "aa:bb"}})
	h.resolver.errs["10.0.0.5"] = errors.New("timeout")

	h.reconciler.cycle(context.Background())
	require.Equal(t, 1, h.reg.Len())

	h.source.mu.Lock()
	h.source.err = errors.New("arp tool exited 1")
	h.source.mu.Unlock()

	h.reconciler.cycle(context.Background())
	assert.Equal(t, 1, h.reg.Len(), "scan failure ages entries, never drops them")
}

func TestUnpublishableHostNoToleranceChange(t *testing.T) {
	h := newHarness(t, ReconcilerConfig{}, []scan.Host{{IP: "10.0.0.1", MAC: "aa:bb"}})
	h.resolver.names["10.0.0.1"] = "" // resolved, deliberately unpublishable

	for i := 0; i < 3; i++ {
		h.reconciler.cycle(context.Background())
	}

	dev, ok := h.reg.Get("aa:bb")
	require.True(t, ok)
	require.NotNil(t, dev.Hostname)
	assert.Equal(t, "", *dev.Hostname)
	assert.Equal(t, 0, dev.Tolerance, "unpublishable is not a failure")
	assert.False(t, dev.SKU())
}

func TestResolvedNonSKUKeepsHostnameAndAccumulates(t *testing.T) {
	h := newHarness(t, ReconcilerConfig{}, []scan.Host{{IP: "10.0.0.5", MAC: "aa:bb"}})
	h.resolver.names["10.0.0.5"] = "box"
	// no stamp configured: BuildStamp fails

	h.reconciler.cycle(context.Background())
	h.reconciler.cycle(context.Background())

	dev, ok := h.reg.Get("aa:bb")
	require.True(t, ok)
	assert.Equal(t, "box", dev.HostnameValue())
	assert.Equal(t, 2, dev.Tolerance)
	assert.False(t, dev.SKU())
}

// slowResolver blocks until released and records its peak per-MAC concurrency.
type slowResolver struct {
	mu       sync.Mutex
	inflight map[string]int
	peak     int32
	release  chan struct{}
}

func (s *slowResolver) Resolve(_ context.Context, ip string) (string, error) {
	s.mu.Lock()
	s.inflight[ip]++
	if n := s.inflight[ip]; int32(n) > atomic.LoadInt32(&s.peak) {
		atomic.StoreInt32(&s.peak, int32(n))
	}
	s.mu.Unlock()

	<-s.release

	s.mu.Lock()
	s.inflight[ip]--
	s.mu.Unlock()
	return "", errors.New("slow")
}

func TestAtMostOneClassificationPerDevice(t *testing.T) {
	reg := registry.New()
	bus := NewEventBus()
	source := &fakeSource{snapshots: [][]scan.Host{{{IP: "10.0.0.5", MAC: "aa:bb"}}}}
	resolver := &slowResolver{inflight: make(map[string]int), release: make(chan struct{})}
	classifier := NewClassifier(resolver, newFakeProber(), reg, bus, zerolog.Nop())
	r := NewReconciler(ReconcilerConfig{Period: time.Millisecond}, source, classifier, reg, bus, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	// Let several cycles try to start while the first probe is stuck. The
	// join barrier means none of them can dispatch a second probe.
	time.Sleep(50 * time.Millisecond)
	close(resolver.release)
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	assert.LessOrEqual(t, atomic.LoadInt32(&resolver.peak), int32(1),
		"no two probes for the same MAC may ever be in flight")
}

// gateResolver signals when its first probe starts and blocks it until
// released.
type gateResolver struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateResolver) Resolve(_ context.Context, _ string) (string, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return "", errors.New("gated")
}

func TestMergeCompletesBeforeAnyDispatch(t *testing.T) {
	reg := registry.New()
	bus := NewEventBus()
	source := &fakeSource{snapshots: [][]scan.Host{{
		{IP: "10.0.0.1", MAC: "aa:aa"},
		{IP: "10.0.0.2", MAC: "bb:bb"},
		{IP: "10.0.0.3", MAC: "cc:cc"},
	}}}
	resolver := &gateResolver{started: make(chan struct{}), release: make(chan struct{})}
	classifier := NewClassifier(resolver, newFakeProber(), reg, bus, zerolog.Nop())
	r := NewReconciler(ReconcilerConfig{MaxConcurrent: 1}, source, classifier, reg, bus, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		r.cycle(context.Background())
		close(done)
	}()

	// With a concurrency limit of 1 the first probe stalls the dispatch
	// queue. Every host must already be merged, with its seen stamp set,
	// before that can happen.
	<-resolver.started
	for _, mac := range []string{"aa:aa", "bb:bb", "cc:cc"} {
		_, ok := reg.Get(mac)
		assert.True(t, ok, "host %s must be merged before any probe runs", mac)
	}

	close(resolver.release)
	<-done
}

func TestCyclePacingNeverNegative(t *testing.T) {
	cfg := ReconcilerConfig{}
	cfg.applyDefaults()
	assert.Equal(t, 10*time.Second, cfg.Period)
	assert.Equal(t, 60*time.Second, cfg.TTL)
	assert.Equal(t, 5, cfg.MaxTolerance)

	elapsed := 12 * time.Second
	delay := cfg.Period - elapsed
	if delay < 0 {
		delay = 0
	}
	assert.Equal(t, time.Duration(0), delay)
}
