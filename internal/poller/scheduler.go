// Package poller drives the fixed-period read, compute, reconcile and
// publish cycle over the loom fleet.
package poller

import (
	"context"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/loomwatch/internal/config"
	"github.com/KevinKickass/loomwatch/internal/counter"
	"github.com/KevinKickass/loomwatch/internal/reconcile"
	"github.com/KevinKickass/loomwatch/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type DeviceReader interface {
	ReadDirect(ctx context.Context, dev types.DeviceConfig) (types.DirectSample, error)
	ReadAccumulator(ctx context.Context, dev types.DeviceConfig) (uint16, error)
}

type CacheSyncer interface {
	Upsert(ctx context.Context, update types.CacheUpdate) (*types.CacheRecord, error)
	Recovery(ctx context.Context) ([]types.CacheRecord, error)
}

type SnapshotPublisher interface {
	Publish(snap types.Snapshot) error
}

// CycleReport summarizes one pass over the fleet.
type CycleReport struct {
	Devices  int
	Failed   int
	Unseeded int // added devices waiting for their recovery record
	Duration time.Duration
}

type Option func(*Scheduler)

// WithClock replaces the wall clock used for sample timestamps and cycle timing.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler polls every device once per period. Device working state is
// touched only from the cycle goroutine; snapshots and the device list are
// shared with readers under mu.
type Scheduler struct {
	period      time.Duration
	concurrency int
	jitter      time.Duration

	reader    DeviceReader
	cache     CacheSyncer
	publisher SnapshotPublisher
	states    *counter.Table

	// unseeded holds devices added by a reload whose recovery record has not
	// been loaded yet. Cycle goroutine only.
	unseeded map[string]bool

	mu      sync.RWMutex
	devices []types.DeviceConfig
	latest  map[string]types.Snapshot
	pending []types.DeviceConfig
	reload  bool

	now    func() time.Time
	logger *zap.Logger
}

func New(cfg config.PollerConfig, devices []types.DeviceConfig, reader DeviceReader, cache CacheSyncer,
	publisher SnapshotPublisher, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		period:      cfg.Period,
		concurrency: cfg.Concurrency,
		jitter:      cfg.Jitter,
		reader:      reader,
		cache:       cache,
		publisher:   publisher,
		states:      counter.NewTable(),
		unseeded:    make(map[string]bool),
		devices:     devices,
		latest:      make(map[string]types.Snapshot),
		now:         time.Now,
		logger:      logger,
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run seeds working state from the cache and then cycles until ctx is
// cancelled. A cycle in progress always completes.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Seed(ctx)

	s.logger.Info("Scheduler started",
		zap.Int("devices", len(s.Devices())),
		zap.Duration("period", s.period),
		zap.Int("concurrency", s.concurrency))

	for {
		if ctx.Err() != nil {
			s.logger.Info("Scheduler stopped")
			return nil
		}

		report := s.Cycle(ctx)
		if report.Failed > 0 {
			s.logger.Debug("Cycle finished with failures",
				zap.Int("devices", report.Devices),
				zap.Int("failed", report.Failed),
				zap.Duration("duration", report.Duration))
		}

		// overruns start the next cycle immediately, missed cycles are not replayed
		wait := max(0, s.period-report.Duration)
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// Seed loads every known device's counters from the cache recovery view.
// Failure leaves the devices at zero until the first reconciliation.
func (s *Scheduler) Seed(ctx context.Context) {
	records, err := s.cache.Recovery(ctx)
	if err != nil {
		s.logger.Warn("Recovery seeding skipped", zap.Error(err))
		return
	}

	known := make(map[string]bool)
	for _, dev := range s.Devices() {
		known[dev.Key] = true
	}

	seeded := 0
	for _, rec := range records {
		if !known[rec.Key] {
			continue
		}
		s.states.Get(rec.Key).Seed(rec)
		seeded++
	}

	s.logger.Info("Working state seeded from recovery",
		zap.Int("records", len(records)),
		zap.Int("seeded", seeded))
}

// Cycle runs one pass: batches in sequence, devices within a batch
// concurrently. Failures are contained per device.
func (s *Scheduler) Cycle(ctx context.Context) CycleReport {
	start := s.now()
	s.applyReload()

	// no mid-cycle cancellation
	ctx = context.WithoutCancel(ctx)
	s.seedAdded(ctx)

	var devices []types.DeviceConfig
	for _, dev := range s.Devices() {
		if !s.unseeded[dev.Key] {
			devices = append(devices, dev)
		}
	}
	var failed atomic.Int64

	for i := 0; i < len(devices); i += s.concurrency {
		batch := devices[i:min(i+s.concurrency, len(devices))]

		var g errgroup.Group
		for _, dev := range batch {
			st := s.states.Get(dev.Key)
			g.Go(func() error {
				if s.jitter > 0 {
					time.Sleep(rand.N(s.jitter))
				}
				if err := s.poll(ctx, dev, st); err != nil {
					failed.Add(1)
					s.logger.Warn("Device cycle failed",
						zap.String("device", dev.Key),
						zap.String("address", dev.Address.String()),
						zap.Error(err))
				}
				return nil
			})
		}
		g.Wait()
	}

	return CycleReport{
		Devices:  len(devices),
		Failed:   int(failed.Load()),
		Unseeded: len(s.unseeded),
		Duration: s.now().Sub(start),
	}
}

// seedAdded loads recovery records for devices that joined on a reload.
// Until that succeeds they are not polled, so a zeroed state is never
// upserted over the cache's counts.
func (s *Scheduler) seedAdded(ctx context.Context) {
	if len(s.unseeded) == 0 {
		return
	}

	records, err := s.cache.Recovery(ctx)
	if err != nil {
		s.logger.Warn("Recovery for added devices failed, holding them back",
			zap.Int("devices", len(s.unseeded)),
			zap.Error(err))
		return
	}

	seeded := 0
	for _, rec := range records {
		if s.unseeded[rec.Key] {
			s.states.Get(rec.Key).Seed(rec)
			seeded++
		}
	}
	s.logger.Info("Added devices seeded from recovery",
		zap.Int("devices", len(s.unseeded)),
		zap.Int("seeded", seeded))
	clear(s.unseeded)
}

// poll runs read, compute, reconcile and publish for one device. A read
// failure drops the device from this cycle; a reconciliation failure
// publishes the local values.
func (s *Scheduler) poll(ctx context.Context, dev types.DeviceConfig, st *counter.State) error {
	at := s.now()

	switch dev.Mode {
	case types.ModeDirect:
		sample, err := s.reader.ReadDirect(ctx, dev)
		if err != nil {
			return err
		}
		st.ApplyDirect(sample, dev.Layout, at)

	case types.ModeAccumulator:
		pulse, err := s.reader.ReadAccumulator(ctx, dev)
		if err != nil {
			return err
		}
		st.ApplyPulse(int64(pulse), at, st.Offset(dev))
	}

	rec, err := s.cache.Upsert(ctx, st.Update(dev.Key))
	if err != nil {
		s.logger.Warn("Reconciliation failed, publishing local values",
			zap.String("device", dev.Key),
			zap.Error(err))
	} else {
		decision := reconcile.Merge(dev.Mode, *st, *rec)
		if decision.Changed() {
			s.logger.Info("Local state corrected by cache",
				zap.String("device", dev.Key),
				zap.Any("rules", decision.Fired),
				zap.Int64("production", decision.State.Production),
				zap.Int64("shift", decision.State.Shift))
		}
		*st = decision.State
	}

	snap := st.Snapshot(dev, at)

	s.mu.Lock()
	s.latest[dev.Key] = snap
	s.mu.Unlock()

	if err := s.publisher.Publish(snap); err != nil {
		s.logger.Debug("Snapshot not delivered",
			zap.String("device", dev.Key),
			zap.Error(err))
	}
	return nil
}

// Reload replaces the device list. It takes effect at the next cycle boundary.
func (s *Scheduler) Reload(devices []types.DeviceConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = devices
	s.reload = true
}

func (s *Scheduler) applyReload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reload {
		return
	}
	s.logger.Info("Device list reloaded",
		zap.Int("previous", len(s.devices)),
		zap.Int("current", len(s.pending)))
	current := make(map[string]bool, len(s.devices))
	for _, dev := range s.devices {
		current[dev.Key] = true
	}
	keep := make(map[string]bool, len(s.pending))
	for _, dev := range s.pending {
		keep[dev.Key] = true
		if !current[dev.Key] {
			s.unseeded[dev.Key] = true
		}
	}
	// a device that comes back later must baseline again
	for key := range current {
		if !keep[key] {
			s.states.Delete(key)
			delete(s.unseeded, key)
			delete(s.latest, key)
		}
	}
	s.devices = s.pending
	s.pending = nil
	s.reload = false
}

// Devices returns the device list of the current cycle.
func (s *Scheduler) Devices() []types.DeviceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.devices)
}

func (s *Scheduler) Device(key string) (types.DeviceConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, dev := range s.devices {
		if dev.Key == key {
			return dev, true
		}
	}
	return types.DeviceConfig{}, false
}

// Latest returns the most recent snapshot published for key.
func (s *Scheduler) Latest(key string) (types.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.latest[key]
	return snap, ok
}

// Snapshots returns the latest snapshot of every device, ordered by key.
func (s *Scheduler) Snapshots() []types.Snapshot {
	s.mu.RLock()
	out := make([]types.Snapshot, 0, len(s.latest))
	for _, snap := range s.latest {
		out = append(out, snap)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b types.Snapshot) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out
}
