// Package discovery enumerates tracked owners and enqueues items that are
// not yet known to the pipeline.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/clipvault/internal/media"
	"github.com/JakeFAU/clipvault/internal/metrics"
	"github.com/JakeFAU/clipvault/internal/store"
)

// LeaseName is the lock serializing discovery runs fleet-wide.
const LeaseName = "discovery"

// Store is the slice of the coordination store discovery reads and pushes to.
type Store interface {
	AcquireLease(ctx context.Context, name, token string, ttl time.Duration) (*store.Lease, error)
	TrackedOwners(ctx context.Context) ([]string, error)
	InOwnerSet(ctx context.Context, ownerID, itemID string) (bool, error)
	RecordExists(ctx context.Context, itemID string) (bool, error)
	IsQueued(ctx context.Context, stage media.Stage, itemID string) (bool, error)
	IsInFlight(ctx context.Context, stage media.Stage, itemID string) (bool, error)
	IsDeadLettered(ctx context.Context, stage media.Stage, itemID string) (bool, error)
	PushIfAbsent(ctx context.Context, stage media.Stage, item media.WorkItem) (bool, error)
}

// Limiter spaces out enumerations.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// IDGenerator mints lease tokens.
type IDGenerator interface {
	NewID() (string, error)
}

// Config controls a discovery run.
type Config struct {
	Owners   []string      `mapstructure:"owners"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
	Schedule string        `mapstructure:"schedule"`
}

// Report summarizes one run.
type Report struct {
	LeaseHeld  bool
	Owners     int
	Candidates int
	Enqueued   int
	Skipped    int
	Failed     int
}

// Discoverer runs discovery passes.
type Discoverer struct {
	store      Store
	enumerator media.Enumerator
	limiter    Limiter
	ids        IDGenerator
	clock      media.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Discoverer. A nil limiter disables politeness delays.
func New(st Store, enumerator media.Enumerator, limiter Limiter, ids IDGenerator, clock media.Clock, cfg Config, logger *zap.Logger) *Discoverer {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{
		store:      st,
		enumerator: enumerator,
		limiter:    limiter,
		ids:        ids,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run performs one discovery pass under the discovery lease. When another
// holder owns the lease the run is skipped and Report.LeaseHeld is set.
func (d *Discoverer) Run(ctx context.Context) (Report, error) {
	token, err := d.ids.NewID()
	if err != nil {
		return Report{}, fmt.Errorf("lease token: %w", err)
	}
	lease, err := d.store.AcquireLease(ctx, LeaseName, token, d.cfg.LeaseTTL)
	if errors.Is(err, store.ErrLockHeld) {
		d.logger.Info("discovery already running; skipping")
		return Report{LeaseHeld: true}, nil
	}
	if err != nil {
		return Report{}, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			d.logger.Warn("release discovery lease", zap.Error(err))
		}
	}()

	owners, err := d.owners(ctx)
	if err != nil {
		return Report{}, err
	}
	report := Report{Owners: len(owners)}
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := d.discoverOwner(ctx, owner, &report); err != nil {
			return report, err
		}
	}
	d.logger.Info("discovery finished",
		zap.Int("owners", report.Owners),
		zap.Int("candidates", report.Candidates),
		zap.Int("enqueued", report.Enqueued),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed_owners", report.Failed),
	)
	return report, nil
}

// owners returns the configured owners together with those tracked at
// runtime, sorted and de-duplicated.
func (d *Discoverer) owners(ctx context.Context) ([]string, error) {
	tracked, err := d.store.TrackedOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("tracked owners: %w", err)
	}
	seen := make(map[string]struct{})
	var out []string
	for _, owner := range append(append([]string(nil), d.cfg.Owners...), tracked...) {
		if owner == "" {
			continue
		}
		if _, ok := seen[owner]; ok {
			continue
		}
		seen[owner] = struct{}{}
		out = append(out, owner)
	}
	sort.Strings(out)
	return out, nil
}

// discoverOwner enumerates one owner. Enumeration failures are logged and
// counted; only store errors abort the run.
func (d *Discoverer) discoverOwner(ctx context.Context, owner string, report *Report) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, owner); err != nil {
			return err
		}
	}
	candidates, err := d.enumerator.Enumerate(ctx, owner)
	if err != nil {
		report.Failed++
		d.logger.Warn("enumerate owner failed", zap.String("owner_id", owner), zap.Error(err))
		return nil
	}

	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if c.ItemID == "" {
			continue
		}
		report.Candidates++
		if _, dup := seen[c.ItemID]; dup {
			report.Skipped++
			metrics.ObserveDiscovery("skipped")
			continue
		}
		seen[c.ItemID] = struct{}{}

		err := d.check(ctx, owner, c.ItemID)
		if errors.Is(err, media.ErrDuplicateCandidate) {
			report.Skipped++
			metrics.ObserveDiscovery("skipped")
			continue
		}
		if err != nil {
			return err
		}

		item := media.WorkItem{
			ItemID:        c.ItemID,
			OwnerID:       owner,
			SourceURL:     c.SourceURL,
			DiscoveryTime: d.clock.Now(),
		}
		pushed, err := d.store.PushIfAbsent(ctx, media.StageMetadata, item)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", c.ItemID, err)
		}
		if !pushed {
			report.Skipped++
			metrics.ObserveDiscovery("skipped")
			continue
		}
		report.Enqueued++
		metrics.ObserveDiscovery("enqueued")
		d.logger.Debug("candidate enqueued", zap.String("owner_id", owner), zap.String("item_id", c.ItemID))
	}
	return nil
}

// check returns media.ErrDuplicateCandidate when the item is already active,
// recorded, or queued, in flight or dead-lettered in any stage. Dead-lettered
// items come back only through an operator requeue.
func (d *Discoverer) check(ctx context.Context, owner, itemID string) error {
	active, err := d.store.InOwnerSet(ctx, owner, itemID)
	if err != nil {
		return err
	}
	if active {
		return media.ErrDuplicateCandidate
	}
	exists, err := d.store.RecordExists(ctx, itemID)
	if err != nil {
		return err
	}
	if exists {
		return media.ErrDuplicateCandidate
	}
	for _, stage := range []media.Stage{media.StageMetadata, media.StageDownload} {
		queued, err := d.store.IsQueued(ctx, stage, itemID)
		if err != nil {
			return err
		}
		inFlight, err := d.store.IsInFlight(ctx, stage, itemID)
		if err != nil {
			return err
		}
		dead, err := d.store.IsDeadLettered(ctx, stage, itemID)
		if err != nil {
			return err
		}
		if queued || inFlight || dead {
			return media.ErrDuplicateCandidate
		}
	}
	return nil
}
