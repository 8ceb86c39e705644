// Package scheduler runs the periodic stale-cache sweep: a single
// cooperative timer that fires checks across every stale host and hands
// the results to the notification digester.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ludash/controlplane/internal/store"
)

// Config controls the sweep cadence and staleness horizon.
type Config struct {
	StartupDelay time.Duration
	TickInterval time.Duration
	StaleHorizon time.Duration
}

// DefaultConfig: 30s after startup, every 15 min, cache considered stale
// after 12h.
func DefaultConfig() Config {
	return Config{
		StartupDelay: 30 * time.Second,
		TickInterval: 15 * time.Minute,
		StaleHorizon: 12 * time.Hour,
	}
}

// Checker is the subset of the orchestrator the scheduler drives. Concurrency
// across hosts is bounded by the connector's own semaphore (internal/sshmgr),
// not by anything here — mirrors orchestrator.CheckAll's pattern.
type Checker interface {
	Check(ctx context.Context, hostID int64) error
}

// Digester receives one batch per sweep tick.
type Digester interface {
	Digest(ctx context.Context, batch []CheckResult)
}

// CheckResult is one host's outcome from a sweep, handed to the
// notification digester.
type CheckResult struct {
	HostID              int64
	Name                string
	UpdateCount         int
	SecurityCount       int
	Packages            []string
	PreviouslyReachable bool
	NowUnreachable      bool
}

// Scheduler runs the sweep loop. It holds no cross-restart state of its
// own — StaleHostIDs is recomputed fresh every tick, so starting a second
// Scheduler against the same store picks up exactly where any prior
// instance left off.
type Scheduler struct {
	store    store.Store
	checker  Checker
	digester Digester
	cfg      Config
	log      zerolog.Logger

	wg sync.WaitGroup
}

func New(st store.Store, checker Checker, digester Digester, cfg Config, log zerolog.Logger) *Scheduler {
	return &Scheduler{store: st, checker: checker, digester: digester, cfg: cfg, log: log}
}

// Run blocks until ctx is cancelled, waiting cfg.StartupDelay before the
// first sweep and then firing every cfg.TickInterval, draining in-flight
// work with a WaitGroup before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("startup_delay", s.cfg.StartupDelay).Dur("interval", s.cfg.TickInterval).Msg("scheduler starting")

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(s.cfg.StartupDelay):
	}

	s.runSweep(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler shutting down, draining in-flight sweep")
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.runSweep(ctx)
		}
	}
}

// runSweep: stale ids, snapshot prior state, parallel per-host checks,
// batch handed to the digester.
func (s *Scheduler) runSweep(ctx context.Context) {
	start := time.Now()
	ids, err := s.store.StaleHostIDs(ctx, s.cfg.StaleHorizon)
	if err != nil {
		s.log.Error().Err(err).Msg("list stale hosts")
		return
	}
	if len(ids) == 0 {
		s.log.Debug().Msg("sweep: no stale hosts")
		return
	}

	type snapshot struct {
		name                string
		previouslyReachable bool
	}
	before := make(map[int64]snapshot, len(ids))
	for _, id := range ids {
		h, err := s.store.GetHost(ctx, id)
		if err != nil {
			s.log.Warn().Err(err).Int64("host_id", id).Msg("snapshot host before sweep check")
			continue
		}
		before[id] = snapshot{name: displayName(h), previouslyReachable: h.Reachability == store.Reachable}
	}

	var wg sync.WaitGroup
	results := make([]CheckResult, len(ids))
	for i, id := range ids {
		wg.Add(1)
		s.wg.Add(1)
		go func(i int, hostID int64) {
			defer wg.Done()
			defer s.wg.Done()
			if err := s.checker.Check(ctx, hostID); err != nil {
				s.log.Error().Err(err).Int64("host_id", hostID).Msg("sweep check failed")
			}
			results[i] = s.buildResult(ctx, hostID, before[hostID].name, before[hostID].previouslyReachable)
		}(i, id)
	}
	wg.Wait()

	s.log.Info().Int("hosts", len(ids)).Dur("elapsed", time.Since(start)).Msg("sweep complete")
	s.digester.Digest(ctx, results)
}

func (s *Scheduler) buildResult(ctx context.Context, hostID int64, name string, previouslyReachable bool) CheckResult {
	res := CheckResult{HostID: hostID, Name: name, PreviouslyReachable: previouslyReachable}

	host, err := s.store.GetHost(ctx, hostID)
	if err != nil {
		s.log.Warn().Err(err).Int64("host_id", hostID).Msg("reload host after sweep check")
		return res
	}
	res.NowUnreachable = host.Reachability == store.Unreachable
	if res.Name == "" {
		res.Name = displayName(host)
	}

	updates, err := s.store.ListUpdates(ctx, hostID)
	if err != nil {
		s.log.Warn().Err(err).Int64("host_id", hostID).Msg("list updates after sweep check")
		return res
	}
	res.UpdateCount = len(updates)
	res.Packages = make([]string, 0, len(updates))
	for _, u := range updates {
		if u.IsSecurity {
			res.SecurityCount++
		}
		res.Packages = append(res.Packages, u.Package)
	}
	return res
}

func displayName(h *store.Host) string {
	if h.DisplayName != "" {
		return h.DisplayName
	}
	return h.Hostname
}
