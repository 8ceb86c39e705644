// Package storetest provides an in-memory store.Store for exercising the
// orchestrator, scheduler, and notify digester without a database.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ludash/controlplane/internal/store"
	"github.com/ludash/controlplane/internal/vault"
)

// Fake is a goroutine-safe, in-memory implementation of store.Store.
type Fake struct {
	mu sync.Mutex

	nextHostID    int64
	nextHistoryID int64
	nextChannelID int64

	hosts    map[int64]*store.Host
	updates  map[int64][]store.CachedUpdate // keyed by hostID
	history  map[int64]*store.HistoryRow    // keyed by history id
	channels map[int64]*store.NotificationChannel
}

// New returns an empty Fake store.
func New() *Fake {
	return &Fake{
		hosts:    make(map[int64]*store.Host),
		updates:  make(map[int64][]store.CachedUpdate),
		history:  make(map[int64]*store.HistoryRow),
		channels: make(map[int64]*store.NotificationChannel),
	}
}

func (f *Fake) CreateHost(_ context.Context, h *store.Host) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextHostID++
	id := f.nextHostID
	cp := *h
	cp.ID = id
	cp.Reachability = store.Unknown
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	f.hosts[id] = &cp
	return id, nil
}

func (f *Fake) UpdateHost(_ context.Context, h *store.Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.hosts[h.ID]
	if !ok {
		return fmt.Errorf("storetest: host %d not found", h.ID)
	}
	cp := *h
	cp.Reachability = existing.Reachability
	cp.LastSeenAt = existing.LastSeenAt
	cp.Facts = existing.Facts
	cp.DetectedManagers = existing.DetectedManagers
	cp.PrimaryManager = existing.PrimaryManager
	cp.LastNotifiedFingerprint = existing.LastNotifiedFingerprint
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	f.hosts[h.ID] = &cp
	return nil
}

func (f *Fake) DeleteHost(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hosts, id)
	delete(f.updates, id)
	for hid, row := range f.history {
		if row.HostID == id {
			delete(f.history, hid)
		}
	}
	return nil
}

func (f *Fake) GetHost(_ context.Context, id int64) (*store.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[id]
	if !ok {
		return nil, fmt.Errorf("storetest: host %d not found", id)
	}
	cp := *h
	return &cp, nil
}

func (f *Fake) ListHosts(_ context.Context) ([]*store.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.Host, 0, len(f.hosts))
	for _, h := range f.hosts {
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

func (f *Fake) MarkReachable(_ context.Context, id int64, facts *store.SystemFacts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[id]
	if !ok {
		return fmt.Errorf("storetest: host %d not found", id)
	}
	h.Reachability = store.Reachable
	now := time.Now()
	h.LastSeenAt = &now
	h.Facts = facts
	h.UpdatedAt = now
	return nil
}

func (f *Fake) MarkUnreachable(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[id]
	if !ok {
		return fmt.Errorf("storetest: host %d not found", id)
	}
	h.Reachability = store.Unreachable
	h.UpdatedAt = time.Now()
	return nil
}

func (f *Fake) SetDetectedManagers(_ context.Context, id int64, managers []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[id]
	if !ok {
		return fmt.Errorf("storetest: host %d not found", id)
	}
	h.DetectedManagers = managers
	if h.PrimaryManager == "" && len(managers) > 0 {
		h.PrimaryManager = managers[0]
	}
	h.UpdatedAt = time.Now()
	return nil
}

func (f *Fake) SetLastNotifiedFingerprint(_ context.Context, id int64, fp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[id]
	if !ok {
		return fmt.Errorf("storetest: host %d not found", id)
	}
	h.LastNotifiedFingerprint = fp
	return nil
}

func (f *Fake) ReplaceUpdates(_ context.Context, hostID int64, manager string, updates []store.CachedUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.updates[hostID][:0:0]
	for _, u := range f.updates[hostID] {
		if u.Manager != manager {
			kept = append(kept, u)
		}
	}
	now := time.Now()
	for _, u := range updates {
		u.HostID = hostID
		u.Manager = manager
		u.CachedAt = now
		kept = append(kept, u)
	}
	f.updates[hostID] = kept
	return nil
}

func (f *Fake) ListUpdates(_ context.Context, hostID int64) ([]store.CachedUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]store.CachedUpdate(nil), f.updates[hostID]...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Manager != out[j].Manager {
			return out[i].Manager < out[j].Manager
		}
		return out[i].Package < out[j].Package
	})
	return out, nil
}

func (f *Fake) InsertHistory(_ context.Context, row *store.HistoryRow) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextHistoryID++
	id := f.nextHistoryID
	cp := *row
	cp.ID = id
	cp.Status = store.StatusStarted
	cp.StartedAt = time.Now()
	f.history[id] = &cp
	return id, nil
}

func (f *Fake) CompleteHistory(_ context.Context, id int64, status store.Status, output, errStr string, packages []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.history[id]
	if !ok {
		return fmt.Errorf("storetest: history row %d not found", id)
	}
	row.Status = status
	row.Output = output
	row.Error = errStr
	row.Packages = packages
	row.PackageCnt = len(packages)
	now := time.Now()
	row.CompletedAt = &now
	return nil
}

func (f *Fake) ListHistory(_ context.Context, hostID int64, limit int) ([]store.HistoryRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.HistoryRow
	for _, row := range f.history {
		if row.HostID == hostID {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) FailAllStarted(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	now := time.Now()
	for _, row := range f.history {
		if row.Status == store.StatusStarted {
			row.Status = store.StatusFailed
			row.Error = "server restarted"
			row.CompletedAt = &now
			n++
		}
	}
	return n, nil
}

func (f *Fake) StaleHostIDs(_ context.Context, horizon time.Duration) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-horizon)
	var ids []int64
	for id := range f.hosts {
		newest := time.Time{}
		for _, u := range f.updates[id] {
			if u.CachedAt.After(newest) {
				newest = u.CachedAt
			}
		}
		if newest.IsZero() || newest.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *Fake) CreateChannel(_ context.Context, c *store.NotificationChannel) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextChannelID++
	id := f.nextChannelID
	cp := *c
	cp.ID = id
	f.channels[id] = &cp
	return id, nil
}

func (f *Fake) UpdateChannel(_ context.Context, c *store.NotificationChannel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.channels[c.ID]
	if !ok {
		return fmt.Errorf("storetest: channel %d not found", c.ID)
	}
	cp := *c
	cp.Pending = existing.Pending
	cp.LastSentAt = existing.LastSentAt
	f.channels[c.ID] = &cp
	return nil
}

func (f *Fake) DeleteChannel(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, id)
	return nil
}

func (f *Fake) GetChannel(_ context.Context, id int64) (*store.NotificationChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.channels[id]
	if !ok {
		return nil, fmt.Errorf("storetest: channel %d not found", id)
	}
	cp := *c
	return &cp, nil
}

func (f *Fake) ListChannels(_ context.Context) ([]*store.NotificationChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.NotificationChannel, 0, len(f.channels))
	for _, c := range f.channels {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) SetChannelPending(_ context.Context, id int64, pending []store.PendingEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.channels[id]
	if !ok {
		return fmt.Errorf("storetest: channel %d not found", id)
	}
	c.Pending = pending
	return nil
}

func (f *Fake) SetChannelLastSent(_ context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.channels[id]
	if !ok {
		return fmt.Errorf("storetest: channel %d not found", id)
	}
	c.LastSentAt = &at
	return nil
}

// MigrateLegacySecrets is a no-op: the fake never persists tokens sealed
// under a legacy salt, so there's nothing to re-encrypt.
func (f *Fake) MigrateLegacySecrets(_ context.Context, _ string, _ *vault.Vault) (int, int, error) {
	return 0, 0, nil
}

func (f *Fake) Close() {}

var _ store.Store = (*Fake)(nil)
