package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ludash/controlplane/internal/scheduler"
	"github.com/ludash/controlplane/internal/store"
)

// Digester implements scheduler.Digester: it turns a sweep batch into
// per-channel deliveries, deduping repeats of an unchanged update set and
// coalescing events for channels on a cron schedule until their next fire.
type Digester struct {
	store    store.Store
	channels *Channels
	log      zerolog.Logger

	// resolveProvider defaults to providerFor; tests substitute a fake to
	// exercise dedup/scoping/coalescing without a network round trip.
	resolveProvider func(name string) Provider
}

func NewDigester(st store.Store, channels *Channels, log zerolog.Logger) *Digester {
	return &Digester{store: st, channels: channels, log: log, resolveProvider: providerFor}
}

type hostEvent struct {
	scheduler.CheckResult
	fingerprint string
	unreachable bool
}

func (d *Digester) Digest(ctx context.Context, batch []scheduler.CheckResult) {
	events := d.relevantEvents(ctx, batch)
	if len(events) == 0 {
		return
	}

	channels, err := d.store.ListChannels(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("list channels for digest")
		return
	}

	now := time.Now()
	sent := make(map[int64]bool)
	for _, ch := range channels {
		if !ch.Enabled {
			continue
		}
		scoped := d.scopedEvents(ch, events)
		if len(scoped) == 0 {
			continue
		}

		if ch.Schedule.Immediate {
			if err := d.dispatch(ctx, ch, scoped); err != nil {
				d.log.Error().Err(err).Int64("channel_id", ch.ID).Msg("immediate dispatch failed")
				continue
			}
			for _, e := range scoped {
				sent[e.HostID] = true
			}
			continue
		}

		merged := mergePending(ch.Pending, scoped)
		due, err := isDue(ch, now)
		if err != nil {
			d.log.Error().Err(err).Int64("channel_id", ch.ID).Str("cron", ch.Schedule.Cron).Msg("parse channel cron")
			continue
		}
		if !due {
			if err := d.store.SetChannelPending(ctx, ch.ID, merged); err != nil {
				d.log.Error().Err(err).Int64("channel_id", ch.ID).Msg("buffer pending events")
			}
			continue
		}

		if err := d.dispatch(ctx, ch, pendingToResults(merged)); err != nil {
			d.log.Error().Err(err).Int64("channel_id", ch.ID).Msg("scheduled dispatch failed")
			continue
		}
		if err := d.store.SetChannelLastSent(ctx, ch.ID, now); err != nil {
			d.log.Error().Err(err).Int64("channel_id", ch.ID).Msg("record last sent")
		}
		if err := d.store.SetChannelPending(ctx, ch.ID, nil); err != nil {
			d.log.Error().Err(err).Int64("channel_id", ch.ID).Msg("clear pending events")
		}
		for _, e := range merged {
			sent[e.HostID] = true
		}
	}

	for _, e := range events {
		if !sent[e.HostID] {
			continue
		}
		if err := d.store.SetLastNotifiedFingerprint(ctx, e.HostID, e.fingerprint); err != nil {
			d.log.Error().Err(err).Int64("host_id", e.HostID).Msg("record notified fingerprint")
		}
	}
}

// relevantEvents drops no-op sweep results (no updates, no newly-unreachable
// host) and anything whose fingerprint matches what was last notified for
// that host.
func (d *Digester) relevantEvents(ctx context.Context, batch []scheduler.CheckResult) []hostEvent {
	var out []hostEvent
	for _, e := range batch {
		unreachableEdge := e.NowUnreachable && e.PreviouslyReachable
		if e.UpdateCount == 0 && !unreachableEdge {
			continue
		}
		fp := fingerprint(e.UpdateCount, e.SecurityCount, e.Packages)
		if unreachableEdge {
			fp = "unreachable:" + fp
		}
		host, err := d.store.GetHost(ctx, e.HostID)
		if err != nil {
			d.log.Warn().Err(err).Int64("host_id", e.HostID).Msg("load host for dedup check")
			continue
		}
		if host.LastNotifiedFingerprint == fp {
			continue
		}
		out = append(out, hostEvent{CheckResult: e, fingerprint: fp, unreachable: unreachableEdge})
	}
	return out
}

func (d *Digester) scopedEvents(ch *store.NotificationChannel, events []hostEvent) []scheduler.CheckResult {
	var out []scheduler.CheckResult
	for _, e := range events {
		if !ch.AppliesToHost(e.HostID) {
			continue
		}
		if e.unreachable {
			if !ch.NotifyOn.Unreachable {
				continue
			}
		} else if !ch.NotifyOn.Updates {
			continue
		}
		out = append(out, e.CheckResult)
	}
	return out
}

func (d *Digester) dispatch(ctx context.Context, ch *store.NotificationChannel, events []scheduler.CheckResult) error {
	provider := d.resolveProvider(ch.Provider)
	if provider == nil {
		return fmt.Errorf("unknown provider %q", ch.Provider)
	}
	cfg, err := d.channels.resolvedConfig(ch)
	if err != nil {
		return err
	}
	return provider.Send(ctx, cfg, buildPayload(events))
}

// isDue reports whether a cron-scheduled channel's next fire time has
// arrived. A channel that has never sent is treated as due immediately,
// per the convention that a nil LastSentAt behaves like the Unix epoch.
func isDue(ch *store.NotificationChannel, now time.Time) (bool, error) {
	sched, err := cron.ParseStandard(ch.Schedule.Cron)
	if err != nil {
		return false, fmt.Errorf("parse cron %q: %w", ch.Schedule.Cron, err)
	}
	last := time.Unix(0, 0)
	if ch.LastSentAt != nil {
		last = *ch.LastSentAt
	}
	return !sched.Next(last).After(now), nil
}

// mergePending coalesces newly observed events into a channel's buffered
// pending set, keeping the largest update/security counts seen per host.
func mergePending(existing []store.PendingEvent, fresh []scheduler.CheckResult) []store.PendingEvent {
	byHost := make(map[int64]store.PendingEvent, len(existing)+len(fresh))
	for _, p := range existing {
		byHost[p.HostID] = p
	}
	for _, e := range fresh {
		cur, ok := byHost[e.HostID]
		if !ok {
			byHost[e.HostID] = store.PendingEvent{
				HostID:         e.HostID,
				HostName:       e.Name,
				UpdateCount:    e.UpdateCount,
				SecurityCount:  e.SecurityCount,
				NowUnreachable: e.NowUnreachable,
			}
			continue
		}
		if e.UpdateCount > cur.UpdateCount {
			cur.UpdateCount = e.UpdateCount
		}
		if e.SecurityCount > cur.SecurityCount {
			cur.SecurityCount = e.SecurityCount
		}
		cur.NowUnreachable = cur.NowUnreachable || e.NowUnreachable
		cur.HostName = e.Name
		byHost[e.HostID] = cur
	}
	out := make([]store.PendingEvent, 0, len(byHost))
	for _, p := range byHost {
		out = append(out, p)
	}
	return out
}

func pendingToResults(pending []store.PendingEvent) []scheduler.CheckResult {
	out := make([]scheduler.CheckResult, 0, len(pending))
	for _, p := range pending {
		out = append(out, scheduler.CheckResult{
			HostID:         p.HostID,
			Name:           p.HostName,
			UpdateCount:    p.UpdateCount,
			SecurityCount:  p.SecurityCount,
			NowUnreachable: p.NowUnreachable,
		})
	}
	return out
}
