package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ludash/controlplane/internal/livebus"
	"github.com/ludash/controlplane/internal/pkgmgr"
	"github.com/ludash/controlplane/internal/sshmgr"
	"github.com/ludash/controlplane/internal/store"
)

const maxHistoryOutput = 4000

// doCheck implements the check workflow: one compound facts
// probe, manager detection (once), then one check pass per active
// manager with its own history row.
func (o *Orchestrator) doCheck(ctx context.Context, host *store.Host) store.Status {
	sess, err := o.connect(ctx, host)
	if err != nil {
		o.markUnreachable(ctx, host, store.ActionCheck, err)
		return store.StatusFailed
	}
	defer sess.Close()

	factsResult, err := sess.Run(ctx, factsProbeCommand, o.cfg.CheckTimeout, "", nil)
	if err != nil {
		o.markUnreachable(ctx, host, store.ActionCheck, err)
		return store.StatusFailed
	}
	facts, hasSudo := parseSystemFacts(factsResult.Stdout)

	if len(host.DetectedManagers) == 0 {
		managers := o.detectManagers(ctx, sess)
		if err := o.store.SetDetectedManagers(ctx, host.ID, managers); err != nil {
			o.log.Error().Err(err).Int64("host_id", host.ID).Msg("persist detected managers")
		}
		host.DetectedManagers = managers
	}

	if err := o.store.MarkReachable(ctx, host.ID, facts); err != nil {
		o.log.Error().Err(err).Int64("host_id", host.ID).Msg("mark host reachable")
	}

	status := store.StatusSuccess
	anyTransportFailure := false

	for _, name := range host.ActiveManagers() {
		adapter := o.registry.Get(name)
		if adapter == nil {
			continue
		}

		managerStatus := o.checkOneManager(ctx, sess, host, adapter, hasSudo)
		switch managerStatus {
		case store.StatusFailed:
			anyTransportFailure = true
		case store.StatusWarning:
			if status == store.StatusSuccess {
				status = store.StatusWarning
			}
		}
	}

	if anyTransportFailure {
		if err := o.store.MarkUnreachable(ctx, host.ID); err != nil {
			o.log.Error().Err(err).Int64("host_id", host.ID).Msg("mark host unreachable")
		}
		return store.StatusFailed
	}
	return status
}

// checkOneManager runs one adapter's check commands and persists the
// result. A parse error downgrades to "no updates found" for this manager
// rather than aborting the check; a transport error
// aborts only this manager's row and is reported to the caller so it can
// decide whether to mark the host unreachable.
func (o *Orchestrator) checkOneManager(ctx context.Context, sess Session, host *store.Host, adapter pkgmgr.Adapter, hasSudo bool) store.Status {
	commands := adapter.CheckCommands()
	labels := adapter.StepLabels()

	o.bus.Publish(host.ID, livebus.Message{Kind: livebus.KindStarted, Command: strings.Join(commands, " && "), Manager: adapter.Name()})

	row := &store.HistoryRow{
		HostID:    host.ID,
		Action:    store.ActionCheck,
		Manager:   adapter.Name(),
		Status:    store.StatusStarted,
		Command:   o.sanitizer.Sanitize(strings.Join(commands, " && ")),
		StartedAt: time.Now().UTC(),
	}
	historyID, err := o.store.InsertHistory(ctx, row)
	if err != nil {
		o.log.Error().Err(err).Int64("host_id", host.ID).Msg("insert history row")
	}

	onData := func(chunk []byte, kind string) {
		o.bus.Publish(host.ID, livebus.Message{Kind: livebus.KindOutput, Data: o.sanitizer.Sanitize(string(chunk)), Stream: kind})
	}

	sudoPassword := o.resolveSudoPassword(ctx, host, hasSudo)

	var last *sshmgr.Result
	for i, cmd := range commands {
		if i < len(labels) && labels[i] != "" {
			o.bus.Publish(host.ID, livebus.Message{Kind: livebus.KindPhase, Label: labels[i]})
		}
		wrapped := sudoWrap(hasSudo, cmd)
		result, err := sess.Run(ctx, wrapped, o.cfg.CheckTimeout, sudoPassword, onData)
		if err != nil {
			o.completeHistory(ctx, historyID, store.StatusFailed, "", o.sanitizer.Sanitize(err.Error()), nil)
			o.bus.Publish(host.ID, livebus.Message{Kind: livebus.KindError, Message: o.sanitizer.Sanitize(err.Error())})
			return store.StatusFailed
		}
		last = result
	}

	updates, perr := adapter.Parse(last.Stdout, last.Stderr, last.ExitCode)
	status := store.StatusSuccess
	if perr != nil {
		o.log.Warn().Err(perr).Str("manager", adapter.Name()).Int64("host_id", host.ID).Msg("parse check output, downgrading to no updates found")
		o.bus.Publish(host.ID, livebus.Message{Kind: livebus.KindWarning, Message: fmt.Sprintf("%s: could not parse update list, treating as none found", adapter.Name())})
		updates = nil
		status = store.StatusWarning
	}

	cached := make([]store.CachedUpdate, 0, len(updates))
	names := make([]string, 0, len(updates))
	now := time.Now().UTC()
	for _, u := range updates {
		cached = append(cached, store.CachedUpdate{
			HostID:     host.ID,
			Manager:    adapter.Name(),
			Package:    u.Package,
			CurrentVer: u.CurrentVersion,
			NewVer:     u.NewVersion,
			Arch:       u.Architecture,
			Repository: u.Repository,
			IsSecurity: u.IsSecurity,
			CachedAt:   now,
		})
		names = append(names, u.Package)
	}
	if err := o.store.ReplaceUpdates(ctx, host.ID, adapter.Name(), cached); err != nil {
		o.log.Error().Err(err).Int64("host_id", host.ID).Str("manager", adapter.Name()).Msg("replace cached updates")
	}

	o.completeHistory(ctx, historyID, status, o.sanitizer.Sanitize(truncate(last.Stdout, maxHistoryOutput)), "", names)
	return status
}

// resolveSudoPassword decrypts the host's sudo password token when sudo
// is present; returns "" when it isn't, so Run never writes stdin for
// commands that don't need it.
func (o *Orchestrator) resolveSudoPassword(ctx context.Context, host *store.Host, hasSudo bool) string {
	if !hasSudo || host.EncSudoPassword == "" {
		return ""
	}
	plain, err := o.vault.Decrypt(host.EncSudoPassword)
	if err != nil {
		o.log.Error().Err(err).Int64("host_id", host.ID).Msg("decrypt sudo password")
		return ""
	}
	return string(plain)
}

func (o *Orchestrator) completeHistory(ctx context.Context, historyID int64, status store.Status, output, errStr string, packages []string) {
	if historyID == 0 {
		return
	}
	if err := o.store.CompleteHistory(ctx, historyID, status, output, errStr, packages); err != nil {
		o.log.Error().Err(err).Int64("history_id", historyID).Msg("complete history row")
	}
}

func (o *Orchestrator) markUnreachable(ctx context.Context, host *store.Host, action store.Action, cause error) {
	if err := o.store.MarkUnreachable(ctx, host.ID); err != nil {
		o.log.Error().Err(err).Int64("host_id", host.ID).Msg("mark host unreachable")
	}
	row := &store.HistoryRow{
		HostID:    host.ID,
		Action:    action,
		Status:    store.StatusFailed,
		Error:     o.sanitizer.Sanitize(cause.Error()),
		StartedAt: time.Now().UTC(),
	}
	id, err := o.store.InsertHistory(ctx, row)
	if err != nil {
		o.log.Error().Err(err).Int64("host_id", host.ID).Msg("insert failure history row")
		return
	}
	o.completeHistory(ctx, id, store.StatusFailed, "", o.sanitizer.Sanitize(cause.Error()), nil)
	o.bus.Publish(host.ID, livebus.Message{Kind: livebus.KindError, Message: o.sanitizer.Sanitize(cause.Error())})
}

// detectManagers runs every registered adapter's detect probe in
// registry order and applies the yum-suppressed-when-dnf-present rule.
func (o *Orchestrator) detectManagers(ctx context.Context, sess Session) []string {
	var present []string
	for _, name := range o.registry.DetectionOrder() {
		adapter := o.registry.Get(name)
		result, err := sess.Run(ctx, adapter.DetectCommand(), o.cfg.DetectTimeout, "", nil)
		if err != nil {
			continue
		}
		if result.ExitCode == 0 {
			present = append(present, name)
		}
	}
	return pkgmgr.Suppress(present)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
