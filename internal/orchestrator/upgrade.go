package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ludash/controlplane/internal/livebus"
	"github.com/ludash/controlplane/internal/orcherr"
	"github.com/ludash/controlplane/internal/persistcmd"
	"github.com/ludash/controlplane/internal/pkgmgr"
	"github.com/ludash/controlplane/internal/store"
)

// managerPlan is one manager's share of an upgrade operation: the adapter,
// its upgrade command, and how many updates were cached for it before the
// attempt (the "pre-count" the FILES_GONE inference below compares
// against).
type managerPlan struct {
	adapter  pkgmgr.Adapter
	command  string
	preCount int
}

// doUpgrade implements upgradeAll/fullUpgradeAll: one managerPlan per
// manager with cached updates (falling back to the host's primary
// manager when the cache is empty), run in sequence, aborting remaining
// managers as soon as a reconnection occurs.
func (o *Orchestrator) doUpgrade(ctx context.Context, host *store.Host, action store.Action, commandFor func(pkgmgr.Adapter) string) store.Status {
	plans, err := o.planManagers(ctx, host, commandFor)
	if err != nil {
		o.markUnreachable(ctx, host, action, err)
		return store.StatusFailed
	}
	if len(plans) == 0 {
		return store.StatusSuccess
	}

	timeout := o.cfg.BulkUpgradeTimeout
	return o.runUpgradePlans(ctx, host, action, plans, timeout)
}

// doUpgradeOne upgrades a single package, resolving its manager from the
// cache (falling back to the host's primary manager when the package
// isn't currently cached).
func (o *Orchestrator) doUpgradeOne(ctx context.Context, host *store.Host, pkg string) store.Status {
	manager := host.PrimaryManager
	if updates, err := o.store.ListUpdates(ctx, host.ID); err == nil {
		for _, u := range updates {
			if u.Package == pkg {
				manager = u.Manager
				break
			}
		}
	}

	adapter := o.registry.Get(manager)
	if adapter == nil {
		o.markUnreachable(ctx, host, store.ActionUpgradePackage, fmt.Errorf("unknown manager %q for package %q", manager, pkg))
		return store.StatusFailed
	}
	plans := []managerPlan{{adapter: adapter, command: adapter.UpgradeOneCommand(pkg), preCount: 1}}
	return o.runUpgradePlans(ctx, host, store.ActionUpgradePackage, plans, o.cfg.SinglePackageTimeout)
}

func (o *Orchestrator) planManagers(ctx context.Context, host *store.Host, commandFor func(pkgmgr.Adapter) string) ([]managerPlan, error) {
	updates, err := o.store.ListUpdates(ctx, host.ID)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, u := range updates {
		counts[u.Manager]++
	}

	managers := make([]string, 0, len(counts))
	for m := range counts {
		managers = append(managers, m)
	}
	if len(managers) == 0 && host.PrimaryManager != "" {
		managers = []string{host.PrimaryManager}
	}

	var plans []managerPlan
	for _, name := range managers {
		adapter := o.registry.Get(name)
		if adapter == nil {
			continue
		}
		cmd := commandFor(adapter)
		if cmd == "" {
			o.log.Info().Str("manager", name).Int64("host_id", host.ID).Msg("manager does not support this upgrade variant, skipping")
			continue
		}
		plans = append(plans, managerPlan{adapter: adapter, command: cmd, preCount: counts[name]})
	}
	return plans, nil
}

// runUpgradePlans executes each plan's upgrade command through the
// persistent-command engine, handling reconnection after MONITORING_LOST
// and FILES_GONE inference, then — unless reconnection already re-checked
// — refreshes the cache with a follow-up check before returning.
func (o *Orchestrator) runUpgradePlans(ctx context.Context, host *store.Host, action store.Action, plans []managerPlan, timeout time.Duration) store.Status {
	sess, err := o.connect(ctx, host)
	if err != nil {
		o.markUnreachable(ctx, host, action, err)
		return store.StatusFailed
	}
	defer func() {
		if sess != nil {
			sess.Close()
		}
	}()

	factsResult, err := sess.Run(ctx, factsProbeCommand, o.cfg.CheckTimeout, "", nil)
	hasSudo := false
	if err == nil {
		_, hasSudo = parseSystemFacts(factsResult.Stdout)
	}
	sudoPassword := o.resolveSudoPassword(ctx, host, hasSudo)

	overall := store.StatusSuccess
	reconnectionRan := false

	for _, plan := range plans {
		result, newSess, ranRecheck, status := o.runOneManagerUpgrade(ctx, host, action, sess, hasSudo, sudoPassword, plan)
		sess = newSess
		if status == store.StatusFailed {
			return store.StatusFailed
		}
		if status == store.StatusWarning && overall == store.StatusSuccess {
			overall = store.StatusWarning
		}
		if ranRecheck {
			reconnectionRan = true
		}
		_ = result
		if ranRecheck {
			// Reconnection aborts further per-manager iterations.
			break
		}
	}

	if !reconnectionRan && sess != nil {
		for _, plan := range plans {
			o.checkOneManager(ctx, sess, host, plan.adapter, hasSudo)
		}
	}

	return overall
}

// runOneManagerUpgrade runs one manager's upgrade command to completion,
// including reconnection if monitoring is lost. It returns the (possibly
// replaced) session for the caller to reuse on the next plan, and whether
// a reconnection occurred (which both aborts remaining plans and means
// the cache was already refreshed as part of FILES_GONE inference).
func (o *Orchestrator) runOneManagerUpgrade(ctx context.Context, host *store.Host, action store.Action, sess Session, hasSudo bool, sudoPassword string, plan managerPlan) (result *persistcmd.Result, outSess Session, ranRecheck bool, status store.Status) {
	row := &store.HistoryRow{
		HostID:    host.ID,
		Action:    action,
		Manager:   plan.adapter.Name(),
		Status:    store.StatusStarted,
		Command:   o.sanitizer.Sanitize(plan.command),
		StartedAt: time.Now().UTC(),
	}
	historyID, err := o.store.InsertHistory(ctx, row)
	if err != nil {
		o.log.Error().Err(err).Int64("host_id", host.ID).Msg("insert history row")
	}
	o.bus.Publish(host.ID, livebus.Message{Kind: livebus.KindStarted, Command: plan.command, Manager: plan.adapter.Name()})

	onData := func(chunk []byte, kind string) {
		o.bus.Publish(host.ID, livebus.Message{Kind: livebus.KindOutput, Data: o.sanitizer.Sanitize(string(chunk)), Stream: kind})
	}

	wrapped := sudoWrap(hasSudo, plan.command)
	handle, err := persistcmd.Launch(ctx, sess, wrapped, o.cfg.LaunchTimeout, sudoPassword)
	if err != nil {
		o.completeHistory(ctx, historyID, store.StatusFailed, "", o.sanitizer.Sanitize(err.Error()), nil)
		o.bus.Publish(host.ID, livebus.Message{Kind: livebus.KindError, Message: o.sanitizer.Sanitize(err.Error())})
		return nil, sess, false, store.StatusFailed
	}

	res, err := persistcmd.Monitor(ctx, sess, handle, onData)
	if err != nil {
		o.completeHistory(ctx, historyID, store.StatusFailed, "", o.sanitizer.Sanitize(err.Error()), nil)
		return nil, sess, false, store.StatusFailed
	}

	if res.Outcome != persistcmd.OutcomeMonitoringLost {
		return o.finishManagerUpgrade(ctx, host, historyID, plan, res), sess, false, statusFromExit(res.ExitCode)
	}

	sess.Close()
	newSess, recovered := o.reconnectAndResume(ctx, host, handle, onData)
	if !recovered {
		o.markUnreachable(ctx, host, action, fmt.Errorf("reconnection window exhausted for host %d", host.ID))
		o.completeHistory(ctx, historyID, store.StatusFailed, "", "reconnection window exhausted", nil)
		return nil, nil, true, store.StatusFailed
	}

	if newSess.result.Outcome == persistcmd.OutcomeFilesGone {
		warnStatus := o.inferFilesGoneOutcome(ctx, newSess.sess, host, plan, historyID, hasSudo)
		return nil, newSess.sess, true, warnStatus
	}

	st := o.finishManagerUpgrade(ctx, host, historyID, plan, newSess.result)
	return st, newSess.sess, true, statusFromExit(newSess.result.ExitCode)
}

func (o *Orchestrator) finishManagerUpgrade(ctx context.Context, host *store.Host, historyID int64, plan managerPlan, res *persistcmd.Result) *persistcmd.Result {
	status := statusFromExit(res.ExitCode)
	errStr := ""
	if status == store.StatusFailed {
		errStr = fmt.Sprintf("%s: upgrade exited %d", plan.adapter.Name(), res.ExitCode)
	}
	o.completeHistory(ctx, historyID, status, fmt.Sprintf("exit code %d", res.ExitCode), errStr, nil)
	return res
}

func statusFromExit(code int) store.Status {
	if code == 0 {
		return store.StatusSuccess
	}
	return store.StatusFailed
}

// resumeOutcome bundles a reconnected session with the resume result it
// produced, since both outlive the reconnect loop that found them.
type resumeOutcome struct {
	sess   Session
	result *persistcmd.Result
}

// reconnectAndResume implements the reconnection protocol: open a
// fresh session every ReconnectInterval for up to ReconnectWindow, calling
// Resume on each attempt. The first attempt that yields a terminal Result
// (Exited or FilesGone) wins; a still-MonitoringLost resume keeps the
// session open only long enough to retry.
func (o *Orchestrator) reconnectAndResume(ctx context.Context, host *store.Host, handle *persistcmd.Handle, onData func([]byte, string)) (*resumeOutcome, bool) {
	deadline := time.Now().Add(o.cfg.ReconnectWindow)
	ticker := time.NewTicker(o.cfg.ReconnectInterval)
	defer ticker.Stop()

	for {
		if time.Now().After(deadline) {
			return nil, false
		}

		o.metrics.IncReconnectAttempt()
		sess, err := o.connect(ctx, host)
		if err == nil {
			res, rerr := persistcmd.Resume(ctx, sess, handle, onData)
			if rerr == nil && res.Outcome != persistcmd.OutcomeMonitoringLost {
				return &resumeOutcome{sess: sess, result: res}, true
			}
			sess.Close()
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}

// inferFilesGoneOutcome implements the FILES_GONE success inference of
// a fresh check (retried while the host is still settling
// reachability) compares post-upgrade count to the cached pre-upgrade
// count for this manager. post < pre is treated as success-with-warning;
// otherwise failure. As documented in DESIGN.md, this can misclassify a
// partial upgrade as success — that is the source system's deliberate
// (flagged) behavior, not a bug introduced here.
func (o *Orchestrator) inferFilesGoneOutcome(ctx context.Context, sess Session, host *store.Host, plan managerPlan, historyID int64, hasSudo bool) store.Status {
	var postCount int
	var ok bool
	for attempt := 0; attempt < o.cfg.FilesGoneRecheckRetries; attempt++ {
		if sess == nil {
			var err error
			sess, err = o.connect(ctx, host)
			if err != nil {
				time.Sleep(o.cfg.FilesGoneRecheckInterval)
				continue
			}
		}
		o.checkOneManager(ctx, sess, host, plan.adapter, hasSudo)
		updates, err := o.store.ListUpdates(ctx, host.ID)
		if err == nil {
			postCount = 0
			for _, u := range updates {
				if u.Manager == plan.adapter.Name() {
					postCount++
				}
			}
			ok = true
			break
		}
		time.Sleep(o.cfg.FilesGoneRecheckInterval)
	}
	if sess != nil {
		defer sess.Close()
	}

	if !ok {
		o.completeHistory(ctx, historyID, store.StatusFailed, "", "post-upgrade recheck never succeeded", nil)
		return store.StatusFailed
	}
	if postCount < plan.preCount {
		o.completeHistory(ctx, historyID, store.StatusWarning, fmt.Sprintf("files gone after reconnect; updates %d -> %d", plan.preCount, postCount), "", nil)
		o.bus.Publish(host.ID, livebus.Message{Kind: livebus.KindWarning, Message: "connection lost mid-upgrade; inferred success from reduced update count after reboot"})
		return store.StatusWarning
	}
	o.completeHistory(ctx, historyID, store.StatusFailed, fmt.Sprintf("files gone after reconnect; updates unchanged (%d -> %d)", plan.preCount, postCount), "files gone and update count did not decrease", nil)
	return store.StatusFailed
}

// doReboot runs the reboot workflow: connection-reset/closed
// errors after issuing the reboot are treated as success, since that is
// exactly what a host going down for reboot looks like from here.
func (o *Orchestrator) doReboot(ctx context.Context, host *store.Host) store.Status {
	sess, err := o.connect(ctx, host)
	if err != nil {
		o.markUnreachable(ctx, host, store.ActionReboot, err)
		return store.StatusFailed
	}
	defer sess.Close()

	factsResult, ferr := sess.Run(ctx, factsProbeCommand, o.cfg.CheckTimeout, "", nil)
	hasSudo := false
	if ferr == nil {
		_, hasSudo = parseSystemFacts(factsResult.Stdout)
	}
	sudoPassword := o.resolveSudoPassword(ctx, host, hasSudo)

	row := &store.HistoryRow{HostID: host.ID, Action: store.ActionReboot, Status: store.StatusStarted, Command: "sudo reboot", StartedAt: time.Now().UTC()}
	historyID, _ := o.store.InsertHistory(ctx, row)
	o.bus.Publish(host.ID, livebus.Message{Kind: livebus.KindStarted, Command: "sudo reboot"})

	_, err = sess.Run(ctx, sudoWrap(hasSudo, "reboot"), o.cfg.RebootTimeout, sudoPassword, nil)
	// A reboot that actually took effect usually tears down the SSH
	// session before a clean Result comes back; any transport-kind error
	// here is the expected shape of success, not a failure.
	if err != nil && orcherr.KindOf(err) != orcherr.Transport && orcherr.KindOf(err) != orcherr.Timeout {
		o.completeHistory(ctx, historyID, store.StatusFailed, "", o.sanitizer.Sanitize(err.Error()), nil)
		return store.StatusFailed
	}

	if merr := o.store.MarkUnreachable(ctx, host.ID); merr != nil {
		o.log.Error().Err(merr).Int64("host_id", host.ID).Msg("mark host unreachable after reboot")
	}
	o.completeHistory(ctx, historyID, store.StatusSuccess, "reboot issued", "", nil)
	return store.StatusSuccess
}
