// Package orchestrator implements the host operations:
// check, upgradeAll, fullUpgradeAll, upgradeOne, reboot, checkAll. Every
// operation acquires a per-host lock, resets the host's live bus, runs
// over one SSH connection (reconnecting as needed), persists its outcome,
// and releases the lock and ActiveOperation marker — even on panic.
package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ludash/controlplane/internal/livebus"
	"github.com/ludash/controlplane/internal/orcherr"
	"github.com/ludash/controlplane/internal/orchestrator/keyedmutex"
	"github.com/ludash/controlplane/internal/pkgmgr"
	"github.com/ludash/controlplane/internal/sanitize"
	"github.com/ludash/controlplane/internal/sshmgr"
	"github.com/ludash/controlplane/internal/store"
	"github.com/ludash/controlplane/internal/vault"
)

// Orchestrator wires the store, connection layer, package-manager
// registry, live bus, and sanitizer into the host workflows.
type Orchestrator struct {
	store     store.Store
	conn      Connector
	vault     *vault.Vault
	bus       *livebus.Bus
	registry  *pkgmgr.Registry
	sanitizer *sanitize.Sanitizer
	locks     *keyedmutex.Map
	cfg       Config
	log       zerolog.Logger
	metrics   Metrics

	mu     sync.Mutex
	active map[int64]*ActiveOperation
}

// New builds an Orchestrator. conn is typically orchestrator.NewManagerConnector(sshMgr).
func New(st store.Store, conn Connector, v *vault.Vault, bus *livebus.Bus, reg *pkgmgr.Registry, cfg Config, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		conn:      conn,
		vault:     v,
		bus:       bus,
		registry:  reg,
		sanitizer: sanitize.New(),
		locks:     keyedmutex.New(),
		cfg:       cfg,
		log:       log,
		metrics:   noopMetrics{},
		active:    make(map[int64]*ActiveOperation),
	}
}

// ActiveOperation returns the in-flight operation on hostID, or nil if idle.
func (o *Orchestrator) ActiveOperation(hostID int64) *ActiveOperation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[hostID]
}

func (o *Orchestrator) setActive(hostID int64, action string) {
	o.mu.Lock()
	o.active[hostID] = &ActiveOperation{Action: action, StartedAt: time.Now().UTC()}
	o.mu.Unlock()
}

func (o *Orchestrator) clearActive(hostID int64) {
	o.mu.Lock()
	delete(o.active, hostID)
	o.mu.Unlock()
}

// workflow is the shape of one host operation body: it receives the
// locked, fresh-loaded host and returns the terminal status to log and to
// report via the bus's `done` message.
type workflow func(ctx context.Context, host *store.Host) store.Status

// run is the shared envelope every public operation passes through: lock,
// reset, ActiveOperation, panic-safety, done.
func (o *Orchestrator) run(ctx context.Context, hostID int64, action store.Action, wf workflow) (err error) {
	key := strconv.FormatInt(hostID, 10)
	release, err := o.locks.Lock(ctx, key)
	if err != nil {
		return orcherr.New(orcherr.Timeout, fmt.Errorf("acquire lock for host %d: %w", hostID, err))
	}
	defer release()

	host, err := o.store.GetHost(ctx, hostID)
	if err != nil {
		return orcherr.New(orcherr.NotFound, fmt.Errorf("host %d: %w", hostID, err))
	}

	o.bus.Reset(hostID)
	o.setActive(hostID, string(action))
	defer o.clearActive(hostID)

	status := store.StatusFailed
	func() {
		defer func() {
			if r := recover(); r != nil {
				o.log.Error().Interface("panic", r).Int64("host_id", hostID).Str("action", string(action)).Msg("orchestrator workflow panicked")
				status = store.StatusFailed
			}
		}()
		status = wf(ctx, host)
	}()

	o.bus.Publish(hostID, livebus.Message{Kind: livebus.KindDone, Success: status == store.StatusSuccess || status == store.StatusWarning})
	if action == store.ActionCheck {
		o.metrics.ObserveCheck(string(status))
	} else {
		o.metrics.ObserveUpgrade(string(action), string(status))
	}
	return nil
}

// Check runs the check workflow on hostID.
func (o *Orchestrator) Check(ctx context.Context, hostID int64) error {
	return o.run(ctx, hostID, store.ActionCheck, o.doCheck)
}

// UpgradeAll runs `upgradeAllCommand` across every cached-update manager.
func (o *Orchestrator) UpgradeAll(ctx context.Context, hostID int64) error {
	return o.run(ctx, hostID, store.ActionUpgradeAll, func(ctx context.Context, host *store.Host) store.Status {
		return o.doUpgrade(ctx, host, store.ActionUpgradeAll, func(a pkgmgr.Adapter) string { return a.UpgradeAllCommand() })
	})
}

// FullUpgradeAll runs `fullUpgradeAllCommand`, skipping managers that
// don't support it.
func (o *Orchestrator) FullUpgradeAll(ctx context.Context, hostID int64) error {
	return o.run(ctx, hostID, store.ActionFullUpgradeAll, func(ctx context.Context, host *store.Host) store.Status {
		return o.doUpgrade(ctx, host, store.ActionFullUpgradeAll, func(a pkgmgr.Adapter) string { return a.FullUpgradeAllCommand() })
	})
}

// UpgradeOne upgrades a single named package, looking up which manager
// cached it (falling back to the host's primary manager).
func (o *Orchestrator) UpgradeOne(ctx context.Context, hostID int64, pkg string) error {
	if !pkgmgr.ValidatePackageName(pkg) {
		return orcherr.New(orcherr.ValidationErr, fmt.Errorf("invalid package name %q", pkg))
	}
	return o.run(ctx, hostID, store.ActionUpgradePackage, func(ctx context.Context, host *store.Host) store.Status {
		return o.doUpgradeOne(ctx, host, pkg)
	})
}

// Reboot issues `sudo reboot` and treats the resulting disconnect as success.
func (o *Orchestrator) Reboot(ctx context.Context, hostID int64) error {
	return o.run(ctx, hostID, store.ActionReboot, o.doReboot)
}

// CheckAll runs Check over every host, independently and without a shared
// deadline; failures for one host never prevent the rest from running.
// Concurrency across hosts is bounded by the connector's own semaphore
// (the scheduler's stale sweep uses the same pattern).
func (o *Orchestrator) CheckAll(ctx context.Context) []error {
	hosts, err := o.store.ListHosts(ctx)
	if err != nil {
		return []error{err}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(hosts))
	for i, h := range hosts {
		wg.Add(1)
		go func(i int, hostID int64) {
			defer wg.Done()
			errs[i] = o.Check(ctx, hostID)
		}(i, h.ID)
	}
	wg.Wait()

	out := errs[:0]
	for _, e := range errs {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (o *Orchestrator) connect(ctx context.Context, host *store.Host) (Session, error) {
	target, err := sshmgr.TargetFromHost(host, o.vault, o.cfg.SSHReadyTimeout)
	if err != nil {
		return nil, err
	}
	return o.conn.Connect(ctx, target)
}

// sudoWrap prepares cmd to run as root: when sudo is present it's wrapped
// in `sudo -S -p '' sh -c '<cmd>'` so Run's sudoPassword argument (the
// host's decrypted sudo password) satisfies the prompt over stdin;
// otherwise cmd is returned unwrapped.
func sudoWrap(hasSudo bool, cmd string) string {
	if !hasSudo {
		return cmd
	}
	return "sudo -S -p '' sh -c " + shQuote(cmd)
}

func shQuote(s string) string {
	quoted := ""
	for _, r := range s {
		if r == '\'' {
			quoted += `'\''`
		} else {
			quoted += string(r)
		}
	}
	return "'" + quoted + "'"
}
