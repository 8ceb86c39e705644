package orchestrator

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ludash/controlplane/internal/livebus"
	"github.com/ludash/controlplane/internal/pkgmgr"
	"github.com/ludash/controlplane/internal/sshmgr"
	"github.com/ludash/controlplane/internal/store"
	"github.com/ludash/controlplane/internal/store/storetest"
	"github.com/ludash/controlplane/internal/vault"
)

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	v, err := vault.New(key, "")
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	return v
}

func newTestOrchestrator(t *testing.T, conn Connector) (*Orchestrator, *storetest.Fake) {
	t.Helper()
	st := storetest.New()
	o := New(st, conn, testVault(t), livebus.New(), pkgmgr.NewRegistry(), testConfig(), zerolog.Nop())
	return o, st
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReconnectInterval = time.Millisecond
	cfg.ReconnectWindow = 20 * time.Millisecond
	cfg.FilesGoneRecheckInterval = time.Millisecond
	return cfg
}

func mustCreateHost(t *testing.T, st store.Store, h *store.Host) int64 {
	t.Helper()
	id, err := st.CreateHost(context.Background(), h)
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	return id
}

// factsOK is a facts-probe reply with every section present, sudo
// unavailable (so commands run unwrapped and tests don't need to account
// for the extra `sudo -S -p '' sh -c` layer).
const factsOK = "===OS===\nUbuntu 22.04\n" +
	"===KERNEL===\n5.15.0\n" +
	"===HOSTNAME===\nweb-1\n" +
	"===UPTIME===\nup 3 days\n" +
	"===ARCH===\nx86_64\n" +
	"===CPU===\n4\n" +
	"===MEM===\n8192\n" +
	"===DISK===\n42\n" +
	"===REBOOT===\nno\n" +
	"===SUDO===\nno\n"

// detectOnly returns one Run responder per registry adapter in detection
// order, all failing except the named manager.
func detectOnly(present string) []func(string) (*sshmgr.Result, error) {
	var out []func(string) (*sshmgr.Result, error)
	for _, name := range pkgmgr.NewRegistry().DetectionOrder() {
		name := name
		out = append(out, func(string) (*sshmgr.Result, error) {
			if name == present {
				return &sshmgr.Result{ExitCode: 0}, nil
			}
			return &sshmgr.Result{ExitCode: 1}, nil
		})
	}
	return out
}

func aptCheckTwoUpdatesStdout() string {
	return "Listing...\n" +
		"curl/jammy-updates 7.81.0-1ubuntu1.18 amd64 [upgradable from: 7.81.0-1ubuntu1.16]\n" +
		"openssl/jammy-security 3.0.2-0ubuntu1.18 amd64 [upgradable from: 3.0.2-0ubuntu1.16]\n"
}

func TestCheckAptTwoUpdates(t *testing.T) {
	sess := &fakeSession{}
	sess.runs = append(sess.runs, func(string) (*sshmgr.Result, error) { return &sshmgr.Result{Stdout: factsOK, ExitCode: 0}, nil })
	sess.runs = append(sess.runs, detectOnly("apt")...)
	sess.runs = append(sess.runs,
		func(string) (*sshmgr.Result, error) { return &sshmgr.Result{ExitCode: 0}, nil }, // apt-get update
		func(string) (*sshmgr.Result, error) { return &sshmgr.Result{Stdout: aptCheckTwoUpdatesStdout(), ExitCode: 0}, nil },
	)

	conn := &fakeConnector{sessions: []*fakeSession{sess}}
	o, st := newTestOrchestrator(t, conn)

	hostID := mustCreateHost(t, st, &store.Host{Hostname: "web-1", Port: 22, Username: "root", AuthMode: store.AuthPassword})

	if err := o.Check(context.Background(), hostID); err != nil {
		t.Fatalf("Check: %v", err)
	}

	updates, err := st.ListUpdates(context.Background(), hostID)
	if err != nil {
		t.Fatalf("ListUpdates: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 cached updates, got %d: %+v", len(updates), updates)
	}
	byPkg := map[string]store.CachedUpdate{}
	for _, u := range updates {
		byPkg[u.Package] = u
	}
	if byPkg["curl"].IsSecurity {
		t.Error("expected curl to not be flagged security")
	}
	if !byPkg["openssl"].IsSecurity {
		t.Error("expected openssl to be flagged security")
	}

	host, err := st.GetHost(context.Background(), hostID)
	if err != nil {
		t.Fatalf("GetHost: %v", err)
	}
	if host.Reachability != store.Reachable {
		t.Errorf("expected host reachable, got %q", host.Reachability)
	}
	if len(host.DetectedManagers) != 1 || host.DetectedManagers[0] != "apt" {
		t.Errorf("expected detected managers [apt], got %+v", host.DetectedManagers)
	}

	if !sess.closed {
		t.Error("expected session to be closed after Check")
	}
}

func TestCheckConnectFailureMarksUnreachable(t *testing.T) {
	conn := &fakeConnector{errs: []error{context.DeadlineExceeded}}
	o, st := newTestOrchestrator(t, conn)
	hostID := mustCreateHost(t, st, &store.Host{Hostname: "down-1", Port: 22, Username: "root", AuthMode: store.AuthPassword})

	if err := o.Check(context.Background(), hostID); err != nil {
		t.Fatalf("Check should not itself return an error on remote failure: %v", err)
	}

	host, err := st.GetHost(context.Background(), hostID)
	if err != nil {
		t.Fatalf("GetHost: %v", err)
	}
	if host.Reachability != store.Unreachable {
		t.Errorf("expected unreachable, got %q", host.Reachability)
	}

	rows, err := st.ListHistory(context.Background(), hostID, 10)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != store.StatusFailed {
		t.Fatalf("expected one failed history row, got %+v", rows)
	}
}

func TestActiveOperationClearsAfterCheck(t *testing.T) {
	sess := &fakeSession{}
	sess.runs = append(sess.runs, func(string) (*sshmgr.Result, error) { return &sshmgr.Result{Stdout: factsOK, ExitCode: 0}, nil })
	sess.runs = append(sess.runs, detectOnly("apt")...)
	sess.runs = append(sess.runs,
		func(string) (*sshmgr.Result, error) { return &sshmgr.Result{ExitCode: 0}, nil },
		func(string) (*sshmgr.Result, error) { return &sshmgr.Result{Stdout: "", ExitCode: 0}, nil },
	)
	conn := &fakeConnector{sessions: []*fakeSession{sess}}
	o, st := newTestOrchestrator(t, conn)
	hostID := mustCreateHost(t, st, &store.Host{Hostname: "web-1", Port: 22, Username: "root", AuthMode: store.AuthPassword})

	if err := o.Check(context.Background(), hostID); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if op := o.ActiveOperation(hostID); op != nil {
		t.Errorf("expected ActiveOperation to clear after Check, got %+v", op)
	}
}
