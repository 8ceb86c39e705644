package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ludash/controlplane/internal/orcherr"
	"github.com/ludash/controlplane/internal/persistcmd"
	"github.com/ludash/controlplane/internal/sshmgr"
	"github.com/ludash/controlplane/internal/store"
)

func seedAptUpdate(t *testing.T, st store.Store, hostID int64) {
	t.Helper()
	err := st.ReplaceUpdates(context.Background(), hostID, "apt", []store.CachedUpdate{
		{Package: "curl", CurrentVer: "1", NewVer: "2"},
	})
	if err != nil {
		t.Fatalf("seed ReplaceUpdates: %v", err)
	}
}

func TestUpgradeAllSuccessRefreshesCache(t *testing.T) {
	sess := &fakeSession{
		runs: []func(string) (*sshmgr.Result, error){
			func(string) (*sshmgr.Result, error) { return &sshmgr.Result{Stdout: factsOK, ExitCode: 0}, nil }, // facts
			func(cmd string) (*sshmgr.Result, error) {
				if !strings.Contains(cmd, "mktemp") {
					t.Errorf("expected launch wrapper, got %q", cmd)
				}
				return &sshmgr.Result{Stdout: "LUDASH_BG PID=200 LOG=/tmp/ludash_a.log EXIT=/tmp/ludash_a.exit\n", ExitCode: 0}, nil
			},
			func(string) (*sshmgr.Result, error) { return &sshmgr.Result{Stdout: "0\n", ExitCode: 0}, nil }, // read exit file
			func(string) (*sshmgr.Result, error) { return &sshmgr.Result{ExitCode: 0}, nil },                // cleanup
			func(string) (*sshmgr.Result, error) { return &sshmgr.Result{ExitCode: 0}, nil },                // refresh: apt-get update
			func(string) (*sshmgr.Result, error) { return &sshmgr.Result{Stdout: "", ExitCode: 0}, nil },     // refresh: apt list --upgradable
		},
		tails: []func(string) (persistcmd.Tail, error){
			func(string) (persistcmd.Tail, error) { return &fakeTail{lost: false}, nil },
		},
	}
	conn := &fakeConnector{sessions: []*fakeSession{sess}}
	o, st := newTestOrchestrator(t, conn)
	hostID := mustCreateHost(t, st, &store.Host{Hostname: "web-1", Port: 22, Username: "root", AuthMode: store.AuthPassword, PrimaryManager: "apt"})
	seedAptUpdate(t, st, hostID)

	if err := o.UpgradeAll(context.Background(), hostID); err != nil {
		t.Fatalf("UpgradeAll: %v", err)
	}

	rows, err := st.ListHistory(context.Background(), hostID, 10)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	found := false
	for _, r := range rows {
		if r.Action == store.ActionUpgradeAll && r.Status == store.StatusSuccess {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a successful upgrade_all history row, got %+v", rows)
	}
	updates, err := st.ListUpdates(context.Background(), hostID)
	if err != nil {
		t.Fatalf("ListUpdates: %v", err)
	}
	if len(updates) != 0 {
		t.Errorf("expected cache refreshed to 0 updates after upgrade, got %+v", updates)
	}
	if !sess.closed {
		t.Error("expected session closed after UpgradeAll")
	}
}

func TestLaunchFailureIsFatalNoFallback(t *testing.T) {
	sess := &fakeSession{
		runs: []func(string) (*sshmgr.Result, error){
			func(string) (*sshmgr.Result, error) { return &sshmgr.Result{Stdout: factsOK, ExitCode: 0}, nil }, // facts
			func(string) (*sshmgr.Result, error) {
				return &sshmgr.Result{Stdout: "no sentinel here\n", ExitCode: 0}, nil // launch wrapper: missing LUDASH_BG
			},
		},
	}
	conn := &fakeConnector{sessions: []*fakeSession{sess}}
	o, st := newTestOrchestrator(t, conn)
	hostID := mustCreateHost(t, st, &store.Host{Hostname: "web-1", Port: 22, Username: "root", AuthMode: store.AuthPassword, PrimaryManager: "apt"})
	seedAptUpdate(t, st, hostID)

	if err := o.UpgradeAll(context.Background(), hostID); err != nil {
		t.Fatalf("UpgradeAll should not itself error: %v", err)
	}

	rows, err := st.ListHistory(context.Background(), hostID, 10)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != store.StatusFailed {
		t.Fatalf("expected exactly one failed history row and no fallback attempts, got %+v", rows)
	}
}

// TestRebootDuringUpgradeFilesGoneWarning reproduces the reboot-during-
// upgrade scenario: the monitor loses visibility, the first reconnect
// attempt fails, the next one succeeds and resume reports FilesGone, and a
// post-check shows fewer updates than before — inferred success with a
// warning.
func TestRebootDuringUpgradeFilesGoneWarning(t *testing.T) {
	firstSess := &fakeSession{
		runs: []func(string) (*sshmgr.Result, error){
			func(string) (*sshmgr.Result, error) { return &sshmgr.Result{Stdout: factsOK, ExitCode: 0}, nil }, // facts
			func(string) (*sshmgr.Result, error) {
				return &sshmgr.Result{Stdout: "LUDASH_BG PID=300 LOG=/tmp/ludash_b.log EXIT=/tmp/ludash_b.exit\n", ExitCode: 0}, nil
			},
		},
		tails: []func(string) (persistcmd.Tail, error){
			func(string) (persistcmd.Tail, error) { return &fakeTail{lost: true}, nil }, // monitoring lost
		},
	}

	thirdSess := &fakeSession{
		runs: []func(string) (*sshmgr.Result, error){
			func(string) (*sshmgr.Result, error) { return &sshmgr.Result{ExitCode: 1}, nil }, // resume: test -e log -> gone
			func(string) (*sshmgr.Result, error) { return &sshmgr.Result{ExitCode: 0}, nil }, // recheck: apt-get update
			func(string) (*sshmgr.Result, error) { return &sshmgr.Result{Stdout: "", ExitCode: 0}, nil }, // recheck: apt list (0 updates now)
		},
	}

	conn := &fakeConnector{
		sessions: []*fakeSession{firstSess, nil, thirdSess},
		errs:     []error{nil, context.DeadlineExceeded, nil},
	}
	o, st := newTestOrchestrator(t, conn)
	hostID := mustCreateHost(t, st, &store.Host{Hostname: "web-1", Port: 22, Username: "root", AuthMode: store.AuthPassword, PrimaryManager: "apt"})
	seedAptUpdate(t, st, hostID) // pre-count 1, kept small for a fast fixture

	if err := o.UpgradeAll(context.Background(), hostID); err != nil {
		t.Fatalf("UpgradeAll: %v", err)
	}

	rows, err := st.ListHistory(context.Background(), hostID, 10)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	found := false
	for _, r := range rows {
		if r.Action == store.ActionUpgradeAll && r.Status == store.StatusWarning {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected upgrade_all/warning history row from FILES_GONE inference, got %+v", rows)
	}

	updates, err := st.ListUpdates(context.Background(), hostID)
	if err != nil {
		t.Fatalf("ListUpdates: %v", err)
	}
	if len(updates) != 0 {
		t.Errorf("expected cache refreshed to 0 updates post-reboot, got %+v", updates)
	}
}

func TestRebootWorkflowTreatsDisconnectAsSuccess(t *testing.T) {
	sess := &fakeSession{
		runs: []func(string) (*sshmgr.Result, error){
			func(string) (*sshmgr.Result, error) { return &sshmgr.Result{Stdout: factsOK, ExitCode: 0}, nil },
			func(string) (*sshmgr.Result, error) { return nil, orcherr.New(orcherr.Transport, errors.New("connection closed")) },
		},
	}
	conn := &fakeConnector{sessions: []*fakeSession{sess}}
	o, st := newTestOrchestrator(t, conn)
	hostID := mustCreateHost(t, st, &store.Host{Hostname: "web-1", Port: 22, Username: "root", AuthMode: store.AuthPassword})

	if err := o.Reboot(context.Background(), hostID); err != nil {
		t.Fatalf("Reboot: %v", err)
	}

	host, err := st.GetHost(context.Background(), hostID)
	if err != nil {
		t.Fatalf("GetHost: %v", err)
	}
	if host.Reachability != store.Unreachable {
		t.Errorf("expected host marked unreachable after reboot, got %q", host.Reachability)
	}

	rows, err := st.ListHistory(context.Background(), hostID, 10)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != store.StatusSuccess {
		t.Fatalf("expected one successful reboot history row, got %+v", rows)
	}
}
