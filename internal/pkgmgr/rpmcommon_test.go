package pkgmgr

import "testing"

// TestDnfParseExit100 reproduces the dnf "updates available" exit code exactly: stdout
// `curl.x86_64 7.76.1-26.el9_3.3 baseos\n<sep>\ncurl.x86_64\t7.76.1-25.el9_3.2\nEXIT:100\n`,
// exit 100, yields one ParsedUpdate with current/new versions recovered
// from the rpm -q pass.
func TestDnfParseExit100(t *testing.T) {
	stdout := "curl.x86_64 7.76.1-26.el9_3.3 baseos\n" + rpmSep + "\n" +
		"curl.x86_64\t(none):7.76.1-25.el9_3.2\nEXIT:100\n"

	updates, err := newDNF().Parse(stdout, "", 100)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d: %+v", len(updates), updates)
	}
	u := updates[0]
	if u.Package != "curl" || u.Architecture != "x86_64" {
		t.Errorf("unexpected package/arch: %+v", u)
	}
	if u.CurrentVersion != "7.76.1-25.el9_3.2" || u.NewVersion != "7.76.1-26.el9_3.3" {
		t.Errorf("unexpected versions: %+v", u)
	}
	if u.IsSecurity {
		t.Error("dnf/yum is-security must always be false (documented conservatism)")
	}
}

func TestDnfParseExit0NoUpdates(t *testing.T) {
	stdout := "" + rpmSep + "\nEXIT:0\n"
	updates, err := newDNF().Parse(stdout, "", 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(updates) != 0 {
		t.Errorf("expected no updates, got %+v", updates)
	}
}

func TestDnfParseOtherExitIsEmpty(t *testing.T) {
	stdout := "curl.x86_64 7.76.1-26.el9_3.3 baseos\n" + rpmSep + "\nEXIT:1\n"
	updates, err := newDNF().Parse(stdout, "", 1)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if updates != nil {
		t.Errorf("expected nil result for exit 1, got %+v", updates)
	}
}

func TestYumReusesDnfParser(t *testing.T) {
	stdout := "curl.x86_64 7.76.1-26.el9_3.3 baseos\n" + rpmSep + "\n" +
		"curl.x86_64\t(none):7.76.1-25.el9_3.2\nEXIT:100\n"

	updates, err := newYum().Parse(stdout, "", 100)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(updates) != 1 || updates[0].Manager != "yum" {
		t.Errorf("unexpected yum result: %+v", updates)
	}
}

// TestDnfParseExitCodeComesFromSentinelNotParameter reproduces what the
// orchestrator actually passes: the composite command's real SSH exit
// status is always 0 (its last statement is an echo), with the true
// check-update exit code only present as the "EXIT:<n>" stdout line. Parse
// must honor that sentinel instead of the 0 it's handed.
func TestDnfParseExitCodeComesFromSentinelNotParameter(t *testing.T) {
	stdout := "curl.x86_64 7.76.1-26.el9_3.3 baseos\n" + rpmSep + "\n" +
		"curl.x86_64\t(none):7.76.1-25.el9_3.2\nEXIT:100\n"

	updates, err := newDNF().Parse(stdout, "", 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected sentinel EXIT:100 to be honored over the passed exitCode 0, got %+v", updates)
	}
}

// TestDnfParseSentinelFailureNotMaskedBySuccessfulEcho reproduces a genuine
// dnf failure: check-update itself exits 1, but the wrapping echo always
// succeeds, so the SSH-level exit code the caller would pass is 0. The
// sentinel must still drive an empty result.
func TestDnfParseSentinelFailureNotMaskedBySuccessfulEcho(t *testing.T) {
	stdout := "curl.x86_64 7.76.1-26.el9_3.3 baseos\n" + rpmSep + "\nEXIT:1\n"

	updates, err := newDNF().Parse(stdout, "", 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if updates != nil {
		t.Errorf("expected nil result when sentinel reports exit 1, got %+v", updates)
	}
}

func TestSuppressYumWhenDnfPresent(t *testing.T) {
	active := Suppress([]string{"apt", "dnf", "yum", "snap"})
	for _, m := range active {
		if m == "yum" {
			t.Fatal("expected yum suppressed when dnf present")
		}
	}
	if len(active) != 3 {
		t.Errorf("expected 3 active managers, got %v", active)
	}
}

func TestSuppressNoopWithoutDnf(t *testing.T) {
	active := Suppress([]string{"yum", "snap"})
	if len(active) != 2 {
		t.Errorf("expected yum kept without dnf present, got %v", active)
	}
}
