package pkgmgr

import "testing"

func TestAptParseTwoUpdates(t *testing.T) {
	stdout := "Listing...\n" +
		"curl/jammy-updates 7.81.0-1ubuntu1.18 amd64 [upgradable from: 7.81.0-1ubuntu1.16]\n" +
		"openssl/jammy-security 3.0.2-0ubuntu1.18 amd64 [upgradable from: 3.0.2-0ubuntu1.16]\n"

	updates, err := newApt().Parse(stdout, "", 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d: %+v", len(updates), updates)
	}

	curl, openssl := updates[0], updates[1]
	if curl.Package != "curl" || curl.IsSecurity {
		t.Errorf("unexpected curl update: %+v", curl)
	}
	if openssl.Package != "openssl" || !openssl.IsSecurity {
		t.Errorf("unexpected openssl update: %+v", openssl)
	}
	if openssl.CurrentVersion != "3.0.2-0ubuntu1.16" || openssl.NewVersion != "3.0.2-0ubuntu1.18" {
		t.Errorf("unexpected openssl versions: %+v", openssl)
	}
}

func TestAptParseNoUpdates(t *testing.T) {
	updates, err := newApt().Parse("Listing...\n", "", 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(updates) != 0 {
		t.Errorf("expected no updates, got %+v", updates)
	}
}

func TestAptParseNonZeroExit(t *testing.T) {
	updates, err := newApt().Parse("curl/jammy 1.0 amd64 [upgradable from: 0.9]\n", "", 1)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if updates != nil {
		t.Errorf("expected nil on non-zero exit, got %+v", updates)
	}
}
