package pkgmgr

import "testing"

func TestPacmanParse(t *testing.T) {
	stdout := "linux 6.1.1-1 -> 6.1.2-1\nopenssl 3.0.7-1 -> 3.0.8-1\n"
	updates, err := newPacman().Parse(stdout, "", 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %+v", updates)
	}
	if updates[0].Package != "linux" || updates[0].CurrentVersion != "6.1.1-1" || updates[0].NewVersion != "6.1.2-1" {
		t.Errorf("unexpected update: %+v", updates[0])
	}
}

func TestPacmanParseExit1NoUpdatesIsNotError(t *testing.T) {
	updates, err := newPacman().Parse("", "", 1)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(updates) != 0 {
		t.Errorf("expected no updates, got %+v", updates)
	}
}
