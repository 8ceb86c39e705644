package pkgmgr

import "testing"

func TestFlatpakParse(t *testing.T) {
	stdout := "org.gimp.GIMP\t2.10.30\n" + flatpakSep + "\n" +
		"GIMP\torg.gimp.GIMP\t2.10.32\tstable\tflathub\n"

	updates, err := newFlatpak().Parse(stdout, "", 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %+v", updates)
	}
	u := updates[0]
	if u.Package != "GIMP" || u.CurrentVersion != "2.10.30" || u.NewVersion != "2.10.32" || u.Repository != "flathub" {
		t.Errorf("unexpected update: %+v", u)
	}
}
