package pkgmgr

import "testing"

func TestZypperParse(t *testing.T) {
	stdout := "S | Repository          | Name | Current Version | Available Version | Arch\n" +
		"--+---------------------+------+------------------+--------------------+-------\n" +
		"v | SLE-Module-Basesystem | curl | 7.76.0-1.1        | 7.76.1-1.1          | x86_64\n"

	updates, err := newZypper().Parse(stdout, "", 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %+v", updates)
	}
	u := updates[0]
	if u.Package != "curl" || u.CurrentVersion != "7.76.0-1.1" || u.NewVersion != "7.76.1-1.1" || u.Architecture != "x86_64" {
		t.Errorf("unexpected update: %+v", u)
	}
}

func TestValidatePackageName(t *testing.T) {
	tests := []struct {
		pkg  string
		want bool
	}{
		{"curl", true},
		{"libssl1.1", true},
		{"python3-pip", true},
		{"pkg_name+extra", true},
		{"curl; rm -rf /", false},
		{"", false},
		{"curl && echo pwned", false},
	}
	for _, tt := range tests {
		got := ValidatePackageName(tt.pkg)
		if got != tt.want {
			t.Errorf("ValidatePackageName(%q) = %v, want %v", tt.pkg, got, tt.want)
		}
	}
}
