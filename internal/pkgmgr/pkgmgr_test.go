package pkgmgr

import "testing"

func TestRegistryHasAllAdapters(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"apt", "dnf", "yum", "pacman", "flatpak", "snap", "zypper"} {
		if reg.Get(name) == nil {
			t.Errorf("expected adapter %q to be registered", name)
		}
	}
}

func TestRegistryUnknownAdapterIsNil(t *testing.T) {
	reg := NewRegistry()
	if reg.Get("nonexistent") != nil {
		t.Error("expected nil for unknown adapter name")
	}
}

func TestAdapterNamesMatchRegistryKeys(t *testing.T) {
	reg := NewRegistry()
	for _, name := range reg.DetectionOrder() {
		a := reg.Get(name)
		if a.Name() != name {
			t.Errorf("adapter registered under %q reports Name() = %q", name, a.Name())
		}
	}
}
