package pkgmgr

import "fmt"

// yumAdapter reuses dnf's check/parse idiom, relabeled for yum.
// It is suppressed from the active set whenever dnf is also present
// (Suppress), since yum on a dnf-based host is usually a compatibility
// shim pointing at the same backend.
type yumAdapter struct{}

func newYum() Adapter { return yumAdapter{} }

func (yumAdapter) Name() string { return "yum" }

func (yumAdapter) DetectCommand() string { return "command -v yum" }

func (yumAdapter) CheckCommands() []string { return rpmCheckCommands("yum") }

func (yumAdapter) StepLabels() []string {
	return []string{"refreshing metadata cache", "checking for updates"}
}

func (yumAdapter) Parse(stdout, _ string, exitCode int) ([]ParsedUpdate, error) {
	return rpmParse("yum", stdout, exitCode)
}

func (yumAdapter) UpgradeAllCommand() string { return "yum update -y" }

// FullUpgradeAllCommand: yum has no distro-sync equivalent; unsupported.
func (yumAdapter) FullUpgradeAllCommand() string { return "" }

func (yumAdapter) UpgradeOneCommand(pkg string) string {
	return fmt.Sprintf("yum update -y %s", pkg)
}
