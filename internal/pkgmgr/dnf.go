package pkgmgr

import "fmt"

type dnfAdapter struct{}

func newDNF() Adapter { return dnfAdapter{} }

func (dnfAdapter) Name() string { return "dnf" }

func (dnfAdapter) DetectCommand() string { return "command -v dnf" }

func (dnfAdapter) CheckCommands() []string { return rpmCheckCommands("dnf") }

func (dnfAdapter) StepLabels() []string {
	return []string{"refreshing metadata cache", "checking for updates"}
}

func (dnfAdapter) Parse(stdout, _ string, exitCode int) ([]ParsedUpdate, error) {
	return rpmParse("dnf", stdout, exitCode)
}

func (dnfAdapter) UpgradeAllCommand() string { return "dnf upgrade -y" }

// FullUpgradeAllCommand uses distro-sync, dnf's more aggressive upgrade
// path that also resolves obsoletes.
func (dnfAdapter) FullUpgradeAllCommand() string { return "dnf distro-sync -y" }

func (dnfAdapter) UpgradeOneCommand(pkg string) string {
	return fmt.Sprintf("dnf upgrade -y %s", pkg)
}
