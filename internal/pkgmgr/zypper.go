package pkgmgr

import (
	"fmt"
	"regexp"
	"strings"
)

// zypperLineRe matches one `zypper list-updates` pipe-delimited row:
// "v | Repository | Name | Current Version | Available Version | Arch".
var zypperLineRe = regexp.MustCompile(`^v\s*\|\s*([^|]+)\|\s*([^|]+)\|\s*([^|]+)\|\s*([^|]+)\|\s*([^|]+)$`)

// zypperAdapter is the openSUSE/SLES manager. Supplemental to the
// named six, added per §4.D: the adapter interface is a closed Registry
// keyed by name, so a seventh implementation comes at no structural cost.
// It refreshes repositories and then reads both current and available
// versions from the single list-updates table; no separate query of
// installed versions is run.
type zypperAdapter struct{}

func newZypper() Adapter { return zypperAdapter{} }

func (zypperAdapter) Name() string { return "zypper" }

func (zypperAdapter) DetectCommand() string { return "command -v zypper" }

func (zypperAdapter) CheckCommands() []string {
	return []string{
		"zypper --non-interactive refresh",
		"zypper --non-interactive list-updates",
	}
}

func (zypperAdapter) StepLabels() []string {
	return []string{"refreshing repositories", "listing updates"}
}

func (zypperAdapter) Parse(stdout, _ string, exitCode int) ([]ParsedUpdate, error) {
	// zypper list-updates exits 0 regardless of whether updates exist.
	if exitCode != 0 {
		return nil, nil
	}
	var out []ParsedUpdate
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "v") {
			continue
		}
		m := zypperLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		repo := strings.TrimSpace(m[1])
		name := strings.TrimSpace(m[2])
		current := strings.TrimSpace(m[3])
		newVer := strings.TrimSpace(m[4])
		arch := strings.TrimSpace(m[5])
		out = append(out, ParsedUpdate{
			Package:        name,
			CurrentVersion: current,
			NewVersion:     newVer,
			Architecture:   arch,
			Repository:     repo,
			IsSecurity:     strings.Contains(strings.ToLower(repo), "security"),
			Manager:        "zypper",
		})
	}
	return out, nil
}

func (zypperAdapter) UpgradeAllCommand() string { return "zypper --non-interactive update" }

func (zypperAdapter) FullUpgradeAllCommand() string { return "zypper --non-interactive dist-upgrade" }

func (zypperAdapter) UpgradeOneCommand(pkg string) string {
	return fmt.Sprintf("zypper --non-interactive update %s", pkg)
}
