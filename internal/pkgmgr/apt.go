package pkgmgr

import (
	"fmt"
	"regexp"
	"strings"
)

// aptLineRe matches one `apt list --upgradable` line, e.g.:
// "curl/jammy-updates 7.81.0-1ubuntu1.18 amd64 [upgradable from: 7.81.0-1ubuntu1.16]"
var aptLineRe = regexp.MustCompile(`^(\S+)/(\S+)\s+(\S+)\s+(\S+)\s+\[upgradable from:\s*(\S+)\]`)

type aptAdapter struct{}

func newApt() Adapter { return aptAdapter{} }

func (aptAdapter) Name() string { return "apt" }

func (aptAdapter) DetectCommand() string { return "command -v apt-get" }

func (aptAdapter) CheckCommands() []string {
	return []string{
		// Lock-wait: dpkg/apt-get may hold /var/lib/dpkg/lock-frontend
		// briefly after unattended-upgrades; poll rather than fail.
		`for i in $(seq 1 30); do fuser /var/lib/dpkg/lock-frontend >/dev/null 2>&1 || break; sleep 2; done; apt-get update -qq`,
		`apt list --upgradable 2>/dev/null`,
	}
}

func (aptAdapter) StepLabels() []string {
	return []string{"refreshing package index", "listing upgradable packages"}
}

func (aptAdapter) Parse(stdout, _ string, exitCode int) ([]ParsedUpdate, error) {
	if exitCode != 0 {
		return nil, nil
	}
	var out []ParsedUpdate
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Listing...") {
			continue
		}
		m := aptLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		repo := m[2]
		out = append(out, ParsedUpdate{
			Package:        m[1],
			Repository:     repo,
			NewVersion:     m[3],
			Architecture:   m[4],
			CurrentVersion: m[5],
			IsSecurity:     strings.Contains(repo, "security"),
			Manager:        "apt",
		})
	}
	return out, nil
}

func (aptAdapter) UpgradeAllCommand() string {
	return "DEBIAN_FRONTEND=noninteractive apt-get upgrade -y"
}

func (aptAdapter) FullUpgradeAllCommand() string {
	return "DEBIAN_FRONTEND=noninteractive apt-get full-upgrade -y"
}

func (aptAdapter) UpgradeOneCommand(pkg string) string {
	return fmt.Sprintf("DEBIAN_FRONTEND=noninteractive apt-get install --only-upgrade -y %s", pkg)
}
