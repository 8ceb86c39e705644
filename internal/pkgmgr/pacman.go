package pkgmgr

import (
	"fmt"
	"regexp"
	"strings"
)

// pacmanLineRe matches one `pacman -Qu` line: "linux 6.1.1-1 -> 6.1.2-1".
var pacmanLineRe = regexp.MustCompile(`^(\S+)\s+(\S+)\s+->\s+(\S+)`)

type pacmanAdapter struct{}

func newPacman() Adapter { return pacmanAdapter{} }

func (pacmanAdapter) Name() string { return "pacman" }

func (pacmanAdapter) DetectCommand() string { return "command -v pacman" }

func (pacmanAdapter) CheckCommands() []string {
	return []string{
		"pacman -Sy --noconfirm",
		"pacman -Qu",
	}
}

func (pacmanAdapter) StepLabels() []string {
	return []string{"syncing package databases", "listing upgradable packages"}
}

func (pacmanAdapter) Parse(stdout, _ string, exitCode int) ([]ParsedUpdate, error) {
	// pacman -Qu exits 1 when there is simply nothing to upgrade.
	if exitCode != 0 && exitCode != 1 {
		return nil, nil
	}
	var out []ParsedUpdate
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := pacmanLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out = append(out, ParsedUpdate{
			Package:        m[1],
			CurrentVersion: m[2],
			NewVersion:     m[3],
			Manager:        "pacman",
		})
	}
	return out, nil
}

func (pacmanAdapter) UpgradeAllCommand() string { return "pacman -Su --noconfirm" }

// FullUpgradeAllCommand: pacman -Syu also refreshes databases; treated as
// the "full" variant since a plain -Su can operate on stale sync data.
func (pacmanAdapter) FullUpgradeAllCommand() string { return "pacman -Syu --noconfirm" }

func (pacmanAdapter) UpgradeOneCommand(pkg string) string {
	return fmt.Sprintf("pacman -S --noconfirm %s", pkg)
}
