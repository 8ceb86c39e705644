package pkgmgr

import (
	"fmt"
	"strings"
)

// flatpakSep separates the installed-applications listing from the
// upgradable listing in one composite check command.
const flatpakSep = "===LUDASH_FLATPAK_SEP==="

type flatpakAdapter struct{}

func newFlatpak() Adapter { return flatpakAdapter{} }

func (flatpakAdapter) Name() string { return "flatpak" }

func (flatpakAdapter) DetectCommand() string { return "command -v flatpak" }

func (flatpakAdapter) CheckCommands() []string {
	return []string{
		"flatpak update --appstream -y",
		`flatpak list --app --columns=application,version; echo "` + flatpakSep + `"; ` +
			`flatpak remote-ls --updates --columns=name,appid,version,branch,origin`,
	}
}

func (flatpakAdapter) StepLabels() []string {
	return []string{"refreshing appstream data", "listing upgradable applications"}
}

func (flatpakAdapter) Parse(stdout, _ string, exitCode int) ([]ParsedUpdate, error) {
	if exitCode != 0 {
		return nil, nil
	}
	parts := strings.SplitN(stdout, flatpakSep, 2)
	installed := parts[0]
	var upgradable string
	if len(parts) == 2 {
		upgradable = parts[1]
	}

	current := make(map[string]string)
	for _, line := range strings.Split(installed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		current[fields[0]] = fields[1]
	}

	var out []ParsedUpdate
	for _, line := range strings.Split(upgradable, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 5 {
			continue
		}
		name, appID, newVer, _ /* branch */, origin := fields[0], fields[1], fields[2], fields[3], fields[4]
		out = append(out, ParsedUpdate{
			Package:        name,
			NewVersion:     newVer,
			Repository:     origin,
			CurrentVersion: current[appID],
			Manager:        "flatpak",
		})
	}
	return out, nil
}

func (flatpakAdapter) UpgradeAllCommand() string { return "flatpak update -y" }

// FullUpgradeAllCommand: flatpak has no distinct aggressive mode.
func (flatpakAdapter) FullUpgradeAllCommand() string { return "" }

func (flatpakAdapter) UpgradeOneCommand(pkg string) string {
	return fmt.Sprintf("flatpak update -y %s", pkg)
}
