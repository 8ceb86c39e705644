package pkgmgr

import (
	"fmt"
	"strings"
)

// snapSep separates the installed-snaps listing from the refresh listing
// in one composite check command.
const snapSep = "===LUDASH_SNAP_SEP==="

type snapAdapter struct{}

func newSnap() Adapter { return snapAdapter{} }

func (snapAdapter) Name() string { return "snap" }

func (snapAdapter) DetectCommand() string { return "command -v snap" }

func (snapAdapter) CheckCommands() []string {
	return []string{
		`snap list; echo "` + snapSep + `"; snap refresh --list`,
	}
}

func (snapAdapter) StepLabels() []string {
	return []string{"listing installed and refreshable snaps"}
}

func (snapAdapter) Parse(stdout, _ string, exitCode int) ([]ParsedUpdate, error) {
	if exitCode != 0 {
		return nil, nil
	}
	parts := strings.SplitN(stdout, snapSep, 2)
	installed := parts[0]
	var refreshable string
	if len(parts) == 2 {
		refreshable = parts[1]
	}

	current := make(map[string]string)
	for i, line := range splitNonEmpty(installed) {
		if i == 0 {
			continue // header row
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		current[fields[0]] = fields[1]
	}

	var out []ParsedUpdate
	for i, line := range splitNonEmpty(refreshable) {
		if i == 0 {
			continue // header row
		}
		if strings.HasPrefix(line, "All snaps up to date") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name, newVer := fields[0], fields[1]
		out = append(out, ParsedUpdate{
			Package:        name,
			NewVersion:     newVer,
			CurrentVersion: current[name],
			Manager:        "snap",
		})
	}
	return out, nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

func (snapAdapter) UpgradeAllCommand() string { return "snap refresh" }

// FullUpgradeAllCommand: snap has no distinct aggressive mode.
func (snapAdapter) FullUpgradeAllCommand() string { return "" }

func (snapAdapter) UpgradeOneCommand(pkg string) string {
	return fmt.Sprintf("snap refresh %s", pkg)
}
