package pkgmgr

import (
	"regexp"
	"strconv"
	"strings"
)

// rpmSep separates the dnf/yum check-update listing from the rpm -q
// current-version recovery pass in one composite check command.
const rpmSep = "===LUDASH_RPM_SEP==="

// rpmCheckLineRe matches one check-update line, e.g.
// "curl.x86_64 7.76.1-26.el9_3.3 baseos".
var rpmCheckLineRe = regexp.MustCompile(`^(\S+)\.(\S+)\s+(\S+)\s+(\S+)`)

// rpmQueryLineRe matches one rpm -q recovery line, e.g.
// "curl.x86_64\t(none):7.76.1-25.el9_3.2".
var rpmQueryLineRe = regexp.MustCompile(`^(\S+)\.(\S+)\t(\S+)`)

// rpmExitLineRe matches the "EXIT:<n>" sentinel rpmCheckCommands appends as
// its composite command's final stdout line.
var rpmExitLineRe = regexp.MustCompile(`(?m)^EXIT:(-?\d+)\s*$`)

// rpmCheckCommands builds the shared dnf/yum check-command pair: a metadata
// refresh, then one composite command that lists upgradable packages,
// recovers installed versions via rpm -q over that same set, and surfaces
// the listing command's real exit status as the final "EXIT:<n>" line
// since later commands would otherwise clobber $?.
func rpmCheckCommands(tool string) []string {
	return []string{
		tool + " makecache --quiet",
		`OUT="$(` + tool + ` check-update --quiet 2>/dev/null)"; EC=$?; echo "$OUT"; echo "` + rpmSep + `"; ` +
			`for n in $(echo "$OUT" | awk '{print $1}'); do rpm -q --qf '%{NAME}.%{ARCH}\t%{EPOCH}:%{VERSION}-%{RELEASE}\n' "$n" 2>/dev/null; done; ` +
			`echo "EXIT:$EC"`,
	}
}

// rpmParse implements the shared dnf/yum check-output parser: exit 0 or
// 100 are both success (100 = updates available); any other exit yields an
// empty result. is-security is always false per the deliberately
// conservative decision even though the repository name is available —
// see DESIGN.md.
//
// The real check-update exit status never reaches here as exitCode: the
// composite command's last statement is an echo, so sess.Run's own exit
// code is always 0. The actual status travels as the "EXIT:<n>" sentinel
// line in stdout instead; it's extracted and used in place of exitCode
// whenever present, falling back to exitCode only if the sentinel is
// somehow missing.
func rpmParse(manager, stdout string, exitCode int) ([]ParsedUpdate, error) {
	if m := rpmExitLineRe.FindStringSubmatch(stdout); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			exitCode = n
		}
	}
	if exitCode != 0 && exitCode != 100 {
		return nil, nil
	}

	parts := strings.SplitN(stdout, rpmSep, 2)
	listing := parts[0]
	var recovery string
	if len(parts) == 2 {
		recovery = parts[1]
	}

	current := make(map[string]string)
	for _, line := range strings.Split(recovery, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "EXIT:") {
			continue
		}
		m := rpmQueryLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := m[1] + "." + m[2]
		ver := strings.TrimPrefix(m[3], "(none):")
		current[key] = ver
	}

	var out []ParsedUpdate
	for _, line := range strings.Split(listing, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Obsoleting") || strings.HasPrefix(line, "Last metadata") {
			continue
		}
		m := rpmCheckLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name, arch, newVer, repo := m[1], m[2], m[3], m[4]
		out = append(out, ParsedUpdate{
			Package:        name,
			Architecture:   arch,
			NewVersion:     newVer,
			Repository:     repo,
			CurrentVersion: current[name+"."+arch],
			IsSecurity:     false,
			Manager:        manager,
		})
	}
	return out, nil
}
