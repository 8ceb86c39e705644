package orchestrator

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ludash/controlplane/internal/store"
)

// factsProbeCommand is the single compound shell command that gathers
// every system fact in one round trip, section-marked so the reply can be
// split deterministically regardless of locale or tool quirks (spec
// §4.F). sudoProbe piggybacks on the same round trip since every workflow
// needs to know it before running a package-manager command.
const factsProbeCommand = `` +
	`echo ===OS===; (. /etc/os-release 2>/dev/null && echo "$PRETTY_NAME") || uname -s; ` +
	`echo ===KERNEL===; uname -r; ` +
	`echo ===HOSTNAME===; hostname; ` +
	`echo ===UPTIME===; uptime -p 2>/dev/null || uptime; ` +
	`echo ===ARCH===; uname -m; ` +
	`echo ===CPU===; nproc 2>/dev/null || echo 1; ` +
	`echo ===MEM===; free -m 2>/dev/null | awk '/Mem:/{print $2}'; ` +
	`echo ===DISK===; df -P / 2>/dev/null | awk 'NR==2{gsub("%","",$5); print $5}'; ` +
	`echo ===REBOOT===; test -f /var/run/reboot-required && echo yes || echo no; ` +
	`echo ===SUDO===; command -v sudo >/dev/null 2>&1 && echo yes || echo no`

var factsSectionRe = regexp.MustCompile(`===([A-Z]+)===`)

// parseFactsSections splits factsProbeCommand's stdout into
// {tag: firstNonEmptyLine} pairs.
func parseFactsSections(stdout string) map[string]string {
	lines := strings.Split(stdout, "\n")
	sections := make(map[string]string)
	var current string
	for _, line := range lines {
		if m := factsSectionRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			current = m[1]
			continue
		}
		if current == "" {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if _, ok := sections[current]; !ok {
			sections[current] = trimmed
		}
	}
	return sections
}

// parseSystemFacts turns the probe's stdout into store.SystemFacts plus
// whether sudo is available (used to decide how package-manager commands
// are wrapped for the rest of the operation).
func parseSystemFacts(stdout string) (*store.SystemFacts, bool) {
	s := parseFactsSections(stdout)

	atoi := func(key string) int {
		n, _ := strconv.Atoi(s[key])
		return n
	}

	facts := &store.SystemFacts{
		OS:          s["OS"],
		Kernel:      s["KERNEL"],
		Uptime:      s["UPTIME"],
		Arch:        s["ARCH"],
		Cores:       atoi("CPU"),
		MemoryMB:    atoi("MEM"),
		DiskPercent: atoi("DISK"),
		NeedsReboot: s["REBOOT"] == "yes",
	}
	return facts, s["SUDO"] == "yes"
}
