package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/ludash/controlplane/internal/scheduler"
)

// Payload is the provider-agnostic shape of a notification: a one-line
// title summarizing totals, one body line per host, and a priority that
// escalates when any security update is involved.
type Payload struct {
	Title    string
	Body     string
	Priority string
}

const (
	PriorityHigh    = "high"
	PriorityDefault = "default"
)

// buildPayload renders a batch of events into the title/body/priority shape
// shared by every provider.
func buildPayload(events []scheduler.CheckResult) Payload {
	var totalUpdates, totalSecurity int
	var unreachableCount int
	lines := make([]string, 0, len(events))
	for _, e := range events {
		if e.NowUnreachable {
			unreachableCount++
			lines = append(lines, fmt.Sprintf("%s: unreachable", e.Name))
			continue
		}
		totalUpdates += e.UpdateCount
		totalSecurity += e.SecurityCount
		lines = append(lines, fmt.Sprintf("%s: %d updates (%d security)", e.Name, e.UpdateCount, e.SecurityCount))
	}

	var title string
	switch {
	case totalUpdates > 0 && unreachableCount > 0:
		title = fmt.Sprintf("%d updates available (%d security); %d system(s) unreachable", totalUpdates, totalSecurity, unreachableCount)
	case totalUpdates > 0:
		title = fmt.Sprintf("%d updates available (%d security)", totalUpdates, totalSecurity)
	case unreachableCount > 0:
		title = "System(s) unreachable"
	default:
		title = "No changes"
	}

	priority := PriorityDefault
	if totalSecurity > 0 {
		priority = PriorityHigh
	}

	return Payload{Title: title, Body: strings.Join(lines, "\n"), Priority: priority}
}

// fingerprint computes the short SHA-256 over "count:securityCount:sorted(package
// names)", used to suppress a repeat notification for an unchanged update set.
func fingerprint(updateCount, securityCount int, packages []string) string {
	sorted := append([]string(nil), packages...)
	sort.Strings(sorted)
	raw := fmt.Sprintf("%d:%d:%s", updateCount, securityCount, strings.Join(sorted, ","))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}
