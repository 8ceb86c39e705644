// Package pkgmgr implements one adapter per supported Linux package
// manager: detection probe, check-command composition, output parsing,
// and upgrade command builders. Adapters are pure string/parsing logic —
// no SSH dependency — so each is unit-testable against canned remote
// output.
package pkgmgr

import "regexp"

// ParsedUpdate is one available package update, as recovered from an
// adapter's check-command output.
type ParsedUpdate struct {
	Package        string
	CurrentVersion string
	NewVersion     string
	Architecture   string
	Repository     string
	IsSecurity     bool
	Manager        string
}

// Adapter encapsulates one package manager's shell idioms.
type Adapter interface {
	// Name is the manager label used everywhere else in the system
	// (cache keys, history rows, bus messages).
	Name() string

	// DetectCommand returns a shell probe whose exit code 0 means the
	// manager is present on the host.
	DetectCommand() string

	// CheckCommands returns the ordered list of commands to run to
	// discover available updates. Only the final command's stdout,
	// stderr, and exit code feed Parse.
	CheckCommands() []string

	// StepLabels optionally names each CheckCommands entry for live
	// output headers. Empty slice means no labels.
	StepLabels() []string

	// Parse turns the final check command's output into updates.
	Parse(stdout, stderr string, exitCode int) ([]ParsedUpdate, error)

	// UpgradeAllCommand upgrades every available update.
	UpgradeAllCommand() string

	// FullUpgradeAllCommand is a more aggressive upgrade (may remove
	// packages to resolve dependencies). Empty string means
	// unsupported by this manager.
	FullUpgradeAllCommand() string

	// UpgradeOneCommand upgrades a single named package. Callers must
	// validate pkg with ValidatePackageName first.
	UpgradeOneCommand(pkg string) string
}

// packageNameRe is the validator for upgrade-one package name arguments:
// reject anything that isn't alphanumeric, dot, underscore, plus, or
// hyphen, since these compose directly into a shell command.
var packageNameRe = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)

// ValidatePackageName rejects package names that could break out of the
// shell command they're interpolated into.
func ValidatePackageName(pkg string) bool {
	return pkg != "" && packageNameRe.MatchString(pkg)
}

// Registry holds every known adapter, keyed by Name().
type Registry struct {
	adapters map[string]Adapter
	order    []string // detection priority order
}

// NewRegistry builds the registry with every supported adapter plus
// the supplemental zypper adapter (§4.D).
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range []Adapter{
		newApt(),
		newDNF(),
		newYum(),
		newPacman(),
		newFlatpak(),
		newSnap(),
		newZypper(),
	} {
		r.adapters[a.Name()] = a
		r.order = append(r.order, a.Name())
	}
	return r
}

// Get returns the adapter for name, or nil if unknown.
func (r *Registry) Get(name string) Adapter {
	return r.adapters[name]
}

// DetectionOrder is the fixed order detection probes run in.
func (r *Registry) DetectionOrder() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Suppress applies the "yum suppressed when dnf present" rule to a
// detected-present set, returning the final ordered active set.
func Suppress(present []string) []string {
	hasDNF := false
	for _, m := range present {
		if m == "dnf" {
			hasDNF = true
			break
		}
	}
	if !hasDNF {
		return present
	}
	out := make([]string, 0, len(present))
	for _, m := range present {
		if m == "yum" {
			continue
		}
		out = append(out, m)
	}
	return out
}
