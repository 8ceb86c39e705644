// Package sanitize redacts secrets from text that crosses a trust boundary:
// history rows, live-bus output, and log lines. Every string that might
// contain a remote command, its stdout/stderr, or an error message must be
// passed through Sanitize before it is persisted or published.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

type pattern struct {
	category string
	re       *regexp.Regexp
	tag      string
}

// Sanitizer holds the compiled redaction patterns. It is stateless and
// safe for concurrent use, so a single instance is shared process-wide.
type Sanitizer struct {
	patterns []pattern
}

var sensitiveVarNames = []string{
	"PASSWORD", "PASSWD", "SECRET", "SECRET_KEY", "TOKEN", "ACCESS_TOKEN",
	"API_KEY", "PRIVATE_KEY", "PASSPHRASE", "CREDENTIAL", "AUTH",
}

// New builds a Sanitizer with all redaction categories active.
func New() *Sanitizer {
	defs := []struct {
		category string
		pat      string
		tag      string
	}{
		{"sudo_prompt", `\[sudo\] password for [^:]+:\s*\S*`, "SUDO-PROMPT-REDACTED"},
		{"password_line", `(?im)^password:\s*\S*$`, "PASSWORD-PROMPT-REDACTED"},
		{"url_userinfo", `\b([a-zA-Z][a-zA-Z0-9+.-]*://)[^/\s:@]+:[^/\s@]+@`, "URL-CREDENTIAL-REDACTED"},
		{"pem_block", `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`, "PRIVATE-KEY-REDACTED"},
	}

	patterns := make([]pattern, 0, len(defs)+1)
	for _, d := range defs {
		patterns = append(patterns, pattern{category: d.category, re: regexp.MustCompile(d.pat), tag: d.tag})
	}
	patterns = append(patterns, pattern{
		category: "sensitive_var",
		re:       regexp.MustCompile(`(?i)\b(` + strings.Join(sensitiveVarNames, "|") + `)=\S+`),
		tag:      "VALUE-REDACTED",
	})

	return &Sanitizer{patterns: patterns}
}

// sudoWrapperRE matches the verbose persistent-command launch wrapper
// (mktemp/base64/nohup chain) so it can be collapsed to "sudo <cmd>" for
// display.
var sudoWrapperRE = regexp.MustCompile(`(?s)^\s*SCRIPT=\$\(mktemp.*?sh "\$SCRIPT"\s*(.*?)\s*$`)

// Sanitize redacts every sensitive pattern in text and collapses the
// persistent-command launch wrapper down to a short "sudo <cmd>" form.
func (s *Sanitizer) Sanitize(text string) string {
	out := collapseSudoWrapper(text)
	for _, p := range s.patterns {
		out = p.re.ReplaceAllStringFunc(out, func(match string) string {
			if p.category == "url_userinfo" {
				sub := p.re.FindStringSubmatch(match)
				scheme := match
				if len(sub) > 1 {
					scheme = sub[1]
				}
				return scheme + "[" + p.tag + "]@"
			}
			if p.category == "sensitive_var" {
				name := strings.SplitN(match, "=", 2)[0]
				return name + "=[" + p.tag + "]"
			}
			return "[" + p.tag + "]"
		})
	}
	return out
}

// collapseSudoWrapper replaces the full persistent-command shell wrapper
// with a short "sudo <cmd>" summary for human-readable history/live output.
func collapseSudoWrapper(text string) string {
	if !strings.Contains(text, "LUDASH_BG") && !strings.Contains(text, "mktemp") {
		return text
	}
	if m := sudoShellRE.FindStringSubmatch(text); m != nil {
		return fmt.Sprintf("sudo %s", strings.TrimSpace(m[1]))
	}
	return text
}

// sudoShellRE extracts the base64-decoded payload hint from a launch
// wrapper that was built around `sudo -S <cmd>` / `sudo -n <cmd>`.
var sudoShellRE = regexp.MustCompile(`sudo\s+-[nS]\s+(.+?)(?:\s*\\n|\s*"\s*$|$)`)

// ContainsSecret reports whether text matches any redaction category,
// useful for tests and for deciding whether to log a warning about
// un-sanitized input reaching a trust boundary.
func (s *Sanitizer) ContainsSecret(text string) bool {
	for _, p := range s.patterns {
		if p.re.MatchString(text) {
			return true
		}
	}
	return false
}
