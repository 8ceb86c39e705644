// Package persistcmd launches remote commands so they survive SSH
// disconnects and host reboots mid-operation: a detached process with a
// log file and exit-code file, monitored by tailing and resumable after
// reconnect. It depends only on a narrow Session interface so it can be
// unit-tested against a fake transport.
package persistcmd

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ludash/controlplane/internal/orcherr"
	"github.com/ludash/controlplane/internal/sshmgr"
)

// prefix names every temp file this engine creates, so they're easy to
// spot and clean up on a managed host.
const prefix = "ludash"

// sentinelRe matches the launch wrapper's single status line, exactly as
// specified: "LUDASH_BG PID=<int> LOG=<path> EXIT=<path>".
var sentinelRe = regexp.MustCompile(`LUDASH_BG PID=(\d+) LOG=(\S+) EXIT=(\S+)`)

// Outcome classifies how a persistent command ended.
type Outcome int

const (
	OutcomeExited Outcome = iota
	OutcomeMonitoringLost
	OutcomeFilesGone
)

// Handle identifies one in-flight persistent remote command.
type Handle struct {
	PID      int
	LogPath  string
	ExitPath string
}

// Session is the transport contract this engine needs. sshmgr.Session
// satisfies it directly; tests substitute a fake.
type Session interface {
	Run(ctx context.Context, command string, timeout time.Duration, sudoPassword string, onData sshmgr.Stream) (*sshmgr.Result, error)
	StartTail(ctx context.Context, command string, onData sshmgr.Stream) (Tail, error)
}

// Tail is a long-running streaming command; sshmgr.Tail satisfies it.
type Tail interface {
	Wait(ctx context.Context) (lost bool, err error)
	Stop()
}

// sshSession adapts *sshmgr.Session to Session. Go interface satisfaction
// requires exact method signatures, and sshmgr.Session.StartTail returns
// the concrete *sshmgr.Tail rather than the Tail interface, so this thin
// wrapper bridges the two without sshmgr importing persistcmd.
type sshSession struct {
	*sshmgr.Session
}

func (s sshSession) StartTail(ctx context.Context, command string, onData sshmgr.Stream) (Tail, error) {
	return s.Session.StartTail(ctx, command, onData)
}

// Wrap adapts a live sshmgr.Session for use as a persistcmd.Session.
func Wrap(sess *sshmgr.Session) Session {
	return sshSession{sess}
}

// Result is the terminal outcome of Monitor or Resume.
type Result struct {
	Outcome  Outcome
	ExitCode int // valid only when Outcome == OutcomeExited
}

// Launch composes and runs the launch wrapper for command on session,
// returning the parsed Handle. sudoPassword, if non-empty, authenticates
// the launch wrapper itself (obtained once, interactively); the inner
// command's own `sudo -S` (if present) is rewritten to `sudo -n` since no
// interactive stdin survives the detach.
func Launch(ctx context.Context, sess Session, command string, launchTimeout time.Duration, sudoPassword string) (*Handle, error) {
	inner := rewriteSudoNonInteractive(command)
	encoded := base64.StdEncoding.EncodeToString([]byte(inner))

	wrapper := fmt.Sprintf(
		`SCRIPT=$(mktemp /tmp/%s_XXXXXX.sh); echo %s | base64 -d > "$SCRIPT"; `+
			`LOGFILE="${SCRIPT%%.sh}.log"; EXITFILE="${SCRIPT%%.sh}.exit"; `+
			`nohup sh -c 'sh "$0"; echo $? > "$1"; rm -f "$0"' "$SCRIPT" "$EXITFILE" > "$LOGFILE" 2>&1 & `+
			`PID=$!; echo "LUDASH_BG PID=$PID LOG=$LOGFILE EXIT=$EXITFILE"`,
		prefix, encoded,
	)

	if sudoPassword != "" {
		wrapper = "sudo -S -p '' sh -c " + shQuote(wrapper)
	}

	if launchTimeout <= 0 {
		launchTimeout = 30 * time.Second
	}

	result, err := sess.Run(ctx, wrapper, launchTimeout, sudoPassword, nil)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, orcherr.New(orcherr.Internal, fmt.Errorf("persistcmd: launch wrapper exited %d: %s", result.ExitCode, result.Stderr))
	}

	handle, err := ParseSentinel(result.Stdout)
	if err != nil {
		return nil, orcherr.New(orcherr.ParseError, fmt.Errorf("persistcmd: %w (output: %q)", err, result.Stdout))
	}
	return handle, nil
}

// ParseSentinel extracts the PID/LOG/EXIT sentinel line from launch
// output. A missing or malformed sentinel is a fatal engine error — there
// is no silent fallback to direct execution.
func ParseSentinel(output string) (*Handle, error) {
	m := sentinelRe.FindStringSubmatch(output)
	if m == nil {
		return nil, fmt.Errorf("no LUDASH_BG sentinel found")
	}
	pid, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("invalid pid in sentinel: %w", err)
	}
	return &Handle{PID: pid, LogPath: m[2], ExitPath: m[3]}, nil
}

// Monitor tails h.LogPath, streaming output to onData, until the tailed
// process exits (tail --pid ends on its own) or monitoring is lost
// (context cancelled or transport closed). On normal completion it reads
// the exit file and best-effort removes log+exit files.
func Monitor(ctx context.Context, sess Session, h *Handle, onData sshmgr.Stream) (*Result, error) {
	tailCmd := fmt.Sprintf("tail --pid=%d -f %s", h.PID, shQuote(h.LogPath))
	tail, err := sess.StartTail(ctx, tailCmd, onData)
	if err != nil {
		return nil, err
	}

	lost, err := tail.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if lost {
		return &Result{Outcome: OutcomeMonitoringLost}, nil
	}

	exitCode, err := readExitFile(ctx, sess, h.ExitPath)
	if err != nil {
		return nil, err
	}
	cleanup(ctx, sess, h)
	return &Result{Outcome: OutcomeExited, ExitCode: exitCode}, nil
}

// Resume re-establishes visibility into a persistent command after a
// reconnect, per the resume protocol: missing log -> FilesGone; exit file
// present -> read it and return; otherwise probe liveness with
// `kill -0` and re-attach the tail monitor if still alive, else FilesGone.
func Resume(ctx context.Context, sess Session, h *Handle, onData sshmgr.Stream) (*Result, error) {
	exists, err := testExists(ctx, sess, h.LogPath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &Result{Outcome: OutcomeFilesGone}, nil
	}

	if exitExists, _ := testExists(ctx, sess, h.ExitPath); exitExists {
		exitCode, err := readExitFile(ctx, sess, h.ExitPath)
		if err != nil {
			return nil, err
		}
		cleanup(ctx, sess, h)
		return &Result{Outcome: OutcomeExited, ExitCode: exitCode}, nil
	}

	alive, err := testAlive(ctx, sess, h.PID)
	if err != nil {
		return nil, err
	}
	if !alive {
		return &Result{Outcome: OutcomeFilesGone}, nil
	}

	return Monitor(ctx, sess, h, onData)
}

func testExists(ctx context.Context, sess Session, path string) (bool, error) {
	result, err := sess.Run(ctx, fmt.Sprintf("test -e %s", shQuote(path)), 10*time.Second, "", nil)
	if err != nil {
		return false, err
	}
	return result.ExitCode == 0, nil
}

func testAlive(ctx context.Context, sess Session, pid int) (bool, error) {
	result, err := sess.Run(ctx, fmt.Sprintf("kill -0 %d", pid), 10*time.Second, "", nil)
	if err != nil {
		return false, err
	}
	return result.ExitCode == 0, nil
}

func readExitFile(ctx context.Context, sess Session, path string) (int, error) {
	result, err := sess.Run(ctx, fmt.Sprintf("cat %s", shQuote(path)), 10*time.Second, "", nil)
	if err != nil {
		return 0, err
	}
	code, convErr := strconv.Atoi(strings.TrimSpace(result.Stdout))
	if convErr != nil {
		return 0, orcherr.New(orcherr.ParseError, fmt.Errorf("persistcmd: malformed exit file %s: %q", path, result.Stdout))
	}
	return code, nil
}

func cleanup(ctx context.Context, sess Session, h *Handle) {
	// Best-effort: cleanup failures never fail the operation.
	_, _ = sess.Run(ctx, fmt.Sprintf("rm -f %s %s", shQuote(h.LogPath), shQuote(h.ExitPath)), 10*time.Second, "", nil)
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// rewriteSudoNonInteractive swaps `sudo -S` for `sudo -n` in a command
// destined to run detached: no interactive stdin survives nohup/disown,
// so the inner command must rely on privileges already cached by sudo at
// launch time (obtained via the wrapper's own interactive sudoPassword).
func rewriteSudoNonInteractive(command string) string {
	return strings.ReplaceAll(command, "sudo -S", "sudo -n")
}
