// Package sshmgr manages outbound SSH sessions to managed hosts under a
// bounded concurrency semaphore, and runs commands on them with timeout,
// optional sudo stdin, and streaming output callbacks.
package sshmgr

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ludash/controlplane/internal/orcherr"
	"github.com/ludash/controlplane/internal/store"
	"github.com/ludash/controlplane/internal/vault"
)

// Target is everything needed to open a session to one host: connection
// parameters plus decrypted credentials. Callers build this by decrypting
// a store.Host's vault tokens; it never touches disk or the store itself.
type Target struct {
	Hostname       string
	Port           int
	Username       string
	AuthMode       store.AuthMode
	Password       string
	PrivateKey     string // PEM
	KeyPassword    string // passphrase for PrivateKey, optional
	SudoPassword   string
	ReadyTimeout   time.Duration
}

// TargetFromHost decrypts a store.Host's credential tokens through v and
// builds a Target. Empty tokens decrypt to the empty string.
func TargetFromHost(h *store.Host, v *vault.Vault, readyTimeout time.Duration) (*Target, error) {
	decrypt := func(token string) (string, error) {
		if token == "" {
			return "", nil
		}
		pt, err := v.Decrypt(token)
		if err != nil {
			return "", orcherr.New(orcherr.Config, fmt.Errorf("decrypt credential: %w", err))
		}
		return string(pt), nil
	}

	password, err := decrypt(h.EncPassword)
	if err != nil {
		return nil, err
	}
	key, err := decrypt(h.EncPrivateKey)
	if err != nil {
		return nil, err
	}
	keyPass, err := decrypt(h.EncKeyPassword)
	if err != nil {
		return nil, err
	}
	sudoPass, err := decrypt(h.EncSudoPassword)
	if err != nil {
		return nil, err
	}

	return &Target{
		Hostname:     h.Hostname,
		Port:         h.Port,
		Username:     h.Username,
		AuthMode:     h.AuthMode,
		Password:     password,
		PrivateKey:   key,
		KeyPassword:  keyPass,
		SudoPassword: sudoPass,
		ReadyTimeout: readyTimeout,
	}, nil
}

// Manager bounds outbound SSH concurrency to N simultaneous sessions. The
// semaphore channel is FIFO for a single waiter set, matching Go channel
// send/receive ordering.
type Manager struct {
	sem          chan struct{}
	readyTimeout time.Duration
	metrics      SessionMetrics
}

// SessionMetrics is the subset of internal/metrics.Metrics the SSH manager
// reports session duration to. Declared here, not imported, so sshmgr has
// no compile-time dependency on the prometheus client.
type SessionMetrics interface {
	ObserveSSHSessionDuration(time.Duration)
}

type noopSessionMetrics struct{}

func (noopSessionMetrics) ObserveSSHSessionDuration(time.Duration) {}

// New builds a Manager with capacity slots and the given default
// connect-ready timeout (used when a Target doesn't override it).
func New(capacity int, readyTimeout time.Duration) *Manager {
	if capacity <= 0 {
		capacity = 5
	}
	if readyTimeout <= 0 {
		readyTimeout = 30 * time.Second
	}
	return &Manager{
		sem:          make(chan struct{}, capacity),
		readyTimeout: readyTimeout,
		metrics:      noopSessionMetrics{},
	}
}

// SetMetrics wires m into the manager so every Session it opens reports its
// lifetime duration on Close.
func (m *Manager) SetMetrics(sm SessionMetrics) {
	m.metrics = sm
}

// Session is one acquired, authenticated SSH connection. Close must always
// be called to release the semaphore slot, even on error paths.
type Session struct {
	client   *ssh.Client
	target   *Target
	mgr      *Manager
	closed   bool
	openedAt time.Time
}

// Connect acquires a semaphore slot, dials, and authenticates. On any
// failure the slot is released before returning.
func (m *Manager) Connect(ctx context.Context, t *Target) (*Session, error) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, orcherr.New(orcherr.Timeout, ctx.Err())
	}

	client, err := m.dial(ctx, t)
	if err != nil {
		<-m.sem
		return nil, err
	}

	return &Session{client: client, target: t, mgr: m, openedAt: time.Now()}, nil
}

func (m *Manager) dial(ctx context.Context, t *Target) (*ssh.Client, error) {
	config, err := buildConfig(t)
	if err != nil {
		return nil, err
	}

	timeout := t.ReadyTimeout
	if timeout <= 0 {
		timeout = m.readyTimeout
	}
	config.Timeout = timeout

	port := t.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(t.Hostname, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, orcherr.New(orcherr.Transport, fmt.Errorf("dial %s: %w", addr, err))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		if isAuthError(err) {
			return nil, orcherr.New(orcherr.AuthDenied, fmt.Errorf("ssh handshake %s: %w", addr, err))
		}
		return nil, orcherr.New(orcherr.Transport, fmt.Errorf("ssh handshake %s: %w", addr, err))
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// buildConfig resolves auth from AuthMode: password or private key
// (optionally passphrase-protected). HostKeyCallback is intentionally
// ssh.InsecureIgnoreHostKey: there is no known-hosts
// contract for this system, and a documented open question in DESIGN.md
// tracks adding TOFU verification as a follow-up.
func buildConfig(t *Target) (*ssh.ClientConfig, error) {
	username := t.Username
	if username == "" {
		username = "root"
	}

	config := &ssh.ClientConfig{
		User:            username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	switch t.AuthMode {
	case store.AuthKey:
		if t.PrivateKey == "" {
			return nil, orcherr.New(orcherr.Config, fmt.Errorf("host %s: key auth mode but no private key", t.Hostname))
		}
		var signer ssh.Signer
		var err error
		if t.KeyPassword != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(t.PrivateKey), []byte(t.KeyPassword))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(t.PrivateKey))
		}
		if err != nil {
			return nil, orcherr.New(orcherr.Config, fmt.Errorf("parse private key for %s: %w", t.Hostname, err))
		}
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case store.AuthPassword:
		if t.Password == "" {
			return nil, orcherr.New(orcherr.Config, fmt.Errorf("host %s: password auth mode but no password", t.Hostname))
		}
		config.Auth = []ssh.AuthMethod{ssh.Password(t.Password)}
	default:
		return nil, orcherr.New(orcherr.Config, fmt.Errorf("host %s: unknown auth mode %q", t.Hostname, t.AuthMode))
	}

	return config, nil
}

func isAuthError(err error) bool {
	if _, ok := err.(*ssh.AuthErrorList); ok {
		return true
	}
	// x/crypto/ssh wraps unhandled-auth-methods this way before any
	// AuthErrorList is produced.
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Close releases the underlying SSH client and the semaphore slot. Safe to
// call more than once.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.client.Close()
	s.mgr.metrics.ObserveSSHSessionDuration(time.Since(s.openedAt))
	<-s.mgr.sem
}

// NewRawSession opens a new SSH channel-backed session for a single
// command or persistent-command launch. Run and StartTail below build on
// it; it is exported for callers that need StdinPipe/StdoutPipe/StderrPipe
// directly.
func (s *Session) NewRawSession() (*ssh.Session, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, orcherr.New(orcherr.Transport, fmt.Errorf("new ssh session: %w", err))
	}
	return sess, nil
}

// sanePath is prefixed onto every remote command so tooling resolves the
// same way across minimal and full-featured distros, and output is
// English regardless of the operator's locale.
const sanePath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

func envPrefix() string {
	return fmt.Sprintf("export LC_ALL=C LANG=C PATH=%s; ", sanePath)
}

// Stream is the callback signature for Run's streaming output. kind is
// "stdout" or "stderr".
type Stream func(chunk []byte, kind string)

// Result is the outcome of one Run call.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes one command to completion, streaming output chunks to
// onData (which may be nil) while also accumulating the full stdout and
// stderr. If sudoPassword is non-empty, it is written to the remote
// stdin followed by a newline, then stdin is closed. The timeout resolves
// with ExitCode -1 and Stderr "timed out" on expiry.
func (s *Session) Run(ctx context.Context, command string, timeout time.Duration, sudoPassword string, onData Stream) (*Result, error) {
	sess, err := s.NewRawSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	stdoutPipe, err := sess.StdoutPipe()
	if err != nil {
		return nil, orcherr.New(orcherr.Transport, fmt.Errorf("stdout pipe: %w", err))
	}
	stderrPipe, err := sess.StderrPipe()
	if err != nil {
		return nil, orcherr.New(orcherr.Transport, fmt.Errorf("stderr pipe: %w", err))
	}

	var stdinPipe interface {
		Write(p []byte) (int, error)
		Close() error
	}
	if sudoPassword != "" {
		stdinPipe, err = sess.StdinPipe()
		if err != nil {
			return nil, orcherr.New(orcherr.Transport, fmt.Errorf("stdin pipe: %w", err))
		}
	}

	full := envPrefix() + command

	var stdoutBuf, stderrBuf []byte
	done := make(chan error, 1)

	startErr := sess.Start(full)
	if startErr != nil {
		return nil, orcherr.New(orcherr.Transport, fmt.Errorf("start command: %w", startErr))
	}

	if stdinPipe != nil {
		_, _ = stdinPipe.Write([]byte(sudoPassword + "\n"))
		_ = stdinPipe.Close()
	}

	collect := func(r interface{ Read([]byte) (int, error) }, kind string, out *[]byte) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := append(scanner.Bytes(), '\n')
			*out = append(*out, line...)
			if onData != nil {
				onData(line, kind)
			}
		}
	}

	go collect(stdoutPipe, "stdout", &stdoutBuf)
	go collect(stderrPipe, "stderr", &stderrBuf)

	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		return &Result{Stdout: "", Stderr: "timed out", ExitCode: -1}, nil
	case <-time.After(timeout):
		sess.Signal(ssh.SIGKILL)
		return &Result{Stdout: "", Stderr: "timed out", ExitCode: -1}, nil
	case waitErr := <-done:
		exitCode := 0
		if waitErr != nil {
			if exitErr, ok := waitErr.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return nil, orcherr.New(orcherr.Transport, fmt.Errorf("wait: %w", waitErr))
			}
		}
		return &Result{Stdout: string(stdoutBuf), Stderr: string(stderrBuf), ExitCode: exitCode}, nil
	}
}

// Tail is a long-running streaming command (the persistent-command
// engine's monitoring protocol: `tail --pid=<pid> -f <log>`). It ends on
// its own once the remote process it tails exits.
type Tail struct {
	sess *ssh.Session
	done chan error
}

// StartTail launches command in a new channel and streams its stdout to
// onData as it arrives. It does not wait for completion; call Wait.
func (s *Session) StartTail(ctx context.Context, command string, onData Stream) (*Tail, error) {
	sess, err := s.NewRawSession()
	if err != nil {
		return nil, err
	}

	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, orcherr.New(orcherr.Transport, fmt.Errorf("stdout pipe: %w", err))
	}

	if err := sess.Start(envPrefix() + command); err != nil {
		sess.Close()
		return nil, orcherr.New(orcherr.Transport, fmt.Errorf("start tail: %w", err))
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if onData != nil {
				onData(append(scanner.Bytes(), '\n'), "stdout")
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	return &Tail{sess: sess, done: done}, nil
}

// Wait blocks until the tailed process is observed to finish (tail exits
// normally, meaning the pid it was watching is gone) or ctx is cancelled.
// lost=true means the caller should treat this as MonitoringLost and
// attempt reconnection; the remote process may still be running.
func (t *Tail) Wait(ctx context.Context) (lost bool, err error) {
	select {
	case <-ctx.Done():
		t.Stop()
		return true, nil
	case waitErr := <-t.done:
		if waitErr != nil {
			if _, ok := waitErr.(*ssh.ExitError); ok {
				return false, nil
			}
			return true, nil
		}
		return false, nil
	}
}

// Stop terminates the tail session early, e.g. on caller-initiated
// cancellation.
func (t *Tail) Stop() {
	t.sess.Signal(ssh.SIGKILL)
	t.sess.Close()
}
