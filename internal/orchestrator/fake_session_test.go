package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ludash/controlplane/internal/persistcmd"
	"github.com/ludash/controlplane/internal/sshmgr"
)

// fakeSession scripts one response per call, in call order, mirroring the
// fake used in internal/persistcmd's tests — the orchestrator issues Run
// and StartTail calls in a deterministic sequence per workflow, so tests
// assert on that sequence rather than matching command text.
type fakeSession struct {
	runs   []func(cmd string) (*sshmgr.Result, error)
	tails  []func(cmd string) (persistcmd.Tail, error)
	runN   int
	tailN  int
	closed bool
}

func (f *fakeSession) Run(_ context.Context, cmd string, _ time.Duration, _ string, onData sshmgr.Stream) (*sshmgr.Result, error) {
	if f.runN >= len(f.runs) {
		return nil, fmt.Errorf("fakeSession: unexpected Run call %d for %q", f.runN, cmd)
	}
	fn := f.runs[f.runN]
	f.runN++
	res, err := fn(cmd)
	if err == nil && onData != nil && res != nil {
		onData([]byte(res.Stdout), "stdout")
	}
	return res, err
}

func (f *fakeSession) StartTail(_ context.Context, cmd string, _ sshmgr.Stream) (persistcmd.Tail, error) {
	if f.tailN >= len(f.tails) {
		return nil, fmt.Errorf("fakeSession: unexpected StartTail call %d for %q", f.tailN, cmd)
	}
	fn := f.tails[f.tailN]
	f.tailN++
	return fn(cmd)
}

func (f *fakeSession) Close() { f.closed = true }

type fakeTail struct {
	lost bool
	err  error
}

func (t *fakeTail) Wait(context.Context) (bool, error) { return t.lost, t.err }
func (t *fakeTail) Stop()                              {}

// fakeConnector returns a queue of sessions, one per Connect call, so
// reconnection tests can hand out a fresh fakeSession on each attempt.
type fakeConnector struct {
	sessions []*fakeSession
	errs     []error
	n        int
}

func (c *fakeConnector) Connect(context.Context, *sshmgr.Target) (Session, error) {
	if c.n >= len(c.sessions) && c.n >= len(c.errs) {
		return nil, fmt.Errorf("fakeConnector: unexpected Connect call %d", c.n)
	}
	var sess *fakeSession
	var err error
	if c.n < len(c.sessions) {
		sess = c.sessions[c.n]
	}
	if c.n < len(c.errs) {
		err = c.errs[c.n]
	}
	c.n++
	if err != nil {
		return nil, err
	}
	return sess, nil
}
