package orchestrator

import (
	"context"

	"github.com/ludash/controlplane/internal/persistcmd"
	"github.com/ludash/controlplane/internal/sshmgr"
)

// Session is everything a workflow needs from a live connection. It is
// persistcmd.Session plus Close, so both the persistent-command engine
// and plain sess.Run calls share one connection per operation attempt.
type Session interface {
	persistcmd.Session
	Close()
}

// Connector opens Sessions. Production wires *sshmgr.Manager via
// NewManagerConnector; tests substitute a fake that returns scripted
// Sessions without any network I/O.
type Connector interface {
	Connect(ctx context.Context, t *sshmgr.Target) (Session, error)
}

// sshSession adapts *sshmgr.Session to Session. Mirrors persistcmd.Wrap:
// Go requires exact method signatures for interface satisfaction, and
// sshmgr.Session.StartTail returns the concrete *sshmgr.Tail rather than
// persistcmd.Tail.
type sshSession struct {
	*sshmgr.Session
}

func (s sshSession) StartTail(ctx context.Context, command string, onData sshmgr.Stream) (persistcmd.Tail, error) {
	return s.Session.StartTail(ctx, command, onData)
}

type managerConnector struct {
	mgr *sshmgr.Manager
}

// NewManagerConnector adapts a live sshmgr.Manager for use as a Connector.
func NewManagerConnector(mgr *sshmgr.Manager) Connector {
	return managerConnector{mgr: mgr}
}

func (c managerConnector) Connect(ctx context.Context, t *sshmgr.Target) (Session, error) {
	sess, err := c.mgr.Connect(ctx, t)
	if err != nil {
		return nil, err
	}
	return sshSession{sess}, nil
}
