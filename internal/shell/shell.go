package shell

import (
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/YU-7/Netcatty-sub002/internal/chain"
	"github.com/YU-7/Netcatty-sub002/internal/interactive"
)

// EventKind discriminates Session events.
type EventKind string

const (
	// EventData carries a coalesced batch of remote terminal output.
	EventData EventKind = "data"
	// EventHopProgress reports jump-chain construction status.
	EventHopProgress EventKind = "hop-progress"
	// EventChallenge surfaces a pending keyboard-interactive request
	// addressed to this session.
	EventChallenge EventKind = "challenge"
	// EventExit is the terminal event. It is delivered exactly once; no
	// event follows it.
	EventExit EventKind = "exit"
)

// Event is one item on a Session's event stream.
type Event struct {
	Kind      EventKind
	Data      []byte               // EventData
	Hop       *chain.Progress      // EventHopProgress
	Challenge *interactive.Request // EventChallenge
	Err       error                // EventExit; nil on clean exit
}

// Session is one interactive remote shell. It owns the SSH session, its
// transport client and any jump-chain connections, all torn down together
// exactly once when the session ends for any reason.
type Session struct {
	ID        string
	SurfaceID string

	mgr    *Manager
	conn   *chain.Connection
	sess   *ssh.Session
	stdin  io.WriteCloser
	out    *coalescer
	events chan Event

	emu      sync.Mutex
	finished bool

	settled sync.Once
}

// Events returns the session's event stream. The stream is not closed; the
// EventExit event marks its end.
func (s *Session) Events() <-chan Event { return s.events }

// Write sends bytes to the remote shell's stdin. Writes after the session
// has ended are dropped.
func (s *Session) Write(p []byte) error {
	s.emu.Lock()
	done := s.finished
	s.emu.Unlock()
	if done || s.stdin == nil {
		return nil
	}
	_, err := s.stdin.Write(p)
	return err
}

// Resize changes the remote PTY dimensions. A no-op once the session ended.
func (s *Session) Resize(cols, rows int) error {
	s.emu.Lock()
	done := s.finished
	s.emu.Unlock()
	if done || s.sess == nil {
		return nil
	}
	return s.sess.WindowChange(rows, cols)
}

// Close ends the session. Safe to call any number of times and concurrently
// with a remote-initiated exit; teardown runs once.
func (s *Session) Close() {
	s.finish(nil)
}

// finish is the single teardown path: remote EOF, transport error and
// explicit Close all land here. It flushes pending output, releases the SSH
// session, then the client and chain hops in reverse order, deregisters the
// session and emits the one EventExit.
func (s *Session) finish(err error) {
	s.settled.Do(func() {
		if s.out != nil {
			s.out.Close()
		}

		s.emu.Lock()
		s.finished = true
		s.emu.Unlock()

		if s.stdin != nil {
			s.stdin.Close()
		}
		if s.sess != nil {
			s.sess.Close()
		}
		if s.conn != nil {
			if cerr := s.conn.Close(); cerr != nil {
				log.Debugf("shell: closing transport for session %s: %v", s.ID, cerr)
			}
		}

		if s.mgr != nil {
			s.mgr.deregister(s.ID)
		}

		log.Infof("shell: session %s ended (err=%v)", s.ID, err)
		ev := Event{Kind: EventExit, Err: err}
		select {
		case s.events <- ev:
		default:
			// Consumer backlog; deliver the exit asynchronously rather
			// than stalling teardown.
			go func() { s.events <- ev }()
		}
	})
}

// emit delivers a non-terminal event. Events arriving after the session has
// finished are dropped so EventExit stays last; a full channel drops data
// rather than blocking the output pump.
func (s *Session) emit(ev Event) {
	s.emu.Lock()
	defer s.emu.Unlock()
	if s.finished {
		return
	}
	select {
	case s.events <- ev:
	default:
		log.Warnf("shell: session %s event channel full, dropping %s", s.ID, ev.Kind)
	}
}
