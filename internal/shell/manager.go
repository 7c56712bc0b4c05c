package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/YU-7/Netcatty-sub002/internal/chain"
	"github.com/YU-7/Netcatty-sub002/internal/config"
	"github.com/YU-7/Netcatty-sub002/internal/interactive"
	"github.com/YU-7/Netcatty-sub002/internal/proxynet"
	"github.com/YU-7/Netcatty-sub002/internal/sshauth"
)

const eventBuffer = 256

// PTY describes the requested remote pseudo-terminal.
type PTY struct {
	Cols int
	Rows int
	Term string
}

// StartOptions parameterizes one interactive session.
type StartOptions struct {
	// ID identifies the session; generated when empty.
	ID string
	// SurfaceID identifies the caller's UI surface for routing
	// keyboard-interactive challenges back to it.
	SurfaceID string

	Target sshauth.Target
	Hops   []sshauth.Target
	Proxy  *proxynet.Descriptor

	PTY PTY
	// Env is sent to the remote via env requests before the shell starts.
	// Servers commonly reject names outside AcceptEnv; rejections are
	// logged and ignored.
	Env map[string]string
	// Charset overrides the configured terminal charset for the LANG
	// locale sent to the remote.
	Charset string
	// StartupCommand is typed into the shell right after it opens.
	StartupCommand string

	// AllowInteractive permits keyboard-interactive auth and passphrase
	// prompts during connection.
	AllowInteractive bool
}

// ExecOptions parameterizes a one-shot remote command.
type ExecOptions struct {
	// Timeout bounds the whole operation, connection included. Zero means
	// the configured connect timeout; when AllowInteractive is set the
	// configured interactive timeout applies if it is longer.
	Timeout          time.Duration
	AllowInteractive bool
	Env              map[string]string
}

// ExecResult is the collected outcome of a one-shot command.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Manager opens and tracks interactive shell sessions. One Manager serves
// the whole process; sessions register on start and deregister on exit.
type Manager struct {
	cfg    *config.Config
	dialer *chain.Dialer

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager wires a session manager over the shared connection
// infrastructure. bridge may be nil to disable interactive prompts.
func NewManager(cfg *config.Config, dialer *chain.Dialer) *Manager {
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		sessions: make(map[string]*Session),
	}
}

// Start connects (through hops and proxy when given), authenticates, opens a
// PTY shell and begins pumping output. The returned session is already
// registered and producing events.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (*Session, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	s := &Session{
		ID:        id,
		SurfaceID: opts.SurfaceID,
		mgr:       m,
		events:    make(chan Event, eventBuffer),
	}

	// Register before dialing so challenge routing by session id works
	// during authentication.
	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s already exists", id)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	conn, err := m.dialer.Connect(ctx, opts.Target, opts.Hops, opts.Proxy, chain.Options{
		AllowInteractive: opts.AllowInteractive,
		SurfaceID:        opts.SurfaceID,
		SessionID:        id,
		OnProgress: func(p chain.Progress) {
			prog := p
			s.emit(Event{Kind: EventHopProgress, Hop: &prog})
		},
	})
	if err != nil {
		m.deregister(id)
		return nil, err
	}
	s.conn = conn

	if err := m.openShell(s, opts); err != nil {
		s.finish(err)
		return nil, err
	}

	log.Infof("shell: session %s started for %s", id, opts.Target.Identity())
	return s, nil
}

func (m *Manager) openShell(s *Session, opts StartOptions) error {
	sess, err := s.conn.Client.NewSession()
	if err != nil {
		return fmt.Errorf("opening session channel: %w", err)
	}
	s.sess = sess

	charset := opts.Charset
	if charset == "" {
		charset = m.cfg.Terminal.Charset
	}
	env := map[string]string{"LANG": localeFor(charset)}
	for k, v := range opts.Env {
		env[k] = v
	}
	for k, v := range env {
		if err := sess.Setenv(k, v); err != nil {
			log.Debugf("shell: remote rejected env %s: %v", k, err)
		}
	}

	pty := opts.PTY
	if pty.Term == "" {
		pty.Term = "xterm-256color"
	}
	if pty.Cols <= 0 {
		pty.Cols = 80
	}
	if pty.Rows <= 0 {
		pty.Rows = 24
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(pty.Term, pty.Rows, pty.Cols, modes); err != nil {
		return fmt.Errorf("requesting pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening stdin: %w", err)
	}
	s.stdin = stdin

	s.out = newCoalescer(m.cfg.Terminal.FlushInterval, m.cfg.Terminal.FlushThreshold, func(b []byte) {
		s.emit(Event{Kind: EventData, Data: b})
	})
	sess.Stdout = s.out
	sess.Stderr = s.out

	if err := sess.Shell(); err != nil {
		return fmt.Errorf("starting shell: %w", err)
	}

	if opts.StartupCommand != "" {
		if _, err := stdin.Write([]byte(opts.StartupCommand + "\n")); err != nil {
			log.Warnf("shell: session %s startup command: %v", s.ID, err)
		}
	}

	go func() {
		err := sess.Wait()
		// A clean remote exit reports no error even when the shell's
		// exit status is non-zero; callers watch the terminal's output
		// for that, not the event.
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			err = nil
		}
		s.finish(err)
	}()

	return nil
}

// Get looks up a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// HandleChallenge routes a pending keyboard-interactive request to the
// session it belongs to. Returns false when no such session is registered,
// letting the caller surface it elsewhere.
func (m *Manager) HandleChallenge(req interactive.Request) bool {
	m.mu.Lock()
	s, ok := m.sessions[req.SessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	r := req
	s.emit(Event{Kind: EventChallenge, Challenge: &r})
	return true
}

// Close ends every live session.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

func (m *Manager) deregister(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Exec connects, runs one command without a PTY and returns its collected
// output and exit code. The transport is torn down before returning.
func (m *Manager) Exec(ctx context.Context, target sshauth.Target, hops []sshauth.Target, proxy *proxynet.Descriptor, command string, opts ExecOptions) (ExecResult, error) {
	limit := opts.Timeout
	if limit <= 0 {
		limit = m.cfg.Connect.Timeout
	}
	if opts.AllowInteractive && m.cfg.Connect.InteractiveTimeout > limit {
		limit = m.cfg.Connect.InteractiveTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	conn, err := m.dialer.Connect(ctx, target, hops, proxy, chain.Options{
		AllowInteractive: opts.AllowInteractive,
	})
	if err != nil {
		return ExecResult{}, err
	}
	defer conn.Close()

	sess, err := conn.Client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("opening session channel: %w", err)
	}
	defer sess.Close()

	for k, v := range opts.Env {
		if err := sess.Setenv(k, v); err != nil {
			log.Debugf("shell: remote rejected env %s: %v", k, err)
		}
	}

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		sess.Close()
		return ExecResult{}, fmt.Errorf("command timed out after %s: %w", limit, ctx.Err())
	}

	res := ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	if runErr != nil {
		return res, fmt.Errorf("running %q: %w", command, runErr)
	}
	return res, nil
}

// localeFor maps a terminal charset to the LANG value announced to the
// remote so its tools emit bytes in the charset the terminal will decode.
func localeFor(charset string) string {
	switch strings.ToLower(strings.ReplaceAll(charset, "_", "-")) {
	case "", "utf-8", "utf8":
		return "en_US.UTF-8"
	case "gbk", "gb2312", "gb18030":
		return "zh_CN.GBK"
	case "big5":
		return "zh_TW.Big5"
	case "euc-kr", "euckr":
		return "ko_KR.eucKR"
	case "euc-jp", "eucjp":
		return "ja_JP.eucJP"
	default:
		return "en_US.UTF-8"
	}
}
