package sftpx

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"

	"github.com/YU-7/Netcatty-sub002/internal/chain"
	"github.com/YU-7/Netcatty-sub002/internal/config"
	"github.com/YU-7/Netcatty-sub002/internal/proxynet"
	"github.com/YU-7/Netcatty-sub002/internal/sshauth"
)

// OpenOptions parameterizes one SFTP session.
type OpenOptions struct {
	// ID identifies the session; generated when empty.
	ID        string
	SurfaceID string

	Target sshauth.Target
	Hops   []sshauth.Target
	Proxy  *proxynet.Descriptor

	// Sudo elevates the remote SFTP server to root after authenticating
	// as the (non-root) target user.
	Sudo         bool
	SudoPassword string

	// Encoding fixes the filename encoding up front. Empty or "auto"
	// resolves on the first directory listing.
	Encoding string

	AllowInteractive bool
}

// Manager opens and tracks SFTP sessions.
type Manager struct {
	cfg    *config.Config
	dialer *chain.Dialer

	mu       sync.Mutex
	sessions map[string]*Session
	onClose  func(sessionID string)
}

// NewManager wires an SFTP session manager over the shared connection
// infrastructure.
func NewManager(cfg *config.Config, dialer *chain.Dialer) *Manager {
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		sessions: make(map[string]*Session),
	}
}

// SetCloseHook registers a callback invoked with the session id whenever a
// session closes, before its transport goes away. The file-watch service
// hangs its cascading cleanup here.
func (m *Manager) SetCloseHook(h func(sessionID string)) {
	m.mu.Lock()
	m.onClose = h
	m.mu.Unlock()
}

// Open connects (through hops and proxy when given), authenticates and
// starts an SFTP session, elevated through sudo when requested.
func (m *Manager) Open(ctx context.Context, opts OpenOptions) (*Session, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	codec, err := newPathCodec(opts.Encoding, m.cfg.Sftp.FallbackEncoding)
	if err != nil {
		return nil, err
	}

	conn, err := m.dialer.Connect(ctx, opts.Target, opts.Hops, opts.Proxy, chain.Options{
		AllowInteractive: opts.AllowInteractive,
		SurfaceID:        opts.SurfaceID,
		SessionID:        id,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:    id,
		Sudo:  opts.Sudo,
		mgr:   m,
		conn:  conn,
		codec: codec,
	}

	if opts.Sudo {
		cli, sess, err := m.elevate(ctx, conn.Client, opts.SudoPassword)
		if err != nil {
			conn.Close()
			return nil, err
		}
		s.client = cli
		s.sudoSess = sess
	} else {
		cli, err := sftp.NewClient(conn.Client)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("starting sftp subsystem: %w", err)
		}
		s.client = cli
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		s.Close()
		return nil, fmt.Errorf("session %s already exists", id)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	log.Infof("sftpx: session %s opened for %s (sudo=%v)", id, opts.Target.Identity(), opts.Sudo)
	return s, nil
}

// Get looks up a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close tears down every live session.
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

// sessionClosed deregisters and fires the cascade hook. Called exactly once
// per session from Session.Close.
func (m *Manager) sessionClosed(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	hook := m.onClose
	m.mu.Unlock()
	if hook != nil {
		hook(id)
	}
}
