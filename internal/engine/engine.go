// Package engine assembles the remote-access core behind one facade: shell
// sessions, SFTP sessions, transfers, file watches and the interactive
// prompt bridge, sharing a single dialer, auth cache and configuration.
package engine

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/YU-7/Netcatty-sub002/internal/chain"
	"github.com/YU-7/Netcatty-sub002/internal/config"
	"github.com/YU-7/Netcatty-sub002/internal/hostkeys"
	"github.com/YU-7/Netcatty-sub002/internal/interactive"
	"github.com/YU-7/Netcatty-sub002/internal/sftpx"
	"github.com/YU-7/Netcatty-sub002/internal/shell"
	"github.com/YU-7/Netcatty-sub002/internal/sshauth"
	"github.com/YU-7/Netcatty-sub002/internal/transfer"
	"github.com/YU-7/Netcatty-sub002/internal/watch"
)

// Engine is the embedding surface for the desktop shell. All stores are
// injected at construction; there are no package-level singletons.
type Engine struct {
	cfg *config.Config

	Shell       *shell.Manager
	Sftp        *sftpx.Manager
	Transfers   *transfer.Engine
	Watches     *watch.Service
	Interactive *interactive.Bridge
	AuthCache   *sshauth.MethodCache
}

// New wires a complete engine from configuration.
func New(cfg *config.Config) (*Engine, error) {
	hostKeys, err := hostkeys.Resolve(hostkeys.Policy{
		KnownHostsFile: cfg.Connect.KnownHostsFile,
	})
	if err != nil {
		return nil, fmt.Errorf("resolving host key policy: %w", err)
	}

	bridge := interactive.NewBridge(cfg.Connect.PromptTTL)
	cache := sshauth.NewMethodCache()
	dialer := &chain.Dialer{
		Config:   cfg,
		Bridge:   bridge,
		Cache:    cache,
		HostKeys: hostKeys,
	}

	e := &Engine{
		cfg:         cfg,
		Shell:       shell.NewManager(cfg, dialer),
		Sftp:        sftpx.NewManager(cfg, dialer),
		Transfers:   transfer.New(),
		Watches:     watch.NewService(cfg),
		Interactive: bridge,
		AuthCache:   cache,
	}

	// Closing an SFTP session stops its watches and sweeps its temp files.
	e.Sftp.SetCloseHook(func(sessionID string) {
		e.Watches.StopForSession(sessionID, true)
	})

	// Challenges bound to a shell session surface on that session's event
	// stream; anything else stays pending on the bridge for the UI to
	// collect and answer.
	bridge.SetHandler(func(req interactive.Request) {
		if e.Shell.HandleChallenge(req) {
			return
		}
		log.Debugf("engine: challenge %s pending for surface %s", req.ID, req.SurfaceID)
	})

	return e, nil
}

// Close tears everything down: sessions first (cascading watches), then the
// bridge, which settles any prompt still pending.
func (e *Engine) Close() {
	e.Shell.Close()
	e.Sftp.Close()
	e.Watches.Close()
	e.Interactive.Close()
}

// =============================================================================
// Shell sessions
// =============================================================================

// StartSession opens an interactive shell session.
func (e *Engine) StartSession(ctx context.Context, opts shell.StartOptions) (*shell.Session, error) {
	return e.Shell.Start(ctx, opts)
}

// Write feeds bytes to a session's stdin. Fire and forget: unknown ids drop.
func (e *Engine) Write(sessionID string, p []byte) {
	if s, ok := e.Shell.Get(sessionID); ok {
		if err := s.Write(p); err != nil {
			log.Debugf("engine: write to %s: %v", sessionID, err)
		}
	}
}

// Resize changes a session's PTY size. Fire and forget.
func (e *Engine) Resize(sessionID string, cols, rows int) {
	if s, ok := e.Shell.Get(sessionID); ok {
		if err := s.Resize(cols, rows); err != nil {
			log.Debugf("engine: resize %s: %v", sessionID, err)
		}
	}
}

// CloseSession ends a shell session. Fire and forget.
func (e *Engine) CloseSession(sessionID string) {
	if s, ok := e.Shell.Get(sessionID); ok {
		s.Close()
	}
}

// Exec runs a one-shot remote command without a PTY.
func (e *Engine) Exec(ctx context.Context, target sshauth.Target, hops []sshauth.Target, command string, opts shell.ExecOptions) (shell.ExecResult, error) {
	return e.Shell.Exec(ctx, target, hops, nil, command, opts)
}

// =============================================================================
// SFTP sessions and file operations
// =============================================================================

// OpenSFTP opens an SFTP session, optionally sudo-elevated.
func (e *Engine) OpenSFTP(ctx context.Context, opts sftpx.OpenOptions) (*sftpx.Session, error) {
	return e.Sftp.Open(ctx, opts)
}

// CloseSFTP ends an SFTP session, cascading watch and temp cleanup.
func (e *Engine) CloseSFTP(sessionID string) {
	if s, ok := e.Sftp.Get(sessionID); ok {
		s.Close()
	}
}

func (e *Engine) sftpSession(sessionID string) (*sftpx.Session, error) {
	s, ok := e.Sftp.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("no sftp session %s", sessionID)
	}
	return s, nil
}

// List reads a remote directory on an open SFTP session.
func (e *Engine) List(sessionID, dir string, opts ...sftpx.OpOption) ([]sftpx.Entry, error) {
	s, err := e.sftpSession(sessionID)
	if err != nil {
		return nil, err
	}
	return s.List(dir, opts...)
}

// Stat returns metadata for a remote path.
func (e *Engine) Stat(sessionID, path string, opts ...sftpx.OpOption) (sftpx.Entry, error) {
	s, err := e.sftpSession(sessionID)
	if err != nil {
		return sftpx.Entry{}, err
	}
	return s.Stat(path, opts...)
}

// ReadFile fetches a whole remote file.
func (e *Engine) ReadFile(sessionID, path string, opts ...sftpx.OpOption) ([]byte, error) {
	s, err := e.sftpSession(sessionID)
	if err != nil {
		return nil, err
	}
	return s.ReadFile(path, opts...)
}

// WriteFile replaces a remote file.
func (e *Engine) WriteFile(sessionID, path string, data []byte, opts ...sftpx.OpOption) error {
	s, err := e.sftpSession(sessionID)
	if err != nil {
		return err
	}
	return s.WriteFile(path, data, opts...)
}

// Mkdir creates one remote directory.
func (e *Engine) Mkdir(sessionID, path string, opts ...sftpx.OpOption) error {
	s, err := e.sftpSession(sessionID)
	if err != nil {
		return err
	}
	return s.Mkdir(path, opts...)
}

// MkdirAll creates a remote directory and missing parents.
func (e *Engine) MkdirAll(sessionID, path string, opts ...sftpx.OpOption) error {
	s, err := e.sftpSession(sessionID)
	if err != nil {
		return err
	}
	return s.MkdirAll(path, opts...)
}

// Remove deletes one remote file or empty directory.
func (e *Engine) Remove(sessionID, path string, opts ...sftpx.OpOption) error {
	s, err := e.sftpSession(sessionID)
	if err != nil {
		return err
	}
	return s.Remove(path, opts...)
}

// RemoveAll deletes a remote path recursively.
func (e *Engine) RemoveAll(sessionID, path string, opts ...sftpx.OpOption) error {
	s, err := e.sftpSession(sessionID)
	if err != nil {
		return err
	}
	return s.RemoveAll(path, opts...)
}

// Rename moves a remote file or directory.
func (e *Engine) Rename(sessionID, oldPath, newPath string, opts ...sftpx.OpOption) error {
	s, err := e.sftpSession(sessionID)
	if err != nil {
		return err
	}
	return s.Rename(oldPath, newPath, opts...)
}

// Chmod changes remote permission bits.
func (e *Engine) Chmod(sessionID, path string, mode os.FileMode, opts ...sftpx.OpOption) error {
	s, err := e.sftpSession(sessionID)
	if err != nil {
		return err
	}
	return s.Chmod(path, mode, opts...)
}

// =============================================================================
// Transfers
// =============================================================================

// StartTransfer begins a transfer between any two endpoints.
func (e *Engine) StartTransfer(ctx context.Context, spec transfer.Spec, onProgress func(transfer.Progress)) *transfer.Task {
	return e.Transfers.Start(ctx, spec, onProgress)
}

// CancelTransfer stops a running transfer by id. Fire and forget.
func (e *Engine) CancelTransfer(id string) {
	e.Transfers.Cancel(id)
}

// =============================================================================
// File watches
// =============================================================================

// StartWatch polls a local file and re-uploads it to its remote origin on
// change.
func (e *Engine) StartWatch(localPath, remotePath, sessionID, encoding string) (*watch.Watch, error) {
	s, err := e.sftpSession(sessionID)
	if err != nil {
		return nil, err
	}
	return e.Watches.Start(localPath, remotePath, s, encoding)
}

// StopWatch ends one watch. Fire and forget.
func (e *Engine) StopWatch(id string) {
	e.Watches.Stop(id)
}

// RegisterTemp records a session-owned temp file for sweep on session close.
func (e *Engine) RegisterTemp(sessionID, path string) {
	e.Watches.RegisterTemp(sessionID, path)
}

// =============================================================================
// Interactive prompts
// =============================================================================

// RespondInteractive answers a pending keyboard-interactive or passphrase
// request.
func (e *Engine) RespondInteractive(requestID string, responses []string) error {
	return e.Interactive.Respond(requestID, responses)
}

// CancelInteractive declines a pending request.
func (e *Engine) CancelInteractive(requestID string) error {
	return e.Interactive.Cancel(requestID)
}

// RespondPassphrase answers a pending key-passphrase request.
func (e *Engine) RespondPassphrase(requestID, passphrase string) error {
	return e.Interactive.Respond(requestID, []string{passphrase})
}
