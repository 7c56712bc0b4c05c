package sftpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// sudoPrompt is the exact password prompt requested from sudo so it can be
// matched on stderr without locale guessing.
const sudoPrompt = "netcatty-sudo-password:"

// sudoMarker is printed to stdout by the elevated shell right before it
// execs the SFTP server, signalling that sudo accepted the password. Every
// stdout byte after the marker belongs to the SFTP protocol.
const sudoMarker = "NETCATTY_SFTP_READY"

// SudoReason classifies why sudo elevation failed.
type SudoReason string

const (
	SudoWrongPassword SudoReason = "wrong-password"
	SudoNoTTY         SudoReason = "no-tty"
	SudoNotPermitted  SudoReason = "not-permitted"
	SudoNoBinary      SudoReason = "no-binary"
	SudoTimeout       SudoReason = "timeout"
)

// SudoError is a failed elevation with the remote's stderr attached.
type SudoError struct {
	Reason SudoReason
	Stderr string
}

func (e *SudoError) Error() string {
	switch e.Reason {
	case SudoWrongPassword:
		return "sudo rejected the password"
	case SudoNoTTY:
		return "sudo requires a terminal on this host"
	case SudoNotPermitted:
		return "user is not permitted to run sudo"
	case SudoNoBinary:
		return "no sftp-server binary found on the remote"
	default:
		return "sudo elevation timed out"
	}
}

// probeServerPath finds the first executable sftp-server binary from the
// configured candidates, falling back to the first candidate when nothing
// probes successfully.
func (m *Manager) probeServerPath(client *ssh.Client) string {
	paths := m.cfg.Sftp.ServerPaths
	if len(paths) == 0 {
		return "/usr/lib/openssh/sftp-server"
	}
	for _, p := range paths {
		sess, err := client.NewSession()
		if err != nil {
			break
		}
		err = sess.Run("test -x " + p)
		sess.Close()
		if err == nil {
			log.Debugf("sftpx: sftp-server probe hit %s", p)
			return p
		}
	}
	log.Debugf("sftpx: no sftp-server probe succeeded, guessing %s", paths[0])
	return paths[0]
}

// elevate starts a root SFTP server through sudo on an already-authenticated
// client and speaks the SFTP protocol over the elevated channel's pipes.
func (m *Manager) elevate(ctx context.Context, client *ssh.Client, password string) (*sftp.Client, *ssh.Session, error) {
	serverPath := m.probeServerPath(client)

	sess, err := client.NewSession()
	if err != nil {
		return nil, nil, fmt.Errorf("opening elevation channel: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, nil, fmt.Errorf("opening stdin: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, nil, fmt.Errorf("opening stdout: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, nil, fmt.Errorf("opening stderr: %w", err)
	}

	cmd := fmt.Sprintf("sudo -S -p '%s' sh -c 'printf %s; exec %s'", sudoPrompt, sudoMarker, serverPath)
	if err := sess.Start(cmd); err != nil {
		sess.Close()
		return nil, nil, fmt.Errorf("starting sudo: %w", err)
	}

	// Watch stderr: answer the password prompt once, keep the rest for
	// failure classification.
	var errBuf lockedBuffer
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		sent := false
		buf := make([]byte, 512)
		for {
			n, rerr := stderr.Read(buf)
			if n > 0 {
				errBuf.Write(buf[:n])
				if !sent && strings.Contains(errBuf.String(), sudoPrompt) {
					io.WriteString(stdin, password+"\n")
					sent = true
				}
			}
			if rerr != nil {
				return
			}
		}
	}()

	type result struct {
		cli *sftp.Client
		err error
	}
	done := make(chan result, 1)
	go func() {
		rest, werr := waitMarker(stdout, sudoMarker)
		if werr != nil {
			done <- result{err: werr}
			return
		}
		cli, cerr := sftp.NewClientPipe(rest, stdin)
		done <- result{cli: cli, err: cerr}
	}()

	timeout := m.cfg.Sftp.SudoTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	select {
	case r := <-done:
		if r.err != nil {
			sess.Close()
			// Let stderr drain so classification sees sudo's complaint.
			select {
			case <-stderrDone:
			case <-time.After(time.Second):
			}
			return nil, nil, classifySudo(errBuf.String(), r.err)
		}
		return r.cli, sess, nil
	case <-time.After(timeout):
		sess.Close()
		return nil, nil, classifySudo(errBuf.String(), nil)
	case <-ctx.Done():
		sess.Close()
		return nil, nil, ctx.Err()
	}
}

// waitMarker consumes r until marker has been seen and returns a reader
// yielding everything after it, byte-exact. The SFTP handshake follows the
// marker immediately, so over-read bytes must not be dropped.
func waitMarker(r io.Reader, marker string) (io.Reader, error) {
	var seen []byte
	buf := make([]byte, 512)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			seen = append(seen, buf[:n]...)
			if i := bytes.Index(seen, []byte(marker)); i >= 0 {
				rest := seen[i+len(marker):]
				return io.MultiReader(bytes.NewReader(rest), r), nil
			}
		}
		if err != nil {
			return nil, fmt.Errorf("sftp server never started: %w", err)
		}
	}
}

// classifySudo maps sudo's stderr chatter to a typed failure. cause is the
// protocol-level error when the stream died before the marker.
func classifySudo(stderrText string, cause error) *SudoError {
	lower := strings.ToLower(stderrText)
	e := &SudoError{Stderr: stderrText}
	switch {
	case strings.Contains(lower, "try again") || strings.Contains(lower, "incorrect password"):
		e.Reason = SudoWrongPassword
	case strings.Contains(lower, "terminal is required") || strings.Contains(lower, "must have a tty"):
		e.Reason = SudoNoTTY
	case strings.Contains(lower, "not in the sudoers") || strings.Contains(lower, "not allowed"):
		e.Reason = SudoNotPermitted
	case strings.Contains(lower, "no such file") || strings.Contains(lower, "not found"):
		e.Reason = SudoNoBinary
	default:
		e.Reason = SudoTimeout
		if cause != nil {
			e.Stderr = strings.TrimSpace(stderrText + "\n" + cause.Error())
		}
	}
	return e
}

// lockedBuffer is a bytes.Buffer safe for one writer and one reader.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
