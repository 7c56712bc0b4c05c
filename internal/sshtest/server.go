// Package sshtest runs a minimal in-process SSH server for exercising
// connection, session and file-transfer code against a real handshake
// without external fixtures.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// ExecFunc handles one exec request and returns the command's exit status.
type ExecFunc func(command string, stdin io.Reader, stdout, stderr io.Writer) int

// ShellFunc handles one interactive shell until it returns; the channel is
// then closed with exit status 0.
type ShellFunc func(stdin io.Reader, stdout io.Writer)

// Config tunes the test server. Zero-value handlers get echo defaults.
type Config struct {
	User     string
	Password string

	// AuthorizedKeys enables publickey auth for User with any listed key.
	AuthorizedKeys []ssh.PublicKey

	// SecondFactorPassword makes an accepted key return a partial-success
	// reply demanding Password as the second factor, instead of accepting
	// the password on its own.
	SecondFactorPassword bool

	// Exec serves exec requests. Default echoes the command to stdout
	// and exits 0.
	Exec ExecFunc

	// Shell serves shell requests. Default copies stdin back to stdout
	// until EOF.
	Shell ShellFunc
}

// Server is a live in-process SSH server listening on loopback.
type Server struct {
	Addr string

	// ConnClosed receives one value each time an accepted SSH connection
	// fully ends, so tests can assert teardown ordering.
	ConnClosed chan struct{}

	cfg Config

	mu  sync.Mutex
	env map[string]string
}

// Start launches a server that accepts password auth for cfg.User. The
// listener is closed via t.Cleanup.
func Start(t *testing.T, cfg Config) *Server {
	t.Helper()

	if cfg.Exec == nil {
		cfg.Exec = func(command string, _ io.Reader, stdout, _ io.Writer) int {
			fmt.Fprintln(stdout, command)
			return 0
		}
	}
	if cfg.Shell == nil {
		cfg.Shell = func(stdin io.Reader, stdout io.Writer) {
			io.Copy(stdout, stdin)
		}
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	passwordCB := func(meta ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
		if meta.User() == cfg.User && string(pw) == cfg.Password {
			return nil, nil
		}
		return nil, fmt.Errorf("access denied")
	}

	sshCfg := &ssh.ServerConfig{}
	if !cfg.SecondFactorPassword && (cfg.Password != "" || len(cfg.AuthorizedKeys) == 0) {
		sshCfg.PasswordCallback = passwordCB
	}
	if len(cfg.AuthorizedKeys) > 0 {
		authorized := make(map[string]bool, len(cfg.AuthorizedKeys))
		for _, key := range cfg.AuthorizedKeys {
			authorized[string(key.Marshal())] = true
		}
		sshCfg.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if meta.User() != cfg.User || !authorized[string(key.Marshal())] {
				return nil, fmt.Errorf("access denied")
			}
			if cfg.SecondFactorPassword {
				return nil, &ssh.PartialSuccessError{Next: ssh.ServerAuthCallbacks{
					PasswordCallback: passwordCB,
				}}
			}
			return nil, nil
		}
	}
	sshCfg.AddHostKey(signer)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	srv := &Server{
		Addr:       lis.Addr().String(),
		ConnClosed: make(chan struct{}, 16),
		cfg:        cfg,
		env:        make(map[string]string),
	}

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go srv.handle(conn, sshCfg)
		}
	}()

	return srv
}

// Env returns the value of an env request the client sent, if any.
func (s *Server) Env(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.env[name]
	return v, ok
}

func (s *Server) handle(conn net.Conn, cfg *ssh.ServerConfig) {
	defer conn.Close()

	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	go func() {
		for nc := range chans {
			switch nc.ChannelType() {
			case "direct-tcpip":
				go handleDirectTCPIP(nc)
			case "session":
				go s.handleSession(nc)
			default:
				nc.Reject(ssh.UnknownChannelType, "unsupported")
			}
		}
	}()

	sconn.Wait()
	s.ConnClosed <- struct{}{}
}

func handleDirectTCPIP(nc ssh.NewChannel) {
	var payload struct {
		DestAddr string
		DestPort uint32
		OrigAddr string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(nc.ExtraData(), &payload); err != nil {
		nc.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}

	dest, err := net.Dial("tcp", net.JoinHostPort(payload.DestAddr, strconv.Itoa(int(payload.DestPort))))
	if err != nil {
		nc.Reject(ssh.ConnectionFailed, err.Error())
		return
	}

	ch, chReqs, err := nc.Accept()
	if err != nil {
		dest.Close()
		return
	}
	go ssh.DiscardRequests(chReqs)

	go func() {
		io.Copy(ch, dest)
		ch.Close()
	}()
	go func() {
		io.Copy(dest, ch)
		dest.Close()
	}()
}

func (s *Server) handleSession(nc ssh.NewChannel) {
	ch, reqs, err := nc.Accept()
	if err != nil {
		return
	}

	for req := range reqs {
		switch req.Type {
		case "pty-req", "window-change":
			req.Reply(true, nil)

		case "env":
			var kv struct{ Name, Value string }
			if err := ssh.Unmarshal(req.Payload, &kv); err == nil {
				s.mu.Lock()
				s.env[kv.Name] = kv.Value
				s.mu.Unlock()
			}
			req.Reply(true, nil)

		case "shell":
			req.Reply(true, nil)
			go func() {
				s.cfg.Shell(ch, ch)
				sendExit(ch, 0)
				ch.Close()
			}()

		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				status := s.cfg.Exec(payload.Command, ch, ch, ch.Stderr())
				sendExit(ch, uint32(status))
				ch.Close()
			}()

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				srv, err := sftp.NewServer(ch)
				if err != nil {
					ch.Close()
					return
				}
				srv.Serve()
				sendExit(ch, 0)
				ch.Close()
			}()

		default:
			req.Reply(false, nil)
		}
	}
}

func sendExit(ch ssh.Channel, status uint32) {
	payload := struct{ Status uint32 }{Status: status}
	ch.SendRequest("exit-status", false, ssh.Marshal(&payload))
}
