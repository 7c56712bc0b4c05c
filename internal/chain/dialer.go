package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/YU-7/Netcatty-sub002/internal/config"
	"github.com/YU-7/Netcatty-sub002/internal/interactive"
	"github.com/YU-7/Netcatty-sub002/internal/proxynet"
	"github.com/YU-7/Netcatty-sub002/internal/sshauth"
)

// Dialer establishes authenticated SSH clients, directly or through jump
// chains and proxies. All collaborators are injected so engine instances
// stay independent.
type Dialer struct {
	Config   *config.Config
	Bridge   *interactive.Bridge // nil disables interactive prompts
	Cache    *sshauth.MethodCache
	HostKeys ssh.HostKeyCallback // nil accepts any key
}

// Options tunes one connection attempt.
type Options struct {
	// AllowInteractive permits keyboard-interactive auth and passphrase
	// prompts, and stretches the handshake timeout accordingly.
	AllowInteractive bool

	// SurfaceID and SessionID tag interactive requests so the UI can route
	// the prompt to the right place.
	SurfaceID string
	SessionID string

	// OnProgress observes per-hop chain construction status. May be nil.
	OnProgress func(Progress)
}

// Connect builds the transport to target: hop 0 is dialed directly (or
// through proxy), every further hop through the previous hop's forwarded
// stream, strictly in order, and finally the target itself. Each hop is
// authenticated before the next hop's handshake begins.
//
// On any hop failure every previously opened hop is closed, in reverse
// order, before the error propagates — no partial chains are leaked.
func (d *Dialer) Connect(ctx context.Context, target sshauth.Target, hops []sshauth.Target, proxy *proxynet.Descriptor, opts Options) (*Connection, error) {
	var hopClients []io.Closer
	var prev *ssh.Client

	unwind := func() {
		for i := len(hopClients) - 1; i >= 0; i-- {
			hopClients[i].Close()
		}
	}

	for i, hop := range hops {
		d.emit(opts, Progress{Hop: i, Host: hop.Host, Status: StatusConnecting})

		client, err := d.authenticate(ctx, hop, d.rawDialer(prev, proxy), opts)
		if err != nil {
			d.emit(opts, Progress{Hop: i, Host: hop.Host, Status: StatusError, Err: err})
			unwind()
			return nil, &HopError{Hop: i, Host: hop.Host, Err: err}
		}

		d.emit(opts, Progress{Hop: i, Host: hop.Host, Status: StatusConnected})
		d.emit(opts, Progress{Hop: i, Host: hop.Host, Status: StatusForwarding})

		hopClients = append(hopClients, client)
		prev = client
	}

	d.emit(opts, Progress{Hop: len(hops), Host: target.Host, Status: StatusConnecting})

	client, err := d.authenticate(ctx, target, d.rawDialer(prev, proxy), opts)
	if err != nil {
		d.emit(opts, Progress{Hop: len(hops), Host: target.Host, Status: StatusError, Err: err})
		unwind()
		return nil, err
	}

	d.emit(opts, Progress{Hop: len(hops), Host: target.Host, Status: StatusConnected})

	conn := &Connection{Client: client, hops: hopClients}
	conn.StartKeepalive(d.Config.Connect.Keepalive)
	return conn, nil
}

// rawDialer returns the byte-stream dial for the next address: the previous
// hop's forwarded stream when a hop exists, otherwise the proxy tunnel or a
// plain TCP dial. The proxy applies to the first connection only.
func (d *Dialer) rawDialer(prev *ssh.Client, proxy *proxynet.Descriptor) func(ctx context.Context, addr string) (net.Conn, error) {
	if prev != nil {
		return func(_ context.Context, addr string) (net.Conn, error) {
			conn, err := prev.Dial("tcp", addr)
			if err != nil {
				return nil, fmt.Errorf("forward stream to %s: %w", addr, err)
			}
			return conn, nil
		}
	}
	if proxy != nil {
		p := *proxy
		return func(ctx context.Context, addr string) (net.Conn, error) {
			return proxynet.Dial(ctx, p, addr)
		}
	}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		var nd net.Dialer
		conn, err := nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn, nil
	}
}

// authenticate dials t and completes the SSH handshake, negotiating auth
// methods. When the attempt fails because encrypted keys had to be skipped,
// it asks for a passphrase once and retries with the unlocked keys before
// surfacing a typed auth error.
func (d *Dialer) authenticate(ctx context.Context, t sshauth.Target, dial func(context.Context, string) (net.Conn, error), opts Options) (*ssh.Client, error) {
	timeout := d.Config.Connect.Timeout
	if opts.AllowInteractive {
		timeout = d.Config.Connect.InteractiveTimeout
	}

	unlock := ""
	for attempt := 0; ; attempt++ {
		client, encrypted, err := d.attempt(ctx, t, dial, opts, timeout, unlock)
		if err == nil {
			return client, nil
		}

		if !isAuthFailure(err) {
			return nil, err
		}

		if d.Cache != nil {
			d.Cache.Forget(t.Identity())
		}

		if attempt == 0 && len(encrypted) > 0 && opts.AllowInteractive && d.Bridge != nil {
			if pass, ok := d.askPassphrase(ctx, t, encrypted, opts); ok {
				unlock = pass
				continue
			}
		}

		return nil, &sshauth.AuthError{Identity: t.Identity(), Err: err}
	}
}

// attempt performs one dial + handshake cycle.
func (d *Dialer) attempt(ctx context.Context, t sshauth.Target, dial func(context.Context, string) (net.Conn, error), opts Options, timeout time.Duration, unlock string) (*ssh.Client, []string, error) {
	ag, agCloser, _ := sshauth.DiscoverAgent()
	if agCloser != nil {
		defer agCloser.Close()
	}

	neg, encrypted, err := sshauth.BuildCandidates(t, sshauth.BuildOptions{
		Agent:            ag,
		KeyDir:           d.Config.Keys.Dir,
		KeyNames:         d.Config.Keys.Names,
		UnlockPassphrase: unlock,
		Cache:            d.Cache,
		AllowInteractive: opts.AllowInteractive,
	})
	if err != nil {
		return nil, nil, err
	}

	hostKeys := d.HostKeys
	if hostKeys == nil {
		hostKeys = ssh.InsecureIgnoreHostKey()
	}

	clientCfg := &ssh.ClientConfig{
		User:            t.User,
		Auth:            sshauth.AuthMethods(neg, d.challengeHandler(t, opts)),
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	conn, err := dial(ctx, t.Addr())
	if err != nil {
		return nil, encrypted, err
	}

	client, err := handshake(ctx, conn, t.Addr(), clientCfg, timeout)
	if err != nil {
		return nil, encrypted, err
	}

	if method := neg.FirstAccepted(); method != "" {
		if d.Cache != nil {
			d.Cache.Remember(t.Identity(), method)
		}
		log.Debugf("chain: authenticated %s via %s", t.Identity(), method)
	} else {
		log.Debugf("chain: authenticated %s via multiple methods, not caching", t.Identity())
	}
	return client, encrypted, nil
}

// handshake runs the SSH handshake with a hard timeout. Forwarded streams
// do not support deadlines, so the timeout closes the conn to unblock the
// handshake goroutine (same shape as a piper daemon's login grace timer).
func handshake(ctx context.Context, conn net.Conn, addr string, cfg *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)

	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			done <- result{nil, err}
			return
		}
		done <- result{ssh.NewClient(c, chans, reqs), nil}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			conn.Close()
			return nil, fmt.Errorf("ssh handshake with %s: %w", addr, r.err)
		}
		return r.client, nil
	case <-time.After(timeout):
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s timed out after %s", addr, timeout)
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}
}

// challengeHandler bridges keyboard-interactive challenges to the pending
// request table. Returns nil when interactivity is off so the candidate is
// dropped entirely.
func (d *Dialer) challengeHandler(t sshauth.Target, opts Options) ssh.KeyboardInteractiveChallenge {
	if !opts.AllowInteractive || d.Bridge == nil {
		return nil
	}

	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		// Servers send prompt-less rounds to push informational text;
		// those are answered with an empty set, no user involved.
		if len(questions) == 0 {
			return []string{}, nil
		}

		prompts := make([]interactive.Prompt, len(questions))
		for i, q := range questions {
			prompts[i] = interactive.Prompt{Text: q, Echo: echos[i]}
		}

		responses, err := d.Bridge.Ask(context.Background(), interactive.Request{
			Kind:        interactive.KindChallenge,
			SurfaceID:   opts.SurfaceID,
			SessionID:   opts.SessionID,
			Name:        name,
			Instruction: instruction,
			Prompts:     prompts,
		})
		if err != nil {
			return nil, err
		}
		if responses == nil {
			return nil, errors.New("keyboard-interactive challenge cancelled")
		}
		if len(responses) != len(questions) {
			return nil, fmt.Errorf("challenge expected %d responses, got %d", len(questions), len(responses))
		}
		return responses, nil
	}
}

// askPassphrase runs the one-shot encrypted-key passphrase request after an
// attempt failed with keys skipped. ok is false on cancel/skip/timeout.
func (d *Dialer) askPassphrase(ctx context.Context, t sshauth.Target, encrypted []string, opts Options) (string, bool) {
	log.Infof("chain: %s failed with %d encrypted key(s) skipped, requesting passphrase", t.Identity(), len(encrypted))

	responses, err := d.Bridge.Ask(ctx, interactive.Request{
		Kind:        interactive.KindPassphrase,
		SurfaceID:   opts.SurfaceID,
		SessionID:   opts.SessionID,
		Name:        "Encrypted private key",
		Instruction: fmt.Sprintf("A passphrase is required to unlock: %s", strings.Join(encrypted, ", ")),
		Prompts:     []interactive.Prompt{{Text: "Passphrase:", Echo: false}},
	})
	if err != nil || len(responses) == 0 || responses[0] == "" {
		return "", false
	}
	return responses[0], true
}

// isAuthFailure tells authentication rejections apart from transport
// errors; the library reports the former only through its message.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	var authErr *sshauth.AuthError
	if errors.As(err, &authErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain")
}

func (d *Dialer) emit(opts Options, p Progress) {
	if opts.OnProgress != nil {
		opts.OnProgress(p)
	}
}
