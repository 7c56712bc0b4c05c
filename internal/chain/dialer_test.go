package chain

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/YU-7/Netcatty-sub002/internal/config"
	"github.com/YU-7/Netcatty-sub002/internal/sshauth"
	"github.com/YU-7/Netcatty-sub002/internal/sshtest"
)

func targetFor(t *testing.T, addr, user, password string) sshauth.Target {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return sshauth.Target{
		Host:        host,
		Port:        port,
		User:        user,
		Credentials: sshauth.Credentials{Password: password},
	}
}

func testDialer(t *testing.T) *Dialer {
	t.Helper()
	cfg := config.Default()
	cfg.Connect.Timeout = 10 * time.Second
	cfg.Connect.Keepalive = 0
	// Point default key discovery at an empty dir so the developer's real
	// ~/.ssh never leaks into test candidate lists.
	cfg.Keys.Dir = t.TempDir()
	return &Dialer{Config: cfg, Cache: sshauth.NewMethodCache()}
}

// =============================================================================
// Direct connections
// =============================================================================

func TestConnect_DirectPasswordAuth(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Config{User: "alice", Password: "secret"})
	d := testDialer(t)
	target := targetFor(t, srv.Addr, "alice", "secret")

	conn, err := d.Connect(context.Background(), target, nil, nil, Options{})
	require.NoError(t, err)
	defer conn.Close()

	assert.NotNil(t, conn.Client)

	// Success populates the method cache for this identity.
	method, ok := d.Cache.Recall(target.Identity())
	require.True(t, ok)
	assert.Equal(t, sshauth.MethodPassword, method)
}

func TestConnect_WrongPasswordIsTypedAuthError(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Config{User: "alice", Password: "secret"})
	d := testDialer(t)
	target := targetFor(t, srv.Addr, "alice", "wrong")

	// Seed the cache to prove failure clears it.
	d.Cache.Remember(target.Identity(), sshauth.MethodPassword)

	_, err := d.Connect(context.Background(), target, nil, nil, Options{})
	require.Error(t, err)

	var authErr *sshauth.AuthError
	assert.ErrorAs(t, err, &authErr, "auth failures must be distinguishable from transport errors")

	_, ok := d.Cache.Recall(target.Identity())
	assert.False(t, ok, "any auth failure clears the cached method")
}

func TestConnect_UnreachableHostIsTransportError(t *testing.T) {
	d := testDialer(t)
	d.Config.Connect.Timeout = 2 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := d.Connect(ctx, sshauth.Target{
		Host: "192.0.2.1", Port: 22, User: "alice",
		Credentials: sshauth.Credentials{Password: "pw"},
	}, nil, nil, Options{})
	require.Error(t, err)

	var authErr *sshauth.AuthError
	assert.False(t, errors.As(err, &authErr), "unreachable host must not be classified as auth failure")
}

// =============================================================================
// Publickey candidate fallback
// =============================================================================

// testKeyPair generates an ed25519 key, returning its signer and the PEM
// encoding of the private key.
func testKeyPair(t *testing.T) (ssh.Signer, []byte) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer, pem.EncodeToMemory(block)
}

func TestConnect_RejectedExplicitKeyFallsBackToDefaultKey(t *testing.T) {
	_, rejectedPEM := testKeyPair(t)
	accepted, acceptedPEM := testKeyPair(t)

	srv := sshtest.Start(t, sshtest.Config{
		User:           "alice",
		AuthorizedKeys: []ssh.PublicKey{accepted.PublicKey()},
	})

	d := testDialer(t)
	require.NoError(t, os.WriteFile(filepath.Join(d.Config.Keys.Dir, "id_ed25519"), acceptedPEM, 0o600))

	target := targetFor(t, srv.Addr, "alice", "")
	target.Credentials = sshauth.Credentials{PrivateKey: rejectedPEM}

	// The rejected explicit key must not retire publickey auth before the
	// default on-disk key gets its turn.
	conn, err := d.Connect(context.Background(), target, nil, nil, Options{})
	require.NoError(t, err)
	defer conn.Close()

	method, ok := d.Cache.Recall(target.Identity())
	require.True(t, ok)
	assert.Equal(t, sshauth.MethodPublicKey, method)
}

func TestConnect_MultiFactorFlowIsNotCached(t *testing.T) {
	keySigner, keyPEM := testKeyPair(t)

	srv := sshtest.Start(t, sshtest.Config{
		User:                 "alice",
		Password:             "sesame",
		AuthorizedKeys:       []ssh.PublicKey{keySigner.PublicKey()},
		SecondFactorPassword: true,
	})

	d := testDialer(t)
	target := targetFor(t, srv.Addr, "alice", "sesame")
	target.Credentials.PrivateKey = keyPEM

	conn, err := d.Connect(context.Background(), target, nil, nil, Options{})
	require.NoError(t, err)
	defer conn.Close()

	// Key then password: neither offer is knowably the first accepted
	// factor, so nothing may be recorded for the next attempt.
	_, ok := d.Cache.Recall(target.Identity())
	assert.False(t, ok, "second factor must not be cached as the method to retry first")
}

// =============================================================================
// Jump chains
// =============================================================================

func TestConnect_TwoHopChainReachesTarget(t *testing.T) {
	hop1 := sshtest.Start(t, sshtest.Config{User: "jump1", Password: "pw1"})
	hop2 := sshtest.Start(t, sshtest.Config{User: "jump2", Password: "pw2"})
	final := sshtest.Start(t, sshtest.Config{User: "alice", Password: "secret"})

	d := testDialer(t)

	var events []Progress
	conn, err := d.Connect(context.Background(),
		targetFor(t, final.Addr, "alice", "secret"),
		[]sshauth.Target{
			targetFor(t, hop1.Addr, "jump1", "pw1"),
			targetFor(t, hop2.Addr, "jump2", "pw2"),
		},
		nil,
		Options{OnProgress: func(p Progress) { events = append(events, p) }})
	require.NoError(t, err)
	defer conn.Close()

	// Progress walks hops strictly in order.
	var sequence []string
	for _, e := range events {
		sequence = append(sequence, fmt.Sprintf("%d:%s", e.Hop, e.Status))
	}
	assert.Equal(t, []string{
		"0:connecting", "0:connected", "0:forwarding",
		"1:connecting", "1:connected", "1:forwarding",
		"2:connecting", "2:connected",
	}, sequence)
}

func TestConnect_SecondHopFailureTearsDownFirstHop(t *testing.T) {
	hop1 := sshtest.Start(t, sshtest.Config{User: "jump1", Password: "pw1"})
	hop2 := sshtest.Start(t, sshtest.Config{User: "jump2", Password: "pw2"})
	final := sshtest.Start(t, sshtest.Config{User: "alice", Password: "secret"})

	d := testDialer(t)

	_, err := d.Connect(context.Background(),
		targetFor(t, final.Addr, "alice", "secret"),
		[]sshauth.Target{
			targetFor(t, hop1.Addr, "jump1", "pw1"),
			targetFor(t, hop2.Addr, "jump2", "WRONG"),
		},
		nil, Options{})
	require.Error(t, err)

	// The error names hop 2, not a generic timeout.
	var hopErr *HopError
	require.ErrorAs(t, err, &hopErr)
	assert.Equal(t, 1, hopErr.Hop)

	// Hop 1's connection must be closed before the error propagates.
	select {
	case <-hop1.ConnClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("hop 1 connection was not torn down")
	}
}

func TestConnect_TargetAuthFailureTearsDownChain(t *testing.T) {
	hop1 := sshtest.Start(t, sshtest.Config{User: "jump1", Password: "pw1"})
	final := sshtest.Start(t, sshtest.Config{User: "alice", Password: "secret"})

	d := testDialer(t)

	_, err := d.Connect(context.Background(),
		targetFor(t, final.Addr, "alice", "WRONG"),
		[]sshauth.Target{targetFor(t, hop1.Addr, "jump1", "pw1")},
		nil, Options{})
	require.Error(t, err)

	var authErr *sshauth.AuthError
	assert.ErrorAs(t, err, &authErr)

	select {
	case <-hop1.ConnClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("hop connection was not torn down after target auth failure")
	}
}

// =============================================================================
// Connection teardown
// =============================================================================

func TestConnection_CloseIsIdempotent(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Config{User: "alice", Password: "secret"})
	d := testDialer(t)

	conn, err := d.Connect(context.Background(), targetFor(t, srv.Addr, "alice", "secret"), nil, nil, Options{})
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	// Second close is a no-op, not a double-teardown.
	assert.NoError(t, conn.Close())

	select {
	case <-srv.ConnClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed the close")
	}
}
