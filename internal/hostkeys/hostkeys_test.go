package hostkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func testHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return sshPub
}

func TestResolve_ZeroPolicyAcceptsAnyKey(t *testing.T) {
	cb, err := Resolve(Policy{})
	require.NoError(t, err)

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 22}
	assert.NoError(t, cb("10.0.0.1:22", addr, testHostKey(t)))
}

func TestResolve_ExplicitCallbackWins(t *testing.T) {
	called := false
	cb, err := Resolve(Policy{
		Callback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			called = true
			return nil
		},
		KnownHostsFile: "/does/not/matter",
	})
	require.NoError(t, err)

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 22}
	require.NoError(t, cb("h", addr, testHostKey(t)))
	assert.True(t, called)
}

func TestResolve_KnownHostsFileVerifies(t *testing.T) {
	key := testHostKey(t)
	line := "known.example " + string(ssh.MarshalAuthorizedKey(key))

	path := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(path, []byte(line), 0600))

	cb, err := Resolve(Policy{KnownHostsFile: path})
	require.NoError(t, err)

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 22}

	// Listed host with the right key passes.
	assert.NoError(t, cb("known.example:22", addr, key))

	// Same host presenting a different key must be rejected.
	assert.Error(t, cb("known.example:22", addr, testHostKey(t)))
}

func TestResolve_MissingKnownHostsFileFails(t *testing.T) {
	_, err := Resolve(Policy{KnownHostsFile: filepath.Join(t.TempDir(), "nope")})
	assert.Error(t, err)
}
