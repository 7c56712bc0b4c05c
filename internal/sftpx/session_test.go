package sftpx

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YU-7/Netcatty-sub002/internal/chain"
	"github.com/YU-7/Netcatty-sub002/internal/config"
	"github.com/YU-7/Netcatty-sub002/internal/sshauth"
	"github.com/YU-7/Netcatty-sub002/internal/sshtest"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.Connect.Timeout = 10 * time.Second
	cfg.Connect.Keepalive = 0
	cfg.Keys.Dir = t.TempDir()
	return NewManager(cfg, &chain.Dialer{Config: cfg, Cache: sshauth.NewMethodCache()})
}

func testTarget(t *testing.T, addr string) sshauth.Target {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return sshauth.Target{
		Host:        host,
		Port:        port,
		User:        "alice",
		Credentials: sshauth.Credentials{Password: "secret"},
	}
}

func openSession(t *testing.T, opts OpenOptions) (*Manager, *Session) {
	t.Helper()
	srv := sshtest.Start(t, sshtest.Config{User: "alice", Password: "secret"})
	m := testManager(t)
	opts.Target = testTarget(t, srv.Addr)
	s, err := m.Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return m, s
}

// =============================================================================
// File operations (UTF-8 session, real sftp server over the test fixture dir)
// =============================================================================

func TestSession_FileOperations(t *testing.T) {
	_, s := openSession(t, OpenOptions{})
	root := t.TempDir()

	require.NoError(t, s.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi there")))

	data, err := s.ReadFile(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi there", string(data))

	st, err := s.Stat(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, int64(8), st.Size)
	assert.False(t, st.IsDir)

	require.NoError(t, s.MkdirAll(filepath.Join(root, "a/b/c")))
	st, err = s.Stat(filepath.Join(root, "a/b/c"))
	require.NoError(t, err)
	assert.True(t, st.IsDir)

	require.NoError(t, s.Rename(filepath.Join(root, "hello.txt"), filepath.Join(root, "a/b/c/moved.txt")))

	entries, err := s.List(filepath.Join(root, "a/b/c"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "moved.txt", entries[0].Name)

	require.NoError(t, s.Chmod(filepath.Join(root, "a/b/c/moved.txt"), 0o600))

	require.NoError(t, s.RemoveAll(filepath.Join(root, "a")))
	_, err = s.Stat(filepath.Join(root, "a"))
	assert.Error(t, err)
}

func TestSession_AutoEncodingResolvesToUTF8(t *testing.T) {
	_, s := openSession(t, OpenOptions{})
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "ascii.txt"), []byte("x"), 0o644))

	assert.Equal(t, EncodingAuto, s.Encoding())
	_, err := s.List(root)
	require.NoError(t, err)
	assert.Equal(t, EncodingUTF8, s.Encoding())
}

func TestSession_AutoEncodingFallsBackAndDecodesNames(t *testing.T) {
	_, s := openSession(t, OpenOptions{})
	root := t.TempDir()

	// A file whose on-disk name is GBK bytes, as written by a legacy host.
	require.NoError(t, os.WriteFile(filepath.Join(root, gbkName), []byte("legacy"), 0o644))

	entries, err := s.List(root)
	require.NoError(t, err)
	assert.Equal(t, "gbk", s.Encoding())
	require.Len(t, entries, 1)
	assert.Equal(t, "中文", entries[0].Name)

	// Paths given in UTF-8 are re-encoded before hitting the wire.
	data, err := s.ReadFile(filepath.Join(root, "中文"))
	require.NoError(t, err)
	assert.Equal(t, "legacy", string(data))

	// Recursive creation and removal on a non-UTF-8 session walk manually.
	require.NoError(t, s.MkdirAll(filepath.Join(root, "中文目录/子目录")))
	if _, err := os.Stat(filepath.Join(root, string([]byte{0xd6, 0xd0, 0xce, 0xc4, 0xc4, 0xbf, 0xc2, 0xbc}))); err != nil {
		t.Fatalf("encoded directory missing on disk: %v", err)
	}
	require.NoError(t, s.RemoveAll(filepath.Join(root, "中文目录")))
}

func TestSession_ExplicitEncodingSkipsProbe(t *testing.T) {
	_, s := openSession(t, OpenOptions{Encoding: "gbk"})
	assert.Equal(t, "gbk", s.Encoding())

	root := t.TempDir()
	require.NoError(t, s.WriteFile(filepath.Join(root, "中文"), []byte("x")))

	// The name landed on disk in GBK bytes, not UTF-8.
	_, err := os.Stat(filepath.Join(root, gbkName))
	assert.NoError(t, err)

	// A per-call override reads it back as raw UTF-8 bytes instead.
	entries, err := s.List(root, WithEncoding("utf-8"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, gbkName, entries[0].Name)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestSession_CloseCascadesOnce(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Config{User: "alice", Password: "secret"})
	m := testManager(t)

	hookCalls := 0
	m.SetCloseHook(func(id string) { hookCalls++ })

	s, err := m.Open(context.Background(), OpenOptions{ID: "sftp-1", Target: testTarget(t, srv.Addr)})
	require.NoError(t, err)

	_, ok := m.Get("sftp-1")
	assert.True(t, ok)

	s.Close()
	s.Close()

	assert.Equal(t, 1, hookCalls)
	_, ok = m.Get("sftp-1")
	assert.False(t, ok)

	select {
	case <-srv.ConnClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("transport not closed")
	}
}

func TestOpen_AuthFailure(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Config{User: "alice", Password: "secret"})
	m := testManager(t)

	target := testTarget(t, srv.Addr)
	target.Credentials.Password = "WRONG"
	_, err := m.Open(context.Background(), OpenOptions{Target: target})
	require.Error(t, err)

	var authErr *sshauth.AuthError
	assert.ErrorAs(t, err, &authErr)
}
