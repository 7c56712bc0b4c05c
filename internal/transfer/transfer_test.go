package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YU-7/Netcatty-sub002/internal/chain"
	"github.com/YU-7/Netcatty-sub002/internal/config"
	"github.com/YU-7/Netcatty-sub002/internal/sftpx"
	"github.com/YU-7/Netcatty-sub002/internal/sshauth"
	"github.com/YU-7/Netcatty-sub002/internal/sshtest"
)

func openSftpSession(t *testing.T) *sftpx.Session {
	t.Helper()
	srv := sshtest.Start(t, sshtest.Config{User: "alice", Password: "secret"})

	cfg := config.Default()
	cfg.Connect.Timeout = 10 * time.Second
	cfg.Connect.Keepalive = 0
	cfg.Keys.Dir = t.TempDir()

	host, portStr, err := net.SplitHostPort(srv.Addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	m := sftpx.NewManager(cfg, &chain.Dialer{Config: cfg, Cache: sshauth.NewMethodCache()})
	s, err := m.Open(context.Background(), sftpx.OpenOptions{
		Target: sshauth.Target{
			Host: host, Port: port, User: "alice",
			Credentials: sshauth.Credentials{Password: "secret"},
		},
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func writeRandomFile(t *testing.T, path string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return data
}

type progressLog struct {
	mu   sync.Mutex
	seen []Progress
}

func (p *progressLog) record(pr Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, pr)
}

func (p *progressLog) all() []Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Progress(nil), p.seen...)
}

// =============================================================================
// Dispatch by endpoint kinds
// =============================================================================

func TestStart_LocalToRemote(t *testing.T) {
	s := openSftpSession(t)
	local := t.TempDir()
	remote := t.TempDir()

	data := writeRandomFile(t, filepath.Join(local, "up.bin"), 200*1024)

	var prog progressLog
	task := New().Start(context.Background(), Spec{
		Source: Endpoint{Kind: KindLocal, Path: filepath.Join(local, "up.bin")},
		// Target parents do not exist yet; upload must create them.
		Target: Endpoint{Kind: KindRemote, Path: filepath.Join(remote, "a/b/up.bin"), Session: s},
	}, prog.record)

	require.NoError(t, task.Wait(context.Background()))

	got, err := os.ReadFile(filepath.Join(remote, "a/b/up.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	seen := prog.all()
	require.NotEmpty(t, seen)
	var last int64
	for _, p := range seen {
		assert.GreaterOrEqual(t, p.Transferred, last, "progress must be monotonic")
		assert.Equal(t, int64(200*1024), p.Total)
		last = p.Transferred
	}
	assert.Equal(t, int64(200*1024), last)
}

func TestStart_RemoteToLocal(t *testing.T) {
	s := openSftpSession(t)
	remote := t.TempDir()
	local := t.TempDir()

	data := writeRandomFile(t, filepath.Join(remote, "down.bin"), 150*1024)

	// No TotalBytes given: the engine stats the remote source.
	var prog progressLog
	task := New().Start(context.Background(), Spec{
		Source: Endpoint{Kind: KindRemote, Path: filepath.Join(remote, "down.bin"), Session: s},
		Target: Endpoint{Kind: KindLocal, Path: filepath.Join(local, "down.bin")},
	}, prog.record)

	require.NoError(t, task.Wait(context.Background()))

	got, err := os.ReadFile(filepath.Join(local, "down.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	seen := prog.all()
	require.NotEmpty(t, seen)
	assert.Equal(t, int64(150*1024), seen[len(seen)-1].Total)
}

func TestStart_LocalToLocal(t *testing.T) {
	dir := t.TempDir()
	data := writeRandomFile(t, filepath.Join(dir, "src.bin"), 64*1024)

	task := New().Start(context.Background(), Spec{
		Source: Endpoint{Kind: KindLocal, Path: filepath.Join(dir, "src.bin")},
		Target: Endpoint{Kind: KindLocal, Path: filepath.Join(dir, "copy/dst.bin")},
	}, nil)

	require.NoError(t, task.Wait(context.Background()))
	got, err := os.ReadFile(filepath.Join(dir, "copy/dst.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestStart_RemoteToRemoteStagesThroughTempFile(t *testing.T) {
	s := openSftpSession(t)
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	data := writeRandomFile(t, filepath.Join(srcDir, "src.bin"), 120*1024)

	var prog progressLog
	task := New().Start(context.Background(), Spec{
		Source: Endpoint{Kind: KindRemote, Path: filepath.Join(srcDir, "src.bin"), Session: s},
		Target: Endpoint{Kind: KindRemote, Path: filepath.Join(dstDir, "dst.bin"), Session: s},
	}, prog.record)

	require.NoError(t, task.Wait(context.Background()))

	got, err := os.ReadFile(filepath.Join(dstDir, "dst.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	// Both legs report into one 0..total sweep: the download leg stays in
	// the first half, the upload leg ends at the full total.
	seen := prog.all()
	require.NotEmpty(t, seen)
	assert.LessOrEqual(t, seen[0].Transferred, int64(120*1024/2))
	assert.Equal(t, int64(120*1024), seen[len(seen)-1].Transferred)
}

// =============================================================================
// Outcomes
// =============================================================================

func TestStart_MissingSourceFails(t *testing.T) {
	task := New().Start(context.Background(), Spec{
		Source: Endpoint{Kind: KindLocal, Path: "/nonexistent/nope.bin"},
		Target: Endpoint{Kind: KindLocal, Path: filepath.Join(t.TempDir(), "dst")},
	}, nil)

	err := task.Wait(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCancelled)
}

// endless produces data forever, for exercising the cancel path without
// timing dependence.
type endless struct{}

func (endless) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

type trackedCloser struct{ closed bool }

func (c *trackedCloser) Close() error { c.closed = true; return nil }

func TestCopyChunks_CancelStopsMidStream(t *testing.T) {
	fresh := &Task{ID: "cancel-test", engine: New(), cancel: func() {}, done: make(chan struct{})}
	stream := &trackedCloser{}
	fresh.track(stream)

	err := fresh.copyChunks(context.Background(), io.Discard, endless{}, func(n int64) {
		if n >= 4*chunkSize {
			fresh.Cancel()
		}
	})
	require.ErrorIs(t, err, ErrCancelled)
	assert.True(t, stream.closed, "cancel destroys tracked streams immediately")

	// Terminal outcome is sticky.
	fresh.finish(nil)
	fresh.finish(errNotSeen)
	assert.ErrorIs(t, fresh.Err(), ErrCancelled)
}

var errNotSeen = io.ErrUnexpectedEOF

func TestEngine_CancelByID(t *testing.T) {
	s := openSftpSession(t)
	local := t.TempDir()
	remote := t.TempDir()

	writeRandomFile(t, filepath.Join(local, "big.bin"), 32*1024*1024)

	e := New()
	task := e.Start(context.Background(), Spec{
		ID:     "transfer-1",
		Source: Endpoint{Kind: KindLocal, Path: filepath.Join(local, "big.bin")},
		Target: Endpoint{Kind: KindRemote, Path: filepath.Join(remote, "big.bin"), Session: s},
	}, nil)

	e.Cancel("transfer-1")

	err := task.Wait(context.Background())
	require.ErrorIs(t, err, ErrCancelled)

	// The task deregisters on its terminal state.
	assert.Eventually(t, func() bool {
		_, ok := e.Get("transfer-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSpeedometer(t *testing.T) {
	var m speedometer
	assert.Equal(t, float64(0), m.sample(0))

	// Sub-window samples reuse the previous reading instead of jittering.
	assert.Equal(t, float64(0), m.sample(1024))

	time.Sleep(120 * time.Millisecond)
	speed := m.sample(100 * 1024)
	assert.Greater(t, speed, float64(0))
}
