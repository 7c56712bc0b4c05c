package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
)

const chunkSize = 32 * 1024

// Task is one running transfer. Its terminal state is reached exactly once.
type Task struct {
	ID string

	engine *Engine
	cancel context.CancelFunc

	cancelled atomic.Bool
	settled   sync.Once
	done      chan struct{}
	err       error

	mu      sync.Mutex
	streams []io.Closer
}

// Cancel stops the transfer: the copy loop sees the flag on its next chunk
// and both live streams are destroyed immediately to unblock any pending
// read or write. Safe to call more than once.
func (t *Task) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
	t.mu.Lock()
	streams := t.streams
	t.streams = nil
	t.mu.Unlock()
	for _, c := range streams {
		c.Close()
	}
}

// Done closes when the task reaches its terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err reports the terminal outcome: nil for complete, ErrCancelled for
// cancelled, anything else for error. Valid once Done is closed.
func (t *Task) Err() error { return t.err }

// Wait blocks until the task ends or ctx expires.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) track(c io.Closer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled.Load() {
		c.Close()
		return
	}
	t.streams = append(t.streams, c)
}

func (t *Task) untrackAll() {
	t.mu.Lock()
	t.streams = nil
	t.mu.Unlock()
}

func (t *Task) finish(err error) {
	t.settled.Do(func() {
		if t.cancelled.Load() {
			err = ErrCancelled
		}
		t.err = err
		t.engine.deregister(t.ID)
		close(t.done)
	})
}

func (t *Task) run(ctx context.Context, spec Spec, onProgress func(Progress)) {
	total, err := resolveTotal(spec)
	if err != nil {
		logOutcome(spec, err)
		t.finish(fmt.Errorf("resolving size: %w", err))
		return
	}

	var transferred int64
	meter := &speedometer{}
	report := func(n int64) {
		transferred = n
		if onProgress != nil {
			onProgress(Progress{
				ID:          t.ID,
				Transferred: transferred,
				Total:       total,
				Speed:       meter.sample(transferred),
			})
		}
	}

	src, dst := spec.Source, spec.Target
	switch {
	case src.remote() && dst.remote():
		err = t.remoteToRemote(ctx, spec, total, report)
	case dst.remote():
		err = t.upload(ctx, src, dst, report)
	case src.remote():
		err = t.download(ctx, src, dst, report)
	default:
		err = t.localCopy(ctx, src, dst, report)
	}

	logOutcome(spec, err)
	t.finish(err)
}

// copyChunks streams src into dst, checking the cancellation flag on every
// chunk and reporting cumulative bytes at chunk boundaries.
func (t *Task) copyChunks(ctx context.Context, dst io.Writer, src io.Reader, report func(int64)) error {
	buf := make([]byte, chunkSize)
	var n int64
	for {
		if t.cancelled.Load() {
			return ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		read, rerr := src.Read(buf)
		if read > 0 {
			if _, werr := dst.Write(buf[:read]); werr != nil {
				return fmt.Errorf("writing: %w", werr)
			}
			n += int64(read)
			report(n)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("reading: %w", rerr)
		}
	}
}

func (t *Task) upload(ctx context.Context, src, dst Endpoint, report func(int64)) error {
	in, err := os.Open(src.Path)
	if err != nil {
		return err
	}
	defer in.Close()
	t.track(in)

	// mkdir -p semantics before any byte moves.
	if dir := path.Dir(dst.Path); dir != "." && dir != "/" {
		if err := dst.Session.MkdirAll(dir, dst.opts()...); err != nil {
			return err
		}
	}
	out, err := dst.Session.OpenWrite(dst.Path, dst.opts()...)
	if err != nil {
		return err
	}
	t.track(out)

	if err := t.copyChunks(ctx, out, in, report); err != nil {
		out.Close()
		return err
	}
	t.untrackAll()
	return out.Close()
}

func (t *Task) download(ctx context.Context, src, dst Endpoint, report func(int64)) error {
	in, err := src.Session.OpenRead(src.Path, src.opts()...)
	if err != nil {
		return err
	}
	defer in.Close()
	t.track(in)

	if err := os.MkdirAll(filepath.Dir(dst.Path), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst.Path)
	if err != nil {
		return err
	}
	t.track(out)

	if err := t.copyChunks(ctx, out, in, report); err != nil {
		out.Close()
		return err
	}
	t.untrackAll()
	return out.Close()
}

func (t *Task) localCopy(ctx context.Context, src, dst Endpoint, report func(int64)) error {
	in, err := os.Open(src.Path)
	if err != nil {
		return err
	}
	defer in.Close()
	t.track(in)

	if err := os.MkdirAll(filepath.Dir(dst.Path), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst.Path)
	if err != nil {
		return err
	}
	t.track(out)

	if err := t.copyChunks(ctx, out, in, report); err != nil {
		out.Close()
		return err
	}
	t.untrackAll()
	return out.Close()
}

// remoteToRemote stages through a local temp file; each leg reports half of
// the combined progress so the caller sees one continuous 0..total sweep.
func (t *Task) remoteToRemote(ctx context.Context, spec Spec, total int64, report func(int64)) error {
	stage, err := os.CreateTemp("", "netcatty-stage-*")
	if err != nil {
		return fmt.Errorf("creating staging file: %w", err)
	}
	stagePath := stage.Name()
	stage.Close()
	defer os.Remove(stagePath)

	local := Endpoint{Kind: KindLocal, Path: stagePath}

	if err := t.download(ctx, spec.Source, local, func(n int64) {
		report(n / 2)
	}); err != nil {
		return err
	}

	half := total / 2
	return t.upload(ctx, local, spec.Target, func(n int64) {
		report(half + n/2)
	})
}
