package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/YU-7/Netcatty-sub002/internal/sftpx"
)

// ErrCancelled is the terminal error of a transfer stopped by its caller,
// distinct from data errors.
var ErrCancelled = errors.New("transfer cancelled")

// Kind discriminates transfer endpoints.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Endpoint is one side of a transfer.
type Endpoint struct {
	Kind Kind
	Path string
	// Session carries remote endpoints; ignored for local ones.
	Session *sftpx.Session
	// Encoding optionally overrides the session's filename encoding for
	// this transfer's remote operations.
	Encoding string
}

func (e Endpoint) remote() bool { return e.Kind == KindRemote }

func (e Endpoint) opts() []sftpx.OpOption {
	if e.Encoding == "" {
		return nil
	}
	return []sftpx.OpOption{sftpx.WithEncoding(e.Encoding)}
}

// Spec describes one transfer.
type Spec struct {
	// ID identifies the task; generated when empty.
	ID     string
	Source Endpoint
	Target Endpoint
	// TotalBytes is the expected size; zero means stat the source.
	TotalBytes int64
}

// Progress is a point-in-time report, emitted at chunk boundaries.
type Progress struct {
	ID          string
	Transferred int64
	Total       int64
	// Speed is bytes per second, sampled over windows of at least 100ms.
	Speed float64
}

// Engine runs transfers and tracks the live ones so they can be cancelled
// by id.
type Engine struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// New creates an empty transfer engine.
func New() *Engine {
	return &Engine{tasks: make(map[string]*Task)}
}

// Start begins a transfer and returns immediately. onProgress may be nil.
// The task ends in exactly one of: complete, error, cancelled.
func (e *Engine) Start(ctx context.Context, spec Spec, onProgress func(Progress)) *Task {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		ID:     spec.ID,
		engine: e,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	e.tasks[t.ID] = t
	e.mu.Unlock()

	go t.run(ctx, spec, onProgress)
	return t
}

// Get looks up a live task.
func (e *Engine) Get(id string) (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	return t, ok
}

// Cancel stops a live task by id. Unknown ids are a no-op.
func (e *Engine) Cancel(id string) {
	if t, ok := e.Get(id); ok {
		t.Cancel()
	}
}

func (e *Engine) deregister(id string) {
	e.mu.Lock()
	delete(e.tasks, id)
	e.mu.Unlock()
}

// resolveTotal stats the source when the caller did not supply a size.
func resolveTotal(spec Spec) (int64, error) {
	if spec.TotalBytes > 0 {
		return spec.TotalBytes, nil
	}
	if spec.Source.remote() {
		st, err := spec.Source.Session.Stat(spec.Source.Path, spec.Source.opts()...)
		if err != nil {
			return 0, err
		}
		return st.Size, nil
	}
	fi, err := os.Stat(spec.Source.Path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func describe(spec Spec) string {
	return fmt.Sprintf("%s:%s -> %s:%s", spec.Source.Kind, spec.Source.Path, spec.Target.Kind, spec.Target.Path)
}

func logOutcome(spec Spec, err error) {
	switch {
	case err == nil:
		log.Infof("transfer: %s complete", describe(spec))
	case errors.Is(err, ErrCancelled):
		log.Infof("transfer: %s cancelled", describe(spec))
	default:
		log.Warnf("transfer: %s failed: %v", describe(spec), err)
	}
}

// speedometer derives transfer speed from byte counters, refusing to sample
// windows shorter than 100ms so the reading does not jitter.
type speedometer struct {
	start     time.Time
	lastTime  time.Time
	lastBytes int64
	speed     float64
}

func (s *speedometer) sample(transferred int64) float64 {
	now := time.Now()
	if s.lastTime.IsZero() {
		s.start = now
		s.lastTime = now
		s.lastBytes = transferred
		return 0
	}
	elapsed := now.Sub(s.lastTime)
	if elapsed < 100*time.Millisecond {
		return s.speed
	}
	s.speed = float64(transferred-s.lastBytes) / elapsed.Seconds()
	s.lastTime = now
	s.lastBytes = transferred
	return s.speed
}
