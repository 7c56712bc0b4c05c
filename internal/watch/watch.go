// Package watch re-uploads locally edited files to their remote origin.
//
// Detection is polling on purpose: editors that save atomically replace the
// file (write temp, rename over), which breaks inode-based notification
// watches. A poll of mtime and size survives the replacement.
package watch

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/YU-7/Netcatty-sub002/internal/config"
	"github.com/YU-7/Netcatty-sub002/internal/sftpx"
)

// EventKind discriminates watch events.
type EventKind string

const (
	// EventSynced reports one completed re-upload.
	EventSynced EventKind = "synced"
	// EventSyncError reports one failed re-upload. The watch keeps
	// polling; the next change retries.
	EventSyncError EventKind = "sync-error"
)

// Event is one item on a Watch's event stream.
type Event struct {
	WatchID string
	Kind    EventKind
	Bytes   int64 // EventSynced
	Err     error // EventSyncError
}

// Watch is one polled local file bound to a remote path on an SFTP session.
type Watch struct {
	ID         string
	LocalPath  string
	RemotePath string
	SessionID  string

	svc      *Service
	session  *sftpx.Session
	encoding string
	events   chan Event

	mtime time.Time
	size  int64

	stop     chan struct{}
	stopOnce sync.Once
}

// Events returns the watch's event stream.
func (w *Watch) Events() <-chan Event { return w.events }

// Service owns every live watch plus a parallel registry of temp files to
// sweep when their session goes away.
type Service struct {
	cfg *config.Config

	mu      sync.Mutex
	watches map[string]*Watch
	temps   map[string][]string // session id -> temp paths
}

// NewService creates an empty watch service.
func NewService(cfg *config.Config) *Service {
	return &Service{
		cfg:     cfg,
		watches: make(map[string]*Watch),
		temps:   make(map[string][]string),
	}
}

// Start begins watching localPath and re-uploading it to remotePath over
// session whenever it changes. enc optionally overrides the session's
// filename encoding for the upload path.
func (s *Service) Start(localPath, remotePath string, session *sftpx.Session, enc string) (*Watch, error) {
	fi, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("watch: stating %s: %w", localPath, err)
	}

	w := &Watch{
		ID:         uuid.NewString(),
		LocalPath:  localPath,
		RemotePath: remotePath,
		SessionID:  session.ID,
		svc:        s,
		session:    session,
		encoding:   enc,
		events:     make(chan Event, 16),
		mtime:      fi.ModTime(),
		size:       fi.Size(),
		stop:       make(chan struct{}),
	}

	s.mu.Lock()
	s.watches[w.ID] = w
	s.mu.Unlock()

	go w.loop(s.cfg.Watch.PollInterval, s.cfg.Watch.Debounce)
	log.Infof("watch: %s tracking %s -> %s", w.ID, localPath, remotePath)
	return w, nil
}

// Stop ends one watch. Unknown ids are a no-op.
func (s *Service) Stop(id string) {
	s.mu.Lock()
	w, ok := s.watches[id]
	delete(s.watches, id)
	s.mu.Unlock()
	if ok {
		w.halt()
	}
}

// RegisterTemp records a temp file owned by a session so StopForSession can
// sweep it even if the file was never watched.
func (s *Service) RegisterTemp(sessionID, path string) {
	s.mu.Lock()
	s.temps[sessionID] = append(s.temps[sessionID], path)
	s.mu.Unlock()
}

// StopForSession ends every watch owned by sessionID and, when removeTemps
// is set, deletes every registered temp file. Wired as the SFTP manager's
// close hook so session teardown cascades here.
func (s *Service) StopForSession(sessionID string, removeTemps bool) {
	s.mu.Lock()
	var stopped []*Watch
	for id, w := range s.watches {
		if w.SessionID == sessionID {
			delete(s.watches, id)
			stopped = append(stopped, w)
		}
	}
	temps := s.temps[sessionID]
	delete(s.temps, sessionID)
	s.mu.Unlock()

	for _, w := range stopped {
		w.halt()
	}
	if !removeTemps {
		return
	}
	for _, p := range temps {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warnf("watch: removing temp %s: %v", p, err)
		}
	}
}

// Close stops everything without touching temp files.
func (s *Service) Close() {
	s.mu.Lock()
	all := make([]*Watch, 0, len(s.watches))
	for _, w := range s.watches {
		all = append(all, w)
	}
	s.watches = make(map[string]*Watch)
	s.mu.Unlock()
	for _, w := range all {
		w.halt()
	}
}

func (w *Watch) halt() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Watch) loop(interval, debounce time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	if debounce < 0 {
		debounce = 0
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}

		fi, err := os.Stat(w.LocalPath)
		if err != nil {
			// Mid-replace from an atomic save, or deleted; the next
			// tick resolves either way.
			continue
		}
		if fi.ModTime().Equal(w.mtime) && fi.Size() == w.size {
			continue
		}

		// Change seen. Let the editor finish its burst of writes before
		// uploading once.
		select {
		case <-w.stop:
			return
		case <-time.After(debounce):
		}
		if fi, err = os.Stat(w.LocalPath); err != nil {
			continue
		}
		w.mtime = fi.ModTime()
		w.size = fi.Size()

		if n, err := w.upload(); err != nil {
			log.Warnf("watch: %s sync failed: %v", w.ID, err)
			w.emit(Event{WatchID: w.ID, Kind: EventSyncError, Err: err})
		} else {
			log.Debugf("watch: %s synced %d bytes", w.ID, n)
			w.emit(Event{WatchID: w.ID, Kind: EventSynced, Bytes: n})
		}
	}
}

func (w *Watch) upload() (int64, error) {
	in, err := os.Open(w.LocalPath)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	var opts []sftpx.OpOption
	if w.encoding != "" {
		opts = append(opts, sftpx.WithEncoding(w.encoding))
	}
	out, err := w.session.OpenWrite(w.RemotePath, opts...)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}
	return n, out.Close()
}

func (w *Watch) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		log.Warnf("watch: %s event channel full, dropping %s", w.ID, ev.Kind)
	}
}
